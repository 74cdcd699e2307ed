package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/pkg/trm"
)

type ChatRepo struct {
	db *pgxpool.Pool
	tx trm.TxManager
}

func NewChatRepo(db *pgxpool.Pool, tx trm.TxManager) *ChatRepo {
	return &ChatRepo{db: db, tx: tx}
}

// Append upserts the conversation's participant pair and stores the message
// in the same transaction, returning the assigned sequential id.
func (r *ChatRepo) Append(ctx context.Context, msg *models.ChatMessage, rider, driver uuid.UUID) (int64, error) {
	var id int64
	err := r.tx.Do(ctx, func(ctx context.Context) error {
		upsert := `
			INSERT INTO conversations (conversation_key, rider_id, driver_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_key) DO NOTHING`

		if _, err := TxOrDB(ctx, r.db).Exec(ctx, upsert, msg.ConversationKey, rider, driver); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		insert := `
			INSERT INTO chat_messages (conversation_key, sender_id, body, sent_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id`

		err := TxOrDB(ctx, r.db).QueryRow(ctx, insert,
			msg.ConversationKey, msg.SenderID, msg.Body, msg.SentAt).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *ChatRepo) List(ctx context.Context, conversationKey uuid.UUID, afterID int64, limit int) ([]models.ChatMessage, error) {
	query := `
		SELECT id, conversation_key, sender_id, body, sent_at
		FROM chat_messages
		WHERE conversation_key = $1 AND id > $2
		ORDER BY sent_at, id
		LIMIT $3`

	rows, err := TxOrDB(ctx, r.db).Query(ctx, query, conversationKey, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.SenderID, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return out, nil
}

// Heads lists the caller's conversations with their latest message,
// most recently active first.
func (r *ChatRepo) Heads(ctx context.Context, userID uuid.UUID) ([]models.ConversationHead, error) {
	query := `
		SELECT c.conversation_key,
		       CASE WHEN c.rider_id = $1 THEN c.driver_id ELSE c.rider_id END AS counterpart_id,
		       m.id, m.sender_id, m.body, m.sent_at
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT id, sender_id, body, sent_at
			FROM chat_messages
			WHERE conversation_key = c.conversation_key
			ORDER BY sent_at DESC, id DESC
			LIMIT 1
		) m ON true
		WHERE c.rider_id = $1 OR c.driver_id = $1
		ORDER BY m.sent_at DESC NULLS LAST`

	rows, err := TxOrDB(ctx, r.db).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationHead
	for rows.Next() {
		var head models.ConversationHead
		var msgID *int64
		var senderID *uuid.UUID
		var body *string
		var sentAt *time.Time

		if err := rows.Scan(&head.ConversationKey, &head.CounterpartID,
			&msgID, &senderID, &body, &sentAt); err != nil {
			return nil, fmt.Errorf("scan conversation head: %w", err)
		}
		if msgID != nil {
			head.LastMessage = &models.ChatMessage{
				ID:              *msgID,
				ConversationKey: head.ConversationKey,
				SenderID:        *senderID,
				Body:            *body,
				SentAt:          *sentAt,
			}
		}
		out = append(out, head)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation heads: %w", err)
	}
	return out, nil
}
