// Package chat relays messages between the two parties of a ride. A
// conversation is keyed by the ride request or trip id; only its rider and
// driver may read or write it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/internal/protocol"
	"github.com/aubus-app/aubus-server/pkg/logger"
	wrap "github.com/aubus-app/aubus-server/pkg/logger/wrapper"
)

const (
	maxBodyLen       = 2000
	defaultFetchSize = 50
)

type Relay struct {
	messages MessageRepo
	live     ParticipantResolver
	trips    TripReader
	notifier Notifier
	log      logger.Logger
	now      func() time.Time
}

func New(messages MessageRepo, live ParticipantResolver, trips TripReader, notifier Notifier, log logger.Logger) *Relay {
	return &Relay{
		messages: messages,
		live:     live,
		trips:    trips,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send appends a message and pushes it to the counterpart. A sender outside
// the conversation is rejected before anything is persisted.
func (r *Relay) Send(ctx context.Context, senderID, conversationKey uuid.UUID, body string) (*models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: empty message body", types.ErrInvalidInput)
	}
	if len(body) > maxBodyLen {
		return nil, fmt.Errorf("%w: message body exceeds %d characters", types.ErrInvalidInput, maxBodyLen)
	}

	rider, driver, err := r.resolve(ctx, conversationKey)
	if err != nil {
		return nil, err
	}
	if senderID != rider && senderID != driver {
		return nil, types.ErrNotAParticipant
	}

	msg := &models.ChatMessage{
		ConversationKey: conversationKey,
		SenderID:        senderID,
		Body:            body,
		SentAt:          r.now(),
	}
	id, err := r.messages.Append(ctx, msg, rider, driver)
	if err != nil {
		return nil, wrap.Error(ctx, fmt.Errorf("%w: failed to append chat message: %v", types.ErrDatabaseFailed, err))
	}
	msg.ID = id

	counterpart := rider
	if senderID == rider {
		counterpart = driver
	}
	if err := r.notifier.Push(ctx, counterpart, protocol.PushChatMessage, msg); err != nil {
		// Offline counterparts pick the message up via fetchChat.
		r.log.Debug(wrap.WithUserID(ctx, counterpart.String()), "chat push not delivered", "error", err.Error())
	}

	return msg, nil
}

// Fetch returns conversation history in (sent_at, id) order, restricted to
// participants. afterID supports incremental catch-up after a reconnect.
func (r *Relay) Fetch(ctx context.Context, callerID, conversationKey uuid.UUID, afterID int64, limit int) ([]models.ChatMessage, error) {
	rider, driver, err := r.resolve(ctx, conversationKey)
	if err != nil {
		return nil, err
	}
	if callerID != rider && callerID != driver {
		return nil, types.ErrNotAParticipant
	}

	if limit <= 0 || limit > 500 {
		limit = defaultFetchSize
	}
	msgs, err := r.messages.List(ctx, conversationKey, afterID, limit)
	if err != nil {
		return nil, wrap.Error(ctx, fmt.Errorf("%w: failed to list chat messages: %v", types.ErrDatabaseFailed, err))
	}
	return msgs, nil
}

// ListChats returns the caller's conversation heads, most recent first.
func (r *Relay) ListChats(ctx context.Context, callerID uuid.UUID) ([]models.ConversationHead, error) {
	heads, err := r.messages.Heads(ctx, callerID)
	if err != nil {
		return nil, wrap.Error(ctx, fmt.Errorf("%w: failed to list conversations: %v", types.ErrDatabaseFailed, err))
	}
	return heads, nil
}

// resolve finds the conversation's parties: live engine state first, then
// recorded trips for rides that already finished. The key may be either the
// trip id or the ride request id the conversation was opened under.
func (r *Relay) resolve(ctx context.Context, key uuid.UUID) (rider, driver uuid.UUID, err error) {
	if rid, did, ok := r.live.Participants(key); ok {
		return rid, did, nil
	}

	trip, err := r.trips.GetByID(ctx, key)
	if errors.Is(err, types.ErrTripNotFound) {
		trip, err = r.trips.GetByRequestID(ctx, key)
	}
	if err != nil {
		if errors.Is(err, types.ErrTripNotFound) {
			return uuid.Nil, uuid.Nil, types.ErrConversationNotFound
		}
		return uuid.Nil, uuid.Nil, wrap.Error(ctx, fmt.Errorf("failed to resolve conversation: %w", err))
	}
	return trip.RiderID, trip.DriverID, nil
}
