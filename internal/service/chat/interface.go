package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
)

type MessageRepo interface {
	// Append stores one message and returns its assigned sequential id.
	// The participant pair is recorded with the conversation so heads can
	// be listed later.
	Append(ctx context.Context, msg *models.ChatMessage, rider, driver uuid.UUID) (int64, error)
	List(ctx context.Context, conversationKey uuid.UUID, afterID int64, limit int) ([]models.ChatMessage, error)
	Heads(ctx context.Context, userID uuid.UUID) ([]models.ConversationHead, error)
}

// ParticipantResolver answers who belongs to a live conversation.
// Satisfied by the matching engine.
type ParticipantResolver interface {
	Participants(key uuid.UUID) (rider, driver uuid.UUID, ok bool)
}

// TripReader resolves participants for conversations whose trip already
// left the engine's live state. Conversations stay keyed by whichever id
// they were opened under, so both lookups are needed.
type TripReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trip, error)
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Trip, error)
}

// Notifier delivers chat pushes to connected counterparts.
type Notifier interface {
	Push(ctx context.Context, userID uuid.UUID, pushType string, data any) error
}
