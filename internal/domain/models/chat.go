package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatMessage is append-only. Delivery order within a conversation is
// (sent_at, id); the sequential id breaks same-timestamp ties.
type ChatMessage struct {
	ID              int64     `json:"id"`
	ConversationKey uuid.UUID `json:"conversation_key"`
	SenderID        uuid.UUID `json:"sender_id"`
	Body            string    `json:"body"`
	SentAt          time.Time `json:"sent_at"`
}

// ConversationHead summarizes one chat thread for listChats.
type ConversationHead struct {
	ConversationKey uuid.UUID   `json:"conversation_key"`
	CounterpartID   uuid.UUID   `json:"counterpart_id"`
	LastMessage     *ChatMessage `json:"last_message,omitempty"`
}
