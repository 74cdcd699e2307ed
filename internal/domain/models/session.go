package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/types"
)

// Session is the live binding between a network connection and an
// authenticated user identity. It is transient: created at login,
// destroyed on disconnect or logout.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Role      types.UserRole
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
