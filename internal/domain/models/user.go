package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/types"
)

type User struct {
	ID        uuid.UUID        `json:"id"`
	Email     string           `json:"email"`
	Name      string           `json:"name"`
	Phone     string           `json:"phone,omitempty"`
	Role      types.UserRole   `json:"role"`
	Status    types.UserStatus `json:"status"`
	Rating    float64          `json:"rating"`
	TripCount int              `json:"trip_count"`
	CreatedAt time.Time        `json:"created_at"`

	passwordHash string
}

func (u *User) SetPasswordHash(h string) { u.passwordHash = h }
func (u *User) PasswordHash() string     { return u.passwordHash }

// UserCreate carries the fields a client may set at registration.
type UserCreate struct {
	Email    string
	Name     string
	Phone    string
	Password string
	Role     types.UserRole
}

// ProfileUpdate carries the mutable profile fields. Nil means "leave as is".
type ProfileUpdate struct {
	Name  *string
	Phone *string
}
