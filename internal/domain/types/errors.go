package types

import "errors"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("not authorized")
	ErrInvalidToken       = errors.New("invalid session token")

	ErrDuplicateActiveRequest = errors.New("rider already has an active ride request")
	ErrStaleMatch             = errors.New("ride request was claimed or cancelled concurrently")
	ErrRequestNotFound        = errors.New("ride request not found")
	ErrTripNotFound           = errors.New("trip not found")
	ErrTripNotActive          = errors.New("trip is not in progress")
	ErrNotADriver             = errors.New("account is not a driver")
	ErrAlreadyRated           = errors.New("trip already rated")

	ErrNotAParticipant      = errors.New("sender is not a participant of this conversation")
	ErrConversationNotFound = errors.New("conversation not found")

	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("requested item not found")
	ErrDatabaseFailed = errors.New("database operation failed")
)
