// Package auth implements account registration, credential checks and
// session token lifecycle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/pkg/logger"
	wrap "github.com/aubus-app/aubus-server/pkg/logger/wrapper"
	"github.com/aubus-app/aubus-server/pkg/passhash"
)

const minPasswordLen = 8

type Service struct {
	users  UserRepo
	tokens *TokenManager
	log    logger.Logger
}

func New(users UserRepo, tokens *TokenManager, log logger.Logger) *Service {
	return &Service{users: users, tokens: tokens, log: log}
}

// Register creates a new account. The password is stored only as a PBKDF2 hash.
func (s *Service) Register(ctx context.Context, create models.UserCreate) (*models.User, error) {
	if err := validateCreate(create); err != nil {
		return nil, err
	}

	hash, err := passhash.HashPassword(create.Password)
	if err != nil {
		return nil, wrap.Error(ctx, fmt.Errorf("failed to hash password: %w", err))
	}

	user := &models.User{
		ID:        uuid.New(),
		Email:     strings.ToLower(strings.TrimSpace(create.Email)),
		Name:      strings.TrimSpace(create.Name),
		Phone:     strings.TrimSpace(create.Phone),
		Role:      create.Role,
		Status:    types.UserActive,
		Rating:    5.0,
		CreatedAt: time.Now().UTC(),
	}
	user.SetPasswordHash(hash)

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, types.ErrEmailTaken) {
			return nil, types.ErrEmailTaken
		}
		return nil, wrap.Error(ctx, fmt.Errorf("failed to create user: %w", err))
	}

	s.log.Info(wrap.WithUserID(ctx, user.ID.String()), "user registered", "role", user.Role.String())
	return user, nil
}

// Login checks credentials and mints a new session. An unknown email and a
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*models.Session, *models.User, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			return nil, nil, types.ErrInvalidCredentials
		}
		return nil, nil, wrap.Error(ctx, fmt.Errorf("failed to fetch user by email: %w", err))
	}

	ok, err := passhash.VerifyPassword(password, user.PasswordHash())
	if err != nil {
		return nil, nil, wrap.Error(ctx, fmt.Errorf("failed to verify password: %w", err))
	}
	if !ok {
		return nil, nil, types.ErrInvalidCredentials
	}
	if user.Status != types.UserActive {
		return nil, nil, types.ErrInvalidCredentials
	}

	now := time.Now().UTC()
	sessionID := uuid.New()
	token, expiresAt, err := s.tokens.Issue(sessionID, user.ID, user.Role, now)
	if err != nil {
		return nil, nil, wrap.Error(ctx, err)
	}

	sess := &models.Session{
		ID:        sessionID,
		UserID:    user.ID,
		Role:      user.Role,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}

	s.log.Info(wrap.WithUserID(ctx, user.ID.String()), "user logged in")
	return sess, user, nil
}

// ResumeSession rebuilds a session from a previously issued token, so a
// reconnecting client does not have to send credentials again.
func (s *Service) ResumeSession(ctx context.Context, token string) (*models.Session, *models.User, error) {
	identity, err := s.tokens.Parse(token)
	if err != nil {
		return nil, nil, types.ErrInvalidToken
	}

	user, err := s.users.GetByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			return nil, nil, types.ErrInvalidToken
		}
		return nil, nil, wrap.Error(ctx, fmt.Errorf("failed to fetch user: %w", err))
	}
	if user.Status != types.UserActive {
		return nil, nil, types.ErrInvalidToken
	}

	sess := &models.Session{
		ID:        identity.SessionID,
		UserID:    user.ID,
		Role:      user.Role,
		Token:     token,
		ExpiresAt: identity.ExpiresAt,
	}

	s.log.Info(wrap.WithUserID(ctx, user.ID.String()), "session resumed")
	return sess, user, nil
}

// FetchProfile returns the user's own profile.
func (s *Service) FetchProfile(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			return nil, types.ErrUserNotFound
		}
		return nil, wrap.Error(ctx, fmt.Errorf("failed to fetch user: %w", err))
	}
	return user, nil
}

// UpdateProfile applies the provided fields and returns the updated profile.
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, update models.ProfileUpdate) (*models.User, error) {
	if update.Name == nil && update.Phone == nil {
		return nil, fmt.Errorf("%w: nothing to update", types.ErrInvalidInput)
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, fmt.Errorf("%w: name must not be empty", types.ErrInvalidInput)
	}

	user, err := s.users.UpdateProfile(ctx, userID, update)
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			return nil, types.ErrUserNotFound
		}
		return nil, wrap.Error(ctx, fmt.Errorf("failed to update profile: %w", err))
	}

	s.log.Info(wrap.WithUserID(ctx, userID.String()), "profile updated")
	return user, nil
}

func validateCreate(create models.UserCreate) error {
	if _, err := mail.ParseAddress(strings.TrimSpace(create.Email)); err != nil {
		return fmt.Errorf("%w: invalid email", types.ErrInvalidInput)
	}
	if strings.TrimSpace(create.Name) == "" {
		return fmt.Errorf("%w: name is required", types.ErrInvalidInput)
	}
	if len(create.Password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", types.ErrInvalidInput, minPasswordLen)
	}
	if !types.ValidRole(create.Role.String()) {
		return fmt.Errorf("%w: unknown role %q", types.ErrInvalidInput, create.Role)
	}
	return nil
}
