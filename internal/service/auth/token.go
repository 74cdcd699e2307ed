package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/types"
)

// sessionClaims is the JWT payload for a session token. The jti claim is
// the session id, which lets a dropped client resume its session.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates HS256 session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the given session identity.
func (t *TokenManager) Issue(sessionID, userID uuid.UUID, role types.UserRole, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(t.ttl)
	claims := sessionClaims{
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID.String(),
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// TokenIdentity is the identity recovered from a valid session token.
type TokenIdentity struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Role      types.UserRole
	ExpiresAt time.Time
}

// Parse validates the signature and expiry and extracts the identity.
// Any failure maps to types.ErrInvalidToken.
func (t *TokenManager) Parse(token string) (TokenIdentity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return TokenIdentity{}, types.ErrInvalidToken
	}

	sessionID, err := uuid.Parse(claims.ID)
	if err != nil {
		return TokenIdentity{}, types.ErrInvalidToken
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return TokenIdentity{}, types.ErrInvalidToken
	}
	if !types.ValidRole(claims.Role) {
		return TokenIdentity{}, types.ErrInvalidToken
	}

	return TokenIdentity{
		SessionID: sessionID,
		UserID:    userID,
		Role:      types.UserRole(claims.Role),
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
