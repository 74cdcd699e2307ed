package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/pkg/logger"
)

type fakeUserRepo struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.User
	byEmail map[string]*models.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		byID:    make(map[uuid.UUID]*models.User),
		byEmail: make(map[string]*models.User),
	}
}

func (r *fakeUserRepo) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[user.Email]; ok {
		return types.ErrEmailTaken
	}
	cp := *user
	r.byID[user.ID] = &cp
	r.byEmail[user.Email] = &cp
	return nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byEmail[email]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) UpdateProfile(_ context.Context, id uuid.UUID, update models.ProfileUpdate) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	if update.Name != nil {
		u.Name = *update.Name
	}
	if update.Phone != nil {
		u.Phone = *update.Phone
	}
	cp := *u
	return &cp, nil
}

func newTestService() (*Service, *fakeUserRepo) {
	repo := newFakeUserRepo()
	tokens := NewTokenManager("test-secret", time.Hour)
	svc := New(repo, tokens, logger.InitLogger("test", logger.LevelError))
	return svc, repo
}

func riderCreate() models.UserCreate {
	return models.UserCreate{
		Email:    "rider@example.com",
		Name:     "Aigerim",
		Password: "correct-horse",
		Role:     types.RoleRider,
	}
}

func TestRegister_LoginRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, riderCreate())
	require.NoError(t, err)
	assert.Equal(t, types.UserActive, user.Status)
	assert.NotEqual(t, "correct-horse", user.PasswordHash(), "password must never be stored in the clear")

	sess, got, err := svc.Login(ctx, "RIDER@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.ID, sess.UserID)
	assert.NotEmpty(t, sess.Token)
	assert.True(t, sess.ExpiresAt.After(time.Now()))
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := map[string]func(*models.UserCreate){
		"bad email":      func(c *models.UserCreate) { c.Email = "not-an-email" },
		"empty name":     func(c *models.UserCreate) { c.Name = "   " },
		"short password": func(c *models.UserCreate) { c.Password = "short" },
		"unknown role":   func(c *models.UserCreate) { c.Role = "ADMIN" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			create := riderCreate()
			mutate(&create)
			_, err := svc.Register(ctx, create)
			assert.ErrorIs(t, err, types.ErrInvalidInput)
		})
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, riderCreate())
	require.NoError(t, err)

	_, err = svc.Register(ctx, riderCreate())
	assert.ErrorIs(t, err, types.ErrEmailTaken)
}

func TestLogin_BadCredentialsAreIndistinguishable(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Register(ctx, riderCreate())
	require.NoError(t, err)

	_, _, errUnknown := svc.Login(ctx, "nobody@example.com", "whatever-pass")
	_, _, errWrongPass := svc.Login(ctx, "rider@example.com", "wrong-password")

	assert.ErrorIs(t, errUnknown, types.ErrInvalidCredentials)
	assert.ErrorIs(t, errWrongPass, types.ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrongPass.Error())
}

func TestResumeSession(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, riderCreate())
	require.NoError(t, err)
	sess, _, err := svc.Login(ctx, user.Email, "correct-horse")
	require.NoError(t, err)

	resumed, got, err := svc.ResumeSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resumed.ID)
	assert.Equal(t, user.ID, got.ID)

	_, _, err = svc.ResumeSession(ctx, sess.Token+"x")
	assert.ErrorIs(t, err, types.ErrInvalidToken)

	_, _, err = svc.ResumeSession(ctx, "")
	assert.ErrorIs(t, err, types.ErrInvalidToken)
}

func TestResumeSession_ExpiredToken(t *testing.T) {
	repo := newFakeUserRepo()
	tokens := NewTokenManager("test-secret", -time.Minute)
	svc := New(repo, tokens, logger.InitLogger("test", logger.LevelError))
	ctx := context.Background()

	user, err := svc.Register(ctx, riderCreate())
	require.NoError(t, err)
	sess, _, err := svc.Login(ctx, user.Email, "correct-horse")
	require.NoError(t, err)

	_, _, err = svc.ResumeSession(ctx, sess.Token)
	assert.ErrorIs(t, err, types.ErrInvalidToken)
}

func TestUpdateProfile(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, err := svc.Register(ctx, riderCreate())
	require.NoError(t, err)

	name := "Aigerim S."
	updated, err := svc.UpdateProfile(ctx, user.ID, models.ProfileUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, user.Phone, updated.Phone)

	_, err = svc.UpdateProfile(ctx, user.ID, models.ProfileUpdate{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	empty := "  "
	_, err = svc.UpdateProfile(ctx, user.ID, models.ProfileUpdate{Name: &empty})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = svc.UpdateProfile(ctx, uuid.New(), models.ProfileUpdate{Name: &name})
	assert.ErrorIs(t, err, types.ErrUserNotFound)
}

func TestTokenManager_RejectsForeignSignature(t *testing.T) {
	a := NewTokenManager("secret-a", time.Hour)
	b := NewTokenManager("secret-b", time.Hour)

	token, _, err := a.Issue(uuid.New(), uuid.New(), types.RoleDriver, time.Now())
	require.NoError(t, err)
	require.True(t, strings.Count(token, ".") == 2)

	_, err = b.Parse(token)
	assert.ErrorIs(t, err, types.ErrInvalidToken)

	identity, err := a.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, types.RoleDriver, identity.Role)
}
