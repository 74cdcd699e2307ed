package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/pkg/logger"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (f *fakeConn) ID() string         { return f.id }
func (f *fakeConn) RemoteAddr() string { return "test" }

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestManager() *Manager {
	return NewManager(logger.InitLogger("test", logger.LevelError))
}

func newSession(userID uuid.UUID) *models.Session {
	return &models.Session{ID: uuid.New(), UserID: userID, Role: types.RoleRider}
}

func TestManager_BindReplacesPreviousConnection(t *testing.T) {
	m := newTestManager()
	userID := uuid.New()

	first := &fakeConn{id: "conn-1"}
	second := &fakeConn{id: "conn-2"}

	m.Bind(context.Background(), first, newSession(userID))
	m.Bind(context.Background(), second, newSession(userID))

	assert.True(t, first.isClosed(), "previous connection must be closed on replacement")
	assert.False(t, second.isClosed())

	_, ok := m.Lookup("conn-1")
	assert.False(t, ok)

	sess, ok := m.Lookup("conn-2")
	require.True(t, ok)
	assert.Equal(t, userID, sess.UserID)
	assert.True(t, m.Online(userID))
}

func TestManager_UnbindIdempotent(t *testing.T) {
	m := newTestManager()
	userID := uuid.New()
	conn := &fakeConn{id: "conn-1"}

	m.Bind(context.Background(), conn, newSession(userID))

	sess, ok := m.Unbind("conn-1")
	require.True(t, ok)
	assert.Equal(t, userID, sess.UserID)
	assert.False(t, m.Online(userID))

	_, ok = m.Unbind("conn-1")
	assert.False(t, ok)
}

func TestManager_UnbindStaleConnKeepsReplacement(t *testing.T) {
	m := newTestManager()
	userID := uuid.New()

	first := &fakeConn{id: "conn-1"}
	second := &fakeConn{id: "conn-2"}
	m.Bind(context.Background(), first, newSession(userID))
	m.Bind(context.Background(), second, newSession(userID))

	// The reaper for the replaced connection fires after the new login.
	_, ok := m.Unbind("conn-1")
	assert.False(t, ok)
	assert.True(t, m.Online(userID))
}

func TestManager_PushDeliversFrame(t *testing.T) {
	m := newTestManager()
	userID := uuid.New()
	conn := &fakeConn{id: "conn-1"}
	m.Bind(context.Background(), conn, newSession(userID))

	err := m.Push(context.Background(), userID, "driver_assigned", map[string]string{"trip_id": "t-1"})
	require.NoError(t, err)

	require.Len(t, conn.sent, 1)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(conn.sent[0], &raw))
	assert.Equal(t, "null", string(raw["correlation_id"]))
	assert.Equal(t, `"driver_assigned"`, string(raw["type"]))
}

func TestManager_PushOfflineUserIsNoop(t *testing.T) {
	m := newTestManager()
	err := m.Push(context.Background(), uuid.New(), "chat_message", nil)
	assert.NoError(t, err)
}

func TestManager_CloseAll(t *testing.T) {
	m := newTestManager()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	m.Bind(context.Background(), a, newSession(uuid.New()))
	m.Bind(context.Background(), b, newSession(uuid.New()))

	m.CloseAll(context.Background())

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	_, ok := m.Lookup("a")
	assert.False(t, ok)
}
