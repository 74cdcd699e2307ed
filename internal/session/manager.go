// Package session tracks which authenticated user is bound to which live
// connection and delivers server-initiated pushes to them.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/internal/protocol"
	"github.com/aubus-app/aubus-server/pkg/logger"
	wrap "github.com/aubus-app/aubus-server/pkg/logger/wrapper"
	"github.com/aubus-app/aubus-server/pkg/metrics"
)

// Conn is a live client connection, transport-agnostic. Send must be safe
// for concurrent use.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}

type binding struct {
	conn    Conn
	session *models.Session
}

// Manager maps connections to authenticated sessions. A user holds at most
// one bound connection: a new login replaces and closes the previous one.
type Manager struct {
	mu     sync.RWMutex
	byConn map[string]*binding
	byUser map[uuid.UUID]*binding

	log logger.Logger
}

func NewManager(log logger.Logger) *Manager {
	return &Manager{
		byConn: make(map[string]*binding),
		byUser: make(map[uuid.UUID]*binding),
		log:    log,
	}
}

// Bind associates conn with sess. If the user already has a bound
// connection, that connection is closed and replaced.
func (m *Manager) Bind(ctx context.Context, conn Conn, sess *models.Session) {
	m.mu.Lock()
	old, replaced := m.byUser[sess.UserID]
	if replaced && old.conn.ID() != conn.ID() {
		delete(m.byConn, old.conn.ID())
	} else {
		replaced = false
	}
	b := &binding{conn: conn, session: sess}
	m.byConn[conn.ID()] = b
	m.byUser[sess.UserID] = b
	m.mu.Unlock()

	if replaced {
		ctx := wrap.WithLogCtx(ctx, wrap.LogCtx{
			Action: types.ActionSessionReplaced,
			UserID: sess.UserID.String(),
			ConnID: old.conn.ID(),
		})
		m.log.Info(ctx, "closing previous connection for user")
		_ = old.conn.Close()
	}
}

// Unbind removes any session bound to connID and reports it. Safe to call
// more than once for the same connection.
func (m *Manager) Unbind(connID string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(m.byConn, connID)

	// Only drop the user mapping if it still points at this connection;
	// a replacement login may already own it.
	if cur, ok := m.byUser[b.session.UserID]; ok && cur.conn.ID() == connID {
		delete(m.byUser, b.session.UserID)
	}
	return b.session, true
}

// Lookup returns the session bound to connID, if any.
func (m *Manager) Lookup(connID string) (*models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.byConn[connID]
	if !ok {
		return nil, false
	}
	return b.session, true
}

// Online reports whether the user currently has a bound connection.
func (m *Manager) Online(userID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUser[userID]
	return ok
}

// Push encodes and delivers a push to the user's bound connection.
// A user without a live connection is not an error: the push is dropped.
func (m *Manager) Push(ctx context.Context, userID uuid.UUID, pushType string, data any) error {
	m.mu.RLock()
	b, ok := m.byUser[userID]
	m.mu.RUnlock()

	if !ok {
		m.log.Debug(wrap.WithUserID(ctx, userID.String()), "push dropped, user offline", "type", pushType)
		return nil
	}

	p, err := protocol.NewPush(pushType, data)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodePush(p)
	if err != nil {
		return err
	}

	err = b.conn.Send(frame)
	metrics.RecordPush(pushType, err)
	if err != nil {
		m.log.Warn(wrap.WithUserID(ctx, userID.String()), "push delivery failed", "type", pushType, "error", err.Error())
		return err
	}
	return nil
}

// CloseAll closes every bound connection. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.byConn))
	for _, b := range m.byConn {
		conns = append(conns, b.conn)
	}
	m.byConn = make(map[string]*binding)
	m.byUser = make(map[uuid.UUID]*binding)
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	m.log.Info(ctx, "closed all bound connections", "count", len(conns))
}
