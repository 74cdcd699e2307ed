package chat

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/internal/protocol"
	"github.com/aubus-app/aubus-server/pkg/logger"
)

type storedConversation struct {
	rider, driver uuid.UUID
	messages      []models.ChatMessage
}

type fakeMessageRepo struct {
	mu     sync.Mutex
	nextID int64
	convos map[uuid.UUID]*storedConversation
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{convos: make(map[uuid.UUID]*storedConversation)}
}

func (r *fakeMessageRepo) Append(_ context.Context, msg *models.ChatMessage, rider, driver uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c, ok := r.convos[msg.ConversationKey]
	if !ok {
		c = &storedConversation{rider: rider, driver: driver}
		r.convos[msg.ConversationKey] = c
	}
	stored := *msg
	stored.ID = r.nextID
	c.messages = append(c.messages, stored)
	return r.nextID, nil
}

func (r *fakeMessageRepo) List(_ context.Context, key uuid.UUID, afterID int64, limit int) ([]models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convos[key]
	if !ok {
		return nil, nil
	}
	var out []models.ChatMessage
	for _, m := range c.messages {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeMessageRepo) Heads(_ context.Context, userID uuid.UUID) ([]models.ConversationHead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ConversationHead
	for key, c := range r.convos {
		if c.rider != userID && c.driver != userID {
			continue
		}
		counterpart := c.rider
		if userID == c.rider {
			counterpart = c.driver
		}
		head := models.ConversationHead{ConversationKey: key, CounterpartID: counterpart}
		if len(c.messages) > 0 {
			last := c.messages[len(c.messages)-1]
			head.LastMessage = &last
		}
		out = append(out, head)
	}
	return out, nil
}

func (r *fakeMessageRepo) count(key uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convos[key]
	if !ok {
		return 0
	}
	return len(c.messages)
}

type fakeResolver struct {
	mu     sync.Mutex
	active map[uuid.UUID][2]uuid.UUID
}

func (f *fakeResolver) Participants(key uuid.UUID) (uuid.UUID, uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pair, ok := f.active[key]
	return pair[0], pair[1], ok
}

type fakeTripReader struct {
	trips map[uuid.UUID]*models.Trip
}

func (f *fakeTripReader) GetByID(_ context.Context, id uuid.UUID) (*models.Trip, error) {
	t, ok := f.trips[id]
	if !ok {
		return nil, types.ErrTripNotFound
	}
	return t, nil
}

func (f *fakeTripReader) GetByRequestID(_ context.Context, requestID uuid.UUID) (*models.Trip, error) {
	for _, t := range f.trips {
		if t.RequestID == requestID {
			return t, nil
		}
	}
	return nil, types.ErrTripNotFound
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []struct {
		userID   uuid.UUID
		pushType string
	}
}

func (n *fakeNotifier) Push(_ context.Context, userID uuid.UUID, pushType string, _ any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, struct {
		userID   uuid.UUID
		pushType string
	}{userID, pushType})
	return nil
}

type chatHarness struct {
	relay    *Relay
	repo     *fakeMessageRepo
	resolver *fakeResolver
	trips    *fakeTripReader
	notifier *fakeNotifier

	rider, driver, key uuid.UUID
}

func newChatHarness(t *testing.T) *chatHarness {
	t.Helper()
	h := &chatHarness{
		repo:     newFakeMessageRepo(),
		resolver: &fakeResolver{active: make(map[uuid.UUID][2]uuid.UUID)},
		trips:    &fakeTripReader{trips: make(map[uuid.UUID]*models.Trip)},
		notifier: &fakeNotifier{},
		rider:    uuid.New(),
		driver:   uuid.New(),
		key:      uuid.New(),
	}
	h.resolver.active[h.key] = [2]uuid.UUID{h.rider, h.driver}
	h.relay = New(h.repo, h.resolver, h.trips, h.notifier, logger.InitLogger("test", logger.LevelError))
	return h
}

func TestSend_DeliversToCounterpart(t *testing.T) {
	h := newChatHarness(t)
	ctx := context.Background()

	msg, err := h.relay.Send(ctx, h.rider, h.key, "  waiting at the gate  ")
	require.NoError(t, err)
	assert.Equal(t, "waiting at the gate", msg.Body)
	assert.Equal(t, int64(1), msg.ID)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, h.driver, h.notifier.sent[0].userID)
	assert.Equal(t, protocol.PushChatMessage, h.notifier.sent[0].pushType)

	_, err = h.relay.Send(ctx, h.driver, h.key, "two minutes away")
	require.NoError(t, err)
	assert.Equal(t, h.rider, h.notifier.sent[1].userID)
}

func TestSend_NonParticipantRejectedNothingPersisted(t *testing.T) {
	h := newChatHarness(t)
	ctx := context.Background()

	_, err := h.relay.Send(ctx, uuid.New(), h.key, "let me in")
	assert.ErrorIs(t, err, types.ErrNotAParticipant)
	assert.Zero(t, h.repo.count(h.key), "rejected message must not be persisted")
	assert.Empty(t, h.notifier.sent)
}

func TestSend_Validation(t *testing.T) {
	h := newChatHarness(t)
	ctx := context.Background()

	_, err := h.relay.Send(ctx, h.rider, h.key, "   ")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	long := make([]byte, maxBodyLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = h.relay.Send(ctx, h.rider, h.key, string(long))
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestSend_UnknownConversation(t *testing.T) {
	h := newChatHarness(t)
	_, err := h.relay.Send(context.Background(), h.rider, uuid.New(), "hello?")
	assert.ErrorIs(t, err, types.ErrConversationNotFound)
}

func TestSend_CompletedTripFallback(t *testing.T) {
	h := newChatHarness(t)
	ctx := context.Background()

	tripKey := uuid.New()
	h.trips.trips[tripKey] = &models.Trip{
		ID:       tripKey,
		RiderID:  h.rider,
		DriverID: h.driver,
		Status:   types.TripCompleted,
	}

	_, err := h.relay.Send(ctx, h.driver, tripKey, "left your umbrella in the car")
	require.NoError(t, err)

	_, err = h.relay.Send(ctx, uuid.New(), tripKey, "intruding")
	assert.ErrorIs(t, err, types.ErrNotAParticipant)
}

func TestRequestKeySurvivesTripCompletion(t *testing.T) {
	h := newChatHarness(t)
	ctx := context.Background()

	// Chat opened under the ride request id while the ride was live.
	_, err := h.relay.Send(ctx, h.rider, h.key, "at the gate")
	require.NoError(t, err)

	// The trip completes: the engine forgets the request, only the
	// recorded trip (under its own id) remains.
	delete(h.resolver.active, h.key)
	tripID := uuid.New()
	h.trips.trips[tripID] = &models.Trip{
		ID:        tripID,
		RequestID: h.key,
		RiderID:   h.rider,
		DriverID:  h.driver,
		Status:    types.TripCompleted,
	}

	msgs, err := h.relay.Fetch(ctx, h.rider, h.key, 0, 10)
	require.NoError(t, err, "history stays readable under the request key")
	require.Len(t, msgs, 1)
	assert.Equal(t, "at the gate", msgs[0].Body)

	_, err = h.relay.Send(ctx, h.driver, h.key, "thanks for riding")
	require.NoError(t, err)

	_, err = h.relay.Fetch(ctx, uuid.New(), h.key, 0, 10)
	assert.ErrorIs(t, err, types.ErrNotAParticipant)
}

func TestFetch_OrderAndCatchUp(t *testing.T) {
	h := newChatHarness(t)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		_, err := h.relay.Send(ctx, h.rider, h.key, body)
		require.NoError(t, err)
	}

	msgs, err := h.relay.Fetch(ctx, h.driver, h.key, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "third", msgs[2].Body)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
		assert.False(t, msgs[i].SentAt.Before(msgs[i-1].SentAt))
	}

	// Catch-up after the second message.
	tail, err := h.relay.Fetch(ctx, h.driver, h.key, msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "third", tail[0].Body)

	_, err = h.relay.Fetch(ctx, uuid.New(), h.key, 0, 10)
	assert.ErrorIs(t, err, types.ErrNotAParticipant)
}

func TestListChats(t *testing.T) {
	h := newChatHarness(t)
	ctx := context.Background()

	_, err := h.relay.Send(ctx, h.rider, h.key, "hello")
	require.NoError(t, err)

	heads, err := h.relay.ListChats(ctx, h.rider)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, h.key, heads[0].ConversationKey)
	assert.Equal(t, h.driver, heads[0].CounterpartID)
	require.NotNil(t, heads[0].LastMessage)
	assert.Equal(t, "hello", heads[0].LastMessage.Body)

	heads, err = h.relay.ListChats(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, heads)
}

func TestRelayClockIsUTC(t *testing.T) {
	h := newChatHarness(t)
	msg, err := h.relay.Send(context.Background(), h.rider, h.key, "tick")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, msg.SentAt.Location())
}
