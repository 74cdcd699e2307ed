// Package inmem is an in-memory persistence gateway with the same contracts
// as the postgres adapter. Selected at construction time; used by tests and
// for running without a database.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
)

type conversation struct {
	rider, driver uuid.UUID
	messages      []models.ChatMessage
}

type Store struct {
	mu sync.Mutex

	users        map[uuid.UUID]*models.User
	usersByEmail map[string]uuid.UUID
	requests     map[uuid.UUID]*models.RideRequest
	trips        map[uuid.UUID]*models.Trip
	availability []models.DriverState

	chatSeq int64
	convos  map[uuid.UUID]*conversation
}

func NewStore() *Store {
	return &Store{
		users:        make(map[uuid.UUID]*models.User),
		usersByEmail: make(map[string]uuid.UUID),
		requests:     make(map[uuid.UUID]*models.RideRequest),
		trips:        make(map[uuid.UUID]*models.Trip),
		convos:       make(map[uuid.UUID]*conversation),
	}
}

/* ======================= users ======================= */

func (s *Store) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usersByEmail[user.Email]; taken {
		return types.ErrEmailTaken
	}
	cp := *user
	s.users[user.ID] = &cp
	s.usersByEmail[user.Email] = user.ID
	return nil
}

func (s *Store) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateProfile(_ context.Context, id uuid.UUID, update models.ProfileUpdate) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
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

func (s *Store) ApplyTripRating(_ context.Context, driverID uuid.UUID, rating float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[driverID]
	if !ok {
		return 0, types.ErrUserNotFound
	}
	u.Rating = (u.Rating*float64(u.TripCount) + rating) / float64(u.TripCount+1)
	u.TripCount++
	return u.Rating, nil
}

/* ======================= ride requests ======================= */

func (s *Store) CreateRequest(_ context.Context, req *models.RideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status types.RequestStatus, driverID *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return types.ErrRequestNotFound
	}
	req.Status = status
	if driverID != nil {
		req.DriverID = driverID
	}
	return nil
}

func (s *Store) ListOpen(context.Context) ([]models.RideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.RideRequest
	for _, req := range s.requests {
		if !req.Status.Terminal() {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

/* ======================= trips ======================= */

func (s *Store) RecordTrip(_ context.Context, trip *models.Trip, requestStatus types.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[trip.RequestID]
	if !ok {
		return types.ErrRequestNotFound
	}
	req.Status = requestStatus
	if requestStatus == types.RequestPending {
		// Driver-cancelled ride: the request goes back to the queue.
		req.DriverID = nil
		req.MatchedAt = nil
		req.ClosedAt = nil
	} else {
		req.DriverID = &trip.DriverID
		req.ClosedAt = trip.ClosedAt
	}

	cp := *trip
	s.trips[trip.ID] = &cp
	return nil
}

func (s *Store) SaveRating(_ context.Context, tripID uuid.UUID, rating float64, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trip, ok := s.trips[tripID]
	if !ok {
		return types.ErrTripNotFound
	}
	if trip.RiderRating != nil {
		return types.ErrAlreadyRated
	}
	trip.RiderRating = &rating
	trip.Comment = comment
	return nil
}

func (s *Store) GetTripByID(_ context.Context, id uuid.UUID) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trip, ok := s.trips[id]
	if !ok {
		return nil, types.ErrTripNotFound
	}
	cp := *trip
	return &cp, nil
}

func (s *Store) GetTripByRequestID(_ context.Context, requestID uuid.UUID) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.Trip
	for _, trip := range s.trips {
		if trip.RequestID != requestID {
			continue
		}
		if latest == nil || trip.StartedAt.After(latest.StartedAt) {
			latest = trip
		}
	}
	if latest == nil {
		return nil, types.ErrTripNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) List(_ context.Context, userID uuid.UUID, filter models.TripFilter) ([]models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Trip
	for _, trip := range s.trips {
		if trip.RiderID != userID && trip.DriverID != userID {
			continue
		}
		if filter.Status != "" && trip.Status != filter.Status {
			continue
		}
		if filter.Since != nil && trip.StartedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, *trip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

/* ======================= availability ======================= */

func (s *Store) Snapshot(_ context.Context, drivers []models.DriverState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability = append([]models.DriverState(nil), drivers...)
	return nil
}

/* ======================= chat ======================= */

func (s *Store) Append(_ context.Context, msg *models.ChatMessage, rider, driver uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[msg.ConversationKey]
	if !ok {
		c = &conversation{rider: rider, driver: driver}
		s.convos[msg.ConversationKey] = c
	}
	s.chatSeq++
	stored := *msg
	stored.ID = s.chatSeq
	c.messages = append(c.messages, stored)
	return s.chatSeq, nil
}

func (s *Store) ListMessages(_ context.Context, conversationKey uuid.UUID, afterID int64, limit int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[conversationKey]
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
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Heads(_ context.Context, userID uuid.UUID) ([]models.ConversationHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ConversationHead
	for key, c := range s.convos {
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
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessage == nil || out[j].LastMessage == nil {
			return out[j].LastMessage == nil
		}
		return out[i].LastMessage.SentAt.After(out[j].LastMessage.SentAt)
	})
	return out, nil
}
