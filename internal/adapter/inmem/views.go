package inmem

import (
	"context"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
)

// The store backs several repo contracts whose method names collide.
// Narrow views give each consumer its own surface over the shared state.

type RequestView struct{ s *Store }

func (s *Store) Requests() *RequestView { return &RequestView{s} }

func (v *RequestView) Create(ctx context.Context, req *models.RideRequest) error {
	return v.s.CreateRequest(ctx, req)
}

func (v *RequestView) UpdateStatus(ctx context.Context, id uuid.UUID, status types.RequestStatus, driverID *uuid.UUID) error {
	return v.s.UpdateStatus(ctx, id, status, driverID)
}

func (v *RequestView) ListOpen(ctx context.Context) ([]models.RideRequest, error) {
	return v.s.ListOpen(ctx)
}

type TripView struct{ s *Store }

func (s *Store) Trips() *TripView { return &TripView{s} }

func (v *TripView) RecordTrip(ctx context.Context, trip *models.Trip, requestStatus types.RequestStatus) error {
	return v.s.RecordTrip(ctx, trip, requestStatus)
}

func (v *TripView) SaveRating(ctx context.Context, tripID uuid.UUID, rating float64, comment string) error {
	return v.s.SaveRating(ctx, tripID, rating, comment)
}

func (v *TripView) GetByID(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	return v.s.GetTripByID(ctx, id)
}

func (v *TripView) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Trip, error) {
	return v.s.GetTripByRequestID(ctx, requestID)
}

func (v *TripView) List(ctx context.Context, userID uuid.UUID, filter models.TripFilter) ([]models.Trip, error) {
	return v.s.List(ctx, userID, filter)
}

type ChatView struct{ s *Store }

func (s *Store) Chat() *ChatView { return &ChatView{s} }

func (v *ChatView) Append(ctx context.Context, msg *models.ChatMessage, rider, driver uuid.UUID) (int64, error) {
	return v.s.Append(ctx, msg, rider, driver)
}

func (v *ChatView) List(ctx context.Context, conversationKey uuid.UUID, afterID int64, limit int) ([]models.ChatMessage, error) {
	return v.s.ListMessages(ctx, conversationKey, afterID, limit)
}

func (v *ChatView) Heads(ctx context.Context, userID uuid.UUID) ([]models.ConversationHead, error) {
	return v.s.Heads(ctx, userID)
}
