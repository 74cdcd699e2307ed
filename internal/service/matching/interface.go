package matching

import (
	"context"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
)

type RequestRepo interface {
	Create(ctx context.Context, req *models.RideRequest) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status types.RequestStatus, driverID *uuid.UUID) error
	ListOpen(ctx context.Context) ([]models.RideRequest, error)
}

type TripRepo interface {
	// RecordTrip persists the trip and moves its request to requestStatus in
	// one transaction. It is the only durable trip write. A pending status
	// reopens the request (driver-cancelled rides go back to the queue).
	RecordTrip(ctx context.Context, trip *models.Trip, requestStatus types.RequestStatus) error
	SaveRating(ctx context.Context, tripID uuid.UUID, rating float64, comment string) error
	List(ctx context.Context, userID uuid.UUID, filter models.TripFilter) ([]models.Trip, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trip, error)
}

type AvailabilityRepo interface {
	// Snapshot replaces the stored availability view with the engine's
	// current driver table.
	Snapshot(ctx context.Context, drivers []models.DriverState) error
}

type RatingRepo interface {
	// ApplyTripRating folds one trip rating into the driver's running
	// average and trip count.
	ApplyTripRating(ctx context.Context, driverID uuid.UUID, rating float64) (newAverage float64, err error)
}

// Geocoder resolves coordinates to a street address. Optional; when absent
// ride endpoints keep whatever address the client sent.
type Geocoder interface {
	GetAddress(ctx context.Context, latitude, longitude float64) (string, error)
}

// Notifier delivers server-initiated pushes. Satisfied by the session manager.
type Notifier interface {
	Push(ctx context.Context, userID uuid.UUID, pushType string, data any) error
}

// Publisher emits ride lifecycle events to the message broker.
type Publisher interface {
	RideRequested(ctx context.Context, msg models.RideRequestedMessage) error
	RequestStatusChanged(ctx context.Context, msg models.RequestStatusMessage) error
	TripStatusChanged(ctx context.Context, msg models.TripStatusMessage) error
}
