package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/types"
)

/* ======================= rabbitmq ======================= */

type RideRequestedMessage struct {
	RequestID     uuid.UUID `json:"request_id"`
	RiderID       uuid.UUID `json:"rider_id"`
	Pickup        Location  `json:"pickup"`
	Destination   Location  `json:"destination"`
	RequestedAt   time.Time `json:"requested_at"`
	CorrelationID string    `json:"correlation_id"`
}

type RequestStatusMessage struct {
	RequestID     uuid.UUID           `json:"request_id"`
	Status        types.RequestStatus `json:"status"`
	DriverID      *uuid.UUID          `json:"driver_id,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	CorrelationID string              `json:"correlation_id"`
}

type TripStatusMessage struct {
	TripID        uuid.UUID        `json:"trip_id"`
	RequestID     uuid.UUID        `json:"request_id"`
	DriverID      uuid.UUID        `json:"driver_id"`
	RiderID       uuid.UUID        `json:"rider_id"`
	Status        types.TripStatus `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	CorrelationID string           `json:"correlation_id"`
}
