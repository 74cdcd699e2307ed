package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/types"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// RideRequest is a rider's open ask for transportation. Status transitions
// are owned exclusively by the matching engine.
type RideRequest struct {
	ID          uuid.UUID           `json:"id"`
	RiderID     uuid.UUID           `json:"rider_id"`
	Pickup      Location            `json:"pickup"`
	Destination Location            `json:"destination"`
	Status      types.RequestStatus `json:"status"`
	DriverID    *uuid.UUID          `json:"driver_id,omitempty"`
	RequestedAt time.Time           `json:"requested_at"`
	MatchedAt   *time.Time          `json:"matched_at,omitempty"`
	ClosedAt    *time.Time          `json:"closed_at,omitempty"`
}

// Trip is a confirmed ride created from a matched request. Immutable once
// completed except for the rating fields.
type Trip struct {
	ID          uuid.UUID        `json:"id"`
	RequestID   uuid.UUID        `json:"request_id"`
	DriverID    uuid.UUID        `json:"driver_id"`
	RiderID     uuid.UUID        `json:"rider_id"`
	Pickup      Location         `json:"pickup"`
	Destination Location         `json:"destination"`
	Status      types.TripStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
	RiderRating *float64         `json:"rider_rating,omitempty"`
	Comment     string           `json:"comment,omitempty"`
}

// DriverState is the matching engine's live view of one driver.
type DriverState struct {
	DriverID uuid.UUID          `json:"driver_id"`
	Name     string             `json:"name,omitempty"`
	Status   types.DriverStatus `json:"status"`
	Location Location           `json:"location"`
	Geohash  string             `json:"-"`
	Rating   float64            `json:"rating"`
	LastSeen time.Time          `json:"last_seen"`
}

// TripFilter narrows listTrips reads.
type TripFilter struct {
	Status types.TripStatus
	Since  *time.Time
	Limit  int
}

// DriverFilter narrows listDrivers reads.
type DriverFilter struct {
	MinRating float64
	Origin    *Location
	Limit     int
}
