package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/pkg/trm"
)

type TripRepo struct {
	db *pgxpool.Pool
	tx trm.TxManager
}

func NewTripRepo(db *pgxpool.Pool, tx trm.TxManager) *TripRepo {
	return &TripRepo{db: db, tx: tx}
}

// RecordTrip writes the trip and moves its request to requestStatus
// atomically. A pending status reopens the request after a driver cancel;
// any other status closes it.
func (r *TripRepo) RecordTrip(ctx context.Context, trip *models.Trip, requestStatus types.RequestStatus) error {
	return r.tx.Do(ctx, func(ctx context.Context) error {
		insertTrip := `
			INSERT INTO trips
				(id, request_id, driver_id, rider_id,
				 pickup_lat, pickup_lon, pickup_address,
				 dest_lat, dest_lon, dest_address,
				 status, started_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

		_, err := TxOrDB(ctx, r.db).Exec(ctx, insertTrip,
			trip.ID, trip.RequestID, trip.DriverID, trip.RiderID,
			trip.Pickup.Latitude, trip.Pickup.Longitude, trip.Pickup.Address,
			trip.Destination.Latitude, trip.Destination.Longitude, trip.Destination.Address,
			trip.Status, trip.StartedAt, trip.ClosedAt,
		)
		if err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}

		updateRequest := `
			UPDATE ride_requests
			SET status = $2, driver_id = $3, closed_at = $4
			WHERE id = $1`
		args := []any{trip.RequestID, requestStatus, trip.DriverID, trip.ClosedAt}

		if requestStatus == types.RequestPending {
			updateRequest = `
				UPDATE ride_requests
				SET status = $2, driver_id = NULL, matched_at = NULL, closed_at = NULL
				WHERE id = $1`
			args = []any{trip.RequestID, requestStatus}
		}

		tag, err := TxOrDB(ctx, r.db).Exec(ctx, updateRequest, args...)
		if err != nil {
			return fmt.Errorf("close ride request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return types.ErrRequestNotFound
		}
		return nil
	})
}

func (r *TripRepo) SaveRating(ctx context.Context, tripID uuid.UUID, rating float64, comment string) error {
	query := `
		UPDATE trips
		SET rider_rating = $2, rating_comment = $3
		WHERE id = $1 AND rider_rating IS NULL`

	tag, err := TxOrDB(ctx, r.db).Exec(ctx, query, tripID, rating, comment)
	if err != nil {
		return fmt.Errorf("save trip rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrAlreadyRated
	}
	return nil
}

func (r *TripRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	query := `
		SELECT id, request_id, driver_id, rider_id,
		       pickup_lat, pickup_lon, pickup_address,
		       dest_lat, dest_lon, dest_address,
		       status, started_at, closed_at, rider_rating, rating_comment
		FROM trips
		WHERE id = $1`

	trip, err := scanTrip(TxOrDB(ctx, r.db).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrTripNotFound
		}
		return nil, err
	}
	return trip, nil
}

// GetByRequestID returns the newest trip opened for a ride request. A
// request can own several trips when a driver cancels and the ride is
// re-matched.
func (r *TripRepo) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Trip, error) {
	query := `
		SELECT id, request_id, driver_id, rider_id,
		       pickup_lat, pickup_lon, pickup_address,
		       dest_lat, dest_lon, dest_address,
		       status, started_at, closed_at, rider_rating, rating_comment
		FROM trips
		WHERE request_id = $1
		ORDER BY started_at DESC
		LIMIT 1`

	trip, err := scanTrip(TxOrDB(ctx, r.db).QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrTripNotFound
		}
		return nil, err
	}
	return trip, nil
}

func (r *TripRepo) List(ctx context.Context, userID uuid.UUID, filter models.TripFilter) ([]models.Trip, error) {
	query := `
		SELECT id, request_id, driver_id, rider_id,
		       pickup_lat, pickup_lon, pickup_address,
		       dest_lat, dest_lon, dest_address,
		       status, started_at, closed_at, rider_rating, rating_comment
		FROM trips
		WHERE (rider_id = $1 OR driver_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR started_at >= $3)
		ORDER BY started_at DESC
		LIMIT $4`

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := TxOrDB(ctx, r.db).Query(ctx, query, userID, string(filter.Status), filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	var out []models.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trips: %w", err)
	}
	return out, nil
}

func scanTrip(row pgx.Row) (*models.Trip, error) {
	var t models.Trip
	var comment *string
	err := row.Scan(&t.ID, &t.RequestID, &t.DriverID, &t.RiderID,
		&t.Pickup.Latitude, &t.Pickup.Longitude, &t.Pickup.Address,
		&t.Destination.Latitude, &t.Destination.Longitude, &t.Destination.Address,
		&t.Status, &t.StartedAt, &t.ClosedAt, &t.RiderRating, &comment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan trip: %w", err)
	}
	if comment != nil {
		t.Comment = *comment
	}
	return &t, nil
}
