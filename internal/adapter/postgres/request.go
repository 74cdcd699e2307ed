package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
)

type RequestRepo struct {
	db *pgxpool.Pool
}

func NewRequestRepo(db *pgxpool.Pool) *RequestRepo {
	return &RequestRepo{db: db}
}

func (r *RequestRepo) Create(ctx context.Context, req *models.RideRequest) error {
	query := `
		INSERT INTO ride_requests
			(id, rider_id, pickup_lat, pickup_lon, pickup_address,
			 dest_lat, dest_lon, dest_address, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := TxOrDB(ctx, r.db).Exec(ctx, query,
		req.ID, req.RiderID,
		req.Pickup.Latitude, req.Pickup.Longitude, req.Pickup.Address,
		req.Destination.Latitude, req.Destination.Longitude, req.Destination.Address,
		req.Status, req.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ride request: %w", err)
	}
	return nil
}

func (r *RequestRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status types.RequestStatus, driverID *uuid.UUID) error {
	query := `
		UPDATE ride_requests
		SET status     = $2,
		    driver_id  = COALESCE($3, driver_id),
		    matched_at = CASE WHEN $2 = 'MATCHED' THEN now() ELSE matched_at END,
		    closed_at  = CASE WHEN $2 IN ('COMPLETED', 'CANCELLED', 'EXPIRED') THEN now() ELSE closed_at END
		WHERE id = $1`

	tag, err := TxOrDB(ctx, r.db).Exec(ctx, query, id, status, driverID)
	if err != nil {
		return fmt.Errorf("update ride request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrRequestNotFound
	}
	return nil
}

// ListOpen returns every non-terminal request, used to rebuild the matching
// engine's working state after a restart.
func (r *RequestRepo) ListOpen(ctx context.Context) ([]models.RideRequest, error) {
	query := `
		SELECT id, rider_id, pickup_lat, pickup_lon, pickup_address,
		       dest_lat, dest_lon, dest_address, status, driver_id,
		       requested_at, matched_at, closed_at
		FROM ride_requests
		WHERE status IN ('PENDING', 'MATCHED')
		ORDER BY requested_at`

	rows, err := TxOrDB(ctx, r.db).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open ride requests: %w", err)
	}
	defer rows.Close()

	var out []models.RideRequest
	for rows.Next() {
		var req models.RideRequest
		err := rows.Scan(&req.ID, &req.RiderID,
			&req.Pickup.Latitude, &req.Pickup.Longitude, &req.Pickup.Address,
			&req.Destination.Latitude, &req.Destination.Longitude, &req.Destination.Address,
			&req.Status, &req.DriverID, &req.RequestedAt, &req.MatchedAt, &req.ClosedAt)
		if err != nil {
			return nil, fmt.Errorf("scan ride request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ride requests: %w", err)
	}
	return out, nil
}
