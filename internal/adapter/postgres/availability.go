package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/pkg/trm"
)

type AvailabilityRepo struct {
	db *pgxpool.Pool
	tx trm.TxManager
}

func NewAvailabilityRepo(db *pgxpool.Pool, tx trm.TxManager) *AvailabilityRepo {
	return &AvailabilityRepo{db: db, tx: tx}
}

// Snapshot replaces the stored availability view with the engine's current
// driver table. The view is advisory (the engine is authoritative) and is
// rebuilt wholesale on every sweep.
func (r *AvailabilityRepo) Snapshot(ctx context.Context, drivers []models.DriverState) error {
	return r.tx.Do(ctx, func(ctx context.Context) error {
		if _, err := TxOrDB(ctx, r.db).Exec(ctx, `DELETE FROM driver_availability`); err != nil {
			return fmt.Errorf("clear driver availability: %w", err)
		}

		insert := `
			INSERT INTO driver_availability (driver_id, status, latitude, longitude, rating, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6)`

		for _, d := range drivers {
			_, err := TxOrDB(ctx, r.db).Exec(ctx, insert,
				d.DriverID, d.Status, d.Location.Latitude, d.Location.Longitude, d.Rating, d.LastSeen)
			if err != nil {
				return fmt.Errorf("insert driver availability: %w", err)
			}
		}
		return nil
	})
}
