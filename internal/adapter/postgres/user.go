// Package postgres is the persistence gateway: the only code that touches
// the durable store.
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
	pg "github.com/aubus-app/aubus-server/pkg/postgres"
)

type UserRepo struct {
	db *pgxpool.Pool
}

func NewUserRepo(db *pgxpool.Pool) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, name, phone, role, status, rating, trip_count, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := TxOrDB(ctx, r.db).Exec(ctx, query,
		user.ID, user.Email, user.Name, user.Phone, user.Role, user.Status,
		user.Rating, user.TripCount, user.PasswordHash(), user.CreatedAt,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return types.ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, email, name, phone, role, status, rating, trip_count, password_hash, created_at
		FROM users
		WHERE email = $1`

	return r.scanUser(TxOrDB(ctx, r.db).QueryRow(ctx, query, email))
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, email, name, phone, role, status, rating, trip_count, password_hash, created_at
		FROM users
		WHERE id = $1`

	return r.scanUser(TxOrDB(ctx, r.db).QueryRow(ctx, query, id))
}

func (r *UserRepo) UpdateProfile(ctx context.Context, id uuid.UUID, update models.ProfileUpdate) (*models.User, error) {
	query := `
		UPDATE users
		SET name  = COALESCE($2, name),
		    phone = COALESCE($3, phone)
		WHERE id = $1
		RETURNING id, email, name, phone, role, status, rating, trip_count, password_hash, created_at`

	return r.scanUser(TxOrDB(ctx, r.db).QueryRow(ctx, query, id, update.Name, update.Phone))
}

// ApplyTripRating folds one rating into the driver's running average.
func (r *UserRepo) ApplyTripRating(ctx context.Context, driverID uuid.UUID, rating float64) (float64, error) {
	query := `
		UPDATE users
		SET rating     = (rating * trip_count + $2) / (trip_count + 1),
		    trip_count = trip_count + 1
		WHERE id = $1
		RETURNING rating`

	var newAverage float64
	err := TxOrDB(ctx, r.db).QueryRow(ctx, query, driverID, rating).Scan(&newAverage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.ErrUserNotFound
		}
		return 0, fmt.Errorf("apply trip rating: %w", err)
	}
	return newAverage, nil
}

func (r *UserRepo) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var hash string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Phone, &u.Role, &u.Status,
		&u.Rating, &u.TripCount, &hash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.SetPasswordHash(hash)
	return &u, nil
}
