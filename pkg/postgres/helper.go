package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsForeignKeyViolation reports whether err is a PostgreSQL foreign key
// violation (SQLSTATE 23503), unwrapping the chain via errors.As.
func IsForeignKeyViolation(err error) bool {
	return hasSQLState(err, "23503")
}

// IsUniqueViolation reports whether err is a unique constraint violation
// (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	return hasSQLState(err, "23505")
}

// IsSerializationFailure reports whether err is a transaction serialization
// failure or deadlock (SQLSTATE 40001/40P01); such writes may be retried.
func IsSerializationFailure(err error) bool {
	return hasSQLState(err, "40001") || hasSQLState(err, "40P01")
}

func hasSQLState(err error, state string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == state
	}

	return false
}
