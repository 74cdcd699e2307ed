package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aubus-app/aubus-server/pkg/trm"
)

// Querier is the common surface of *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxOrDB returns the transaction carried by ctx when the caller runs inside
// trm.Manager.Do, and the pool otherwise.
func TxOrDB(ctx context.Context, db *pgxpool.Pool) Querier {
	if tx, ok := ctx.Value(trm.TxKey).(pgx.Tx); ok {
		return tx
	}
	return db
}
