package persistence

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"utility-ussd-bridge/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bill_snapshots (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	source              TEXT NOT NULL,
	meter_number        TEXT NOT NULL,
	synthetic           BOOLEAN NOT NULL,
	fallback_reason     TEXT NOT NULL DEFAULT '',
	resolved_at         BIGINT NOT NULL,
	outstanding_balance NUMERIC,
	meter_reading       NUMERIC,
	due_date            TEXT,
	account_number      TEXT
);
CREATE INDEX IF NOT EXISTS idx_bill_snapshots_user ON bill_snapshots (user_id, resolved_at DESC);

CREATE TABLE IF NOT EXISTS token_transactions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	source          TEXT NOT NULL,
	meter_number    TEXT NOT NULL,
	synthetic       BOOLEAN NOT NULL,
	fallback_reason TEXT NOT NULL DEFAULT '',
	resolved_at     BIGINT NOT NULL,
	amount          NUMERIC,
	token_code      TEXT,
	units           NUMERIC,
	receipt_number  TEXT
);
CREATE INDEX IF NOT EXISTS idx_token_transactions_user ON token_transactions (user_id, resolved_at DESC);

CREATE TABLE IF NOT EXISTS units_readings (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	source          TEXT NOT NULL,
	meter_number    TEXT NOT NULL,
	synthetic       BOOLEAN NOT NULL,
	fallback_reason TEXT NOT NULL DEFAULT '',
	resolved_at     BIGINT NOT NULL,
	units           NUMERIC
);
CREATE INDEX IF NOT EXISTS idx_units_readings_user ON units_readings (user_id, resolved_at DESC);
`

// Decimal values cross the wire as text so no precision is lost in either direction.
var postgresDialect = dialect{
	placeholder: func(i int) string { return "$" + strconv.Itoa(i) },
	numericArg:  func(p string) string { return p + "::text::numeric" },
	numericCol:  func(c string) string { return c + "::text" },
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: schema failed: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, userID string, result models.StructuredResult) error {
	t, err := tableFor(result.ResponseKind)
	if err != nil {
		return err
	}
	args, err := insertArgs(userID, result)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, postgresDialect.insertSQL(t), args...); err != nil {
		return fmt.Errorf("postgres: insert into %s failed: %w", t.name, err)
	}
	return nil
}

func (r *PostgresRepository) Query(ctx context.Context, filter Filter) ([]models.StructuredResult, error) {
	defs, err := tablesFor(filter.Kind)
	if err != nil {
		return nil, err
	}

	var results []models.StructuredResult
	for _, t := range defs {
		rows, err := r.pool.Query(ctx, postgresDialect.selectSQL(t), filter.UserID, filter.limit())
		if err != nil {
			return nil, fmt.Errorf("postgres: query %s failed: %w", t.name, err)
		}
		for rows.Next() {
			res, err := scanResult(t, rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			results = append(results, res)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: query %s failed: %w", t.name, err)
		}
	}
	return newestFirst(results, filter.limit()), nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
