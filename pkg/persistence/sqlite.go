package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"utility-ussd-bridge/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bill_snapshots (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	source              TEXT NOT NULL,
	meter_number        TEXT NOT NULL,
	synthetic           INTEGER NOT NULL,
	fallback_reason     TEXT NOT NULL DEFAULT '',
	resolved_at         INTEGER NOT NULL,
	outstanding_balance TEXT,
	meter_reading       TEXT,
	due_date            TEXT,
	account_number      TEXT
);
CREATE INDEX IF NOT EXISTS idx_bill_snapshots_user ON bill_snapshots (user_id, resolved_at DESC);

CREATE TABLE IF NOT EXISTS token_transactions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	source          TEXT NOT NULL,
	meter_number    TEXT NOT NULL,
	synthetic       INTEGER NOT NULL,
	fallback_reason TEXT NOT NULL DEFAULT '',
	resolved_at     INTEGER NOT NULL,
	amount          TEXT,
	token_code      TEXT,
	units           TEXT,
	receipt_number  TEXT
);
CREATE INDEX IF NOT EXISTS idx_token_transactions_user ON token_transactions (user_id, resolved_at DESC);

CREATE TABLE IF NOT EXISTS units_readings (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	source          TEXT NOT NULL,
	meter_number    TEXT NOT NULL,
	synthetic       INTEGER NOT NULL,
	fallback_reason TEXT NOT NULL DEFAULT '',
	resolved_at     INTEGER NOT NULL,
	units           TEXT
);
CREATE INDEX IF NOT EXISTS idx_units_readings_user ON units_readings (user_id, resolved_at DESC);
`

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	numericArg:  func(p string) string { return p },
	numericCol:  func(c string) string { return c },
}

// SQLiteRepository is the default, embedded Repository.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens the database file at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetConnMaxLifetime(time.Hour)

	return newSQLiteRepository(ctx, db)
}

// OpenSQLiteMemory opens a private in-memory database.
func OpenSQLiteMemory(ctx context.Context) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	return newSQLiteRepository(ctx, db)
}

func newSQLiteRepository(ctx context.Context, db *sql.DB) (*SQLiteRepository, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema failed: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, userID string, result models.StructuredResult) error {
	t, err := tableFor(result.ResponseKind)
	if err != nil {
		return err
	}
	args, err := insertArgs(userID, result)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, sqliteDialect.insertSQL(t), args...); err != nil {
		return fmt.Errorf("sqlite: insert into %s failed: %w", t.name, err)
	}
	return nil
}

func (r *SQLiteRepository) Query(ctx context.Context, filter Filter) ([]models.StructuredResult, error) {
	defs, err := tablesFor(filter.Kind)
	if err != nil {
		return nil, err
	}

	var results []models.StructuredResult
	for _, t := range defs {
		rows, err := r.db.QueryContext(ctx, sqliteDialect.selectSQL(t), filter.UserID, filter.limit())
		if err != nil {
			return nil, fmt.Errorf("sqlite: query %s failed: %w", t.name, err)
		}
		for rows.Next() {
			res, err := scanResult(t, rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			results = append(results, res)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlite: query %s failed: %w", t.name, err)
		}
	}
	return newestFirst(results, filter.limit()), nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
