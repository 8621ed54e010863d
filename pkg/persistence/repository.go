// Package persistence stores structured results in a relational repository. Writes go
// through a Redis stream so that a slow or unavailable database never delays a caller.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"utility-ussd-bridge/pkg/config"
	"utility-ussd-bridge/pkg/models"
)

// Repository is the insert/query contract of the relational store.
type Repository interface {
	// Insert stores one row for result. Inserting the same request id twice is a no-op.
	Insert(ctx context.Context, userID string, result models.StructuredResult) error
	// Query returns results newest first.
	Query(ctx context.Context, filter Filter) ([]models.StructuredResult, error)
	Close() error
}

type Filter struct {
	UserID string
	Kind   models.ResponseKind
	Limit  int
}

const DefaultQueryLimit = 50

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}

// Open returns the repository selected by cfg.Driver.
func Open(ctx context.Context, cfg config.PersistenceConfig) (Repository, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported persistence driver %q", cfg.Driver)
	}
}

var commonColumns = []string{"id", "user_id", "source", "meter_number", "synthetic", "fallback_reason", "resolved_at"}

type tableDef struct {
	name    string
	kind    models.ResponseKind
	columns []string
	numeric map[string]bool
}

var tables = []tableDef{
	{
		name:    "bill_snapshots",
		kind:    models.KindBalance,
		columns: []string{"outstanding_balance", "meter_reading", "due_date", "account_number"},
		numeric: map[string]bool{"outstanding_balance": true, "meter_reading": true},
	},
	{
		name:    "token_transactions",
		kind:    models.KindToken,
		columns: []string{"amount", "token_code", "units", "receipt_number"},
		numeric: map[string]bool{"amount": true, "units": true},
	},
	{
		name:    "units_readings",
		kind:    models.KindUnits,
		columns: []string{"units"},
		numeric: map[string]bool{"units": true},
	},
}

func tableFor(kind models.ResponseKind) (tableDef, error) {
	for _, t := range tables {
		if t.kind == kind {
			return t, nil
		}
	}
	return tableDef{}, fmt.Errorf("%w: unknown response kind %q", models.ErrInvalidParameters, kind)
}

func tablesFor(kind models.ResponseKind) ([]tableDef, error) {
	if kind == "" {
		return tables, nil
	}
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return []tableDef{t}, nil
}

// dialect covers the SQL differences between the backends.
type dialect struct {
	placeholder func(i int) string
	numericArg  func(p string) string
	numericCol  func(c string) string
}

func (d dialect) insertSQL(t tableDef) string {
	cols := append(append([]string{}, commonColumns...), t.columns...)
	params := make([]string, len(cols))
	for i, c := range cols {
		params[i] = d.placeholder(i + 1)
		if t.numeric[c] {
			params[i] = d.numericArg(params[i])
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		t.name, strings.Join(cols, ", "), strings.Join(params, ", "))
}

func (d dialect) selectSQL(t tableDef) string {
	cols := append([]string{}, commonColumns...)
	for _, c := range t.columns {
		if t.numeric[c] {
			c = d.numericCol(c)
		}
		cols = append(cols, c)
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE user_id = %s ORDER BY resolved_at DESC LIMIT %s",
		strings.Join(cols, ", "), t.name, d.placeholder(1), d.placeholder(2))
}

func insertArgs(userID string, r models.StructuredResult) ([]interface{}, error) {
	args := []interface{}{r.RequestID, userID, string(r.Source)}

	switch f := r.Fields.(type) {
	case models.BillSnapshot:
		args = append(args, f.MeterNumber, f.Synthetic, r.FallbackReason, r.ResolvedAt.UnixMicro(),
			nullDecimal(f.OutstandingBalance), nullDecimal(f.MeterReading), f.DueDate, f.AccountNumber)
	case models.TokenTransaction:
		args = append(args, f.MeterNumber, f.Synthetic, r.FallbackReason, r.ResolvedAt.UnixMicro(),
			f.Amount.String(), f.TokenCode, nullDecimal(f.Units), f.ReceiptNumber)
	case models.UnitsReading:
		args = append(args, f.MeterNumber, f.Synthetic, r.FallbackReason, r.ResolvedAt.UnixMicro(),
			nullDecimal(f.Units))
	default:
		return nil, fmt.Errorf("%w: result %s has no fields", models.ErrInvalidParameters, r.RequestID)
	}
	return args, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(t tableDef, row rowScanner) (models.StructuredResult, error) {
	var (
		r             models.StructuredResult
		userID        string
		source        string
		meterNumber   string
		synthetic     bool
		resolvedMicro int64
		extra         = make([]sql.NullString, len(t.columns))
	)

	dest := []interface{}{&r.RequestID, &userID, &source, &meterNumber, &synthetic, &r.FallbackReason, &resolvedMicro}
	for i := range extra {
		dest = append(dest, &extra[i])
	}
	if err := row.Scan(dest...); err != nil {
		return r, fmt.Errorf("failed to scan %s row: %w", t.name, err)
	}

	r.Source = models.Source(source)
	r.ResponseKind = t.kind
	r.ResolvedAt = time.UnixMicro(resolvedMicro)

	switch t.kind {
	case models.KindBalance:
		r.Fields = models.BillSnapshot{
			MeterNumber:        meterNumber,
			OutstandingBalance: parseNullDecimal(extra[0]),
			MeterReading:       parseNullDecimal(extra[1]),
			DueDate:            extra[2].String,
			AccountNumber:      extra[3].String,
			Synthetic:          synthetic,
		}
	case models.KindToken:
		r.Fields = models.TokenTransaction{
			MeterNumber:   meterNumber,
			Amount:        parseNullDecimal(extra[0]).Decimal,
			TokenCode:     extra[1].String,
			Units:         parseNullDecimal(extra[2]),
			ReceiptNumber: extra[3].String,
			Synthetic:     synthetic,
		}
	case models.KindUnits:
		r.Fields = models.UnitsReading{
			MeterNumber: meterNumber,
			Units:       parseNullDecimal(extra[0]),
			Synthetic:   synthetic,
		}
	}
	return r, nil
}

// newestFirst merges per-table results and keeps the newest limit entries.
func newestFirst(results []models.StructuredResult, limit int) []models.StructuredResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].ResolvedAt.After(results[j].ResolvedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func nullDecimal(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s sql.NullString) decimal.NullDecimal {
	if !s.Valid || s.String == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
