package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source tells carrier-confirmed data apart from synthetic placeholders.
type Source string

const (
	SourceMatched  Source = "matched"
	SourceFallback Source = "fallback"
)

// CorrelationResult is the outcome of waiting on a PendingCorrelation. It is either
// Matched or Fallback; the unexported method keeps the set closed.
type CorrelationResult interface {
	RequestID() string
	Source() Source
	ResolvedAt() time.Time
	correlationResult()
}

// Matched carries the raw reply that satisfied the correlation.
type Matched struct {
	Request string
	Message InboundMessage
	At      time.Time
}

func (m Matched) RequestID() string     { return m.Request }
func (m Matched) Source() Source        { return SourceMatched }
func (m Matched) ResolvedAt() time.Time { return m.At }
func (Matched) correlationResult()      {}

// Fallback means no qualifying reply arrived before the deadline.
type Fallback struct {
	Request string
	Reason  string
	At      time.Time
}

func (f Fallback) RequestID() string     { return f.Request }
func (f Fallback) Source() Source        { return SourceFallback }
func (f Fallback) ResolvedAt() time.Time { return f.At }
func (Fallback) correlationResult()      {}

// Fields is implemented by the kind-specific structured records.
type Fields interface {
	Kind() ResponseKind
	IsSynthetic() bool
}

// BillSnapshot is the structured form of a balance reply.
type BillSnapshot struct {
	MeterNumber        string              `json:"meter_number"`
	OutstandingBalance decimal.NullDecimal `json:"outstanding_balance"`
	MeterReading       decimal.NullDecimal `json:"meter_reading"`
	DueDate            string              `json:"due_date,omitempty"`
	AccountNumber      string              `json:"account_number,omitempty"`
	Synthetic          bool                `json:"synthetic"`
}

func (BillSnapshot) Kind() ResponseKind  { return KindBalance }
func (b BillSnapshot) IsSynthetic() bool { return b.Synthetic }

// TokenTransaction is the structured form of a token purchase reply.
type TokenTransaction struct {
	MeterNumber   string              `json:"meter_number"`
	Amount        decimal.Decimal     `json:"amount"`
	TokenCode     string              `json:"token_code"`
	Units         decimal.NullDecimal `json:"units"`
	ReceiptNumber string              `json:"receipt_number,omitempty"`
	Synthetic     bool                `json:"synthetic"`
}

func (TokenTransaction) Kind() ResponseKind  { return KindToken }
func (t TokenTransaction) IsSynthetic() bool { return t.Synthetic }

// UnitsReading is the structured form of a units check reply.
type UnitsReading struct {
	MeterNumber string              `json:"meter_number"`
	Units       decimal.NullDecimal `json:"units"`
	Synthetic   bool                `json:"synthetic"`
}

func (UnitsReading) Kind() ResponseKind  { return KindUnits }
func (u UnitsReading) IsSynthetic() bool { return u.Synthetic }

// StructuredResult is what callers of the engine receive.
type StructuredResult struct {
	RequestID      string       `json:"request_id"`
	Source         Source       `json:"source"`
	ResponseKind   ResponseKind `json:"response_kind"`
	Fields         Fields       `json:"fields"`
	FallbackReason string       `json:"fallback_reason,omitempty"`
	ResolvedAt     time.Time    `json:"resolved_at"`
}

// Confirmed reports whether the data came from a provider reply.
func (r StructuredResult) Confirmed() bool {
	return r.Source == SourceMatched
}

// RequireConfirmed returns ErrUnconfirmed unless the result is carrier-confirmed.
func (r StructuredResult) RequireConfirmed() error {
	if !r.Confirmed() {
		return fmt.Errorf("%w: request %s resolved from %s (%s)", ErrUnconfirmed, r.RequestID, r.Source, r.FallbackReason)
	}
	return nil
}

// ConfirmedTokenCode returns the token code only when the provider confirmed it.
func (r StructuredResult) ConfirmedTokenCode() (string, error) {
	if err := r.RequireConfirmed(); err != nil {
		return "", err
	}
	tx, ok := r.Fields.(TokenTransaction)
	if !ok {
		return "", fmt.Errorf("%w: result %s is a %s result", ErrInvalidParameters, r.RequestID, r.ResponseKind)
	}
	return tx.TokenCode, nil
}

func (r StructuredResult) MarshalJSON() ([]byte, error) {
	type alias StructuredResult
	return json.Marshal(struct {
		alias
		Confirmed bool `json:"confirmed"`
	}{alias: alias(r), Confirmed: r.Confirmed()})
}

func (r *StructuredResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		RequestID      string          `json:"request_id"`
		Source         Source          `json:"source"`
		ResponseKind   ResponseKind    `json:"response_kind"`
		Fields         json.RawMessage `json:"fields"`
		FallbackReason string          `json:"fallback_reason"`
		ResolvedAt     time.Time       `json:"resolved_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var fields Fields
	switch raw.ResponseKind {
	case KindBalance:
		var b BillSnapshot
		if err := json.Unmarshal(raw.Fields, &b); err != nil {
			return fmt.Errorf("invalid bill snapshot: %w", err)
		}
		fields = b
	case KindToken:
		var t TokenTransaction
		if err := json.Unmarshal(raw.Fields, &t); err != nil {
			return fmt.Errorf("invalid token transaction: %w", err)
		}
		fields = t
	case KindUnits:
		var u UnitsReading
		if err := json.Unmarshal(raw.Fields, &u); err != nil {
			return fmt.Errorf("invalid units reading: %w", err)
		}
		fields = u
	default:
		return fmt.Errorf("unknown response kind %q", raw.ResponseKind)
	}

	*r = StructuredResult{
		RequestID:      raw.RequestID,
		Source:         raw.Source,
		ResponseKind:   raw.ResponseKind,
		Fields:         fields,
		FallbackReason: raw.FallbackReason,
		ResolvedAt:     raw.ResolvedAt,
	}
	return nil
}
