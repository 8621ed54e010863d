// Package parser turns a correlation result into the structured record for its kind.
//
// Matched replies are read with fixed, ordered extraction tables, so the same text always
// yields the same fields. When the reply lacks the field that makes the record useful, or
// when no reply arrived at all, the parser produces a synthetic record flagged as fallback.
package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"utility-ussd-bridge/pkg/models"
)

// Params carries request values the reply may not repeat.
type Params struct {
	MeterNumber string
	Amount      decimal.Decimal
}

type Parser struct {
	now    func() time.Time
	suffix func() string
}

func New() *Parser {
	return &Parser{
		now: time.Now,
		suffix: func() string {
			return strings.ToUpper(uuid.NewString()[:8])
		},
	}
}

// Parse maps result onto the record for kind. It never fails: anything that cannot be
// confirmed comes back with Source fallback and Synthetic fields.
func (p *Parser) Parse(result models.CorrelationResult, kind models.ResponseKind, params Params) models.StructuredResult {
	switch r := result.(type) {
	case models.Matched:
		fields, missing := p.parseMatched(r.Message.Text, kind, params)
		if missing != "" {
			return p.fallback(r.Request, kind, params, "missing required field: "+missing, r.At)
		}
		return models.StructuredResult{
			RequestID:    r.Request,
			Source:       models.SourceMatched,
			ResponseKind: kind,
			Fields:       fields,
			ResolvedAt:   r.At,
		}
	case models.Fallback:
		return p.fallback(r.Request, kind, params, r.Reason, r.At)
	default:
		return p.fallback(result.RequestID(), kind, params, fmt.Sprintf("unsupported result %T", result), result.ResolvedAt())
	}
}

// parseMatched returns the extracted fields and the name of the first missing required
// field, if any.
func (p *Parser) parseMatched(text string, kind models.ResponseKind, params Params) (models.Fields, string) {
	switch kind {
	case models.KindBalance:
		values := extract(billRules, text)
		balance := extract(balanceRules, withoutUnrelatedFigures(text))
		bill := models.BillSnapshot{
			MeterNumber:        params.MeterNumber,
			OutstandingBalance: parseDecimal(balance[fieldOutstandingBalance]),
			MeterReading:       parseDecimal(values[fieldMeterReading]),
			DueDate:            values[fieldDueDate],
			AccountNumber:      values[fieldAccountNumber],
		}
		if !bill.OutstandingBalance.Valid {
			return bill, fieldOutstandingBalance
		}
		return bill, ""

	case models.KindToken:
		values := extract(tokenRules, text)
		paid := extract(amountRules, withoutTokenFigures(text))
		units := extract(unitsRules, withoutUnitsNoise(text))
		tx := models.TokenTransaction{
			MeterNumber:   params.MeterNumber,
			Amount:        params.Amount,
			TokenCode:     normalizeTokenCode(values[fieldTokenCode]),
			Units:         parseDecimal(units[fieldUnits]),
			ReceiptNumber: strings.ToUpper(values[fieldReceiptNumber]),
		}
		if amount := parseDecimal(paid[fieldAmount]); amount.Valid {
			tx.Amount = amount.Decimal
		}
		if tx.TokenCode == "" {
			return tx, fieldTokenCode
		}
		return tx, ""

	case models.KindUnits:
		values := extract(unitsRules, withoutUnitsNoise(text))
		reading := models.UnitsReading{
			MeterNumber: params.MeterNumber,
			Units:       parseDecimal(values[fieldUnits]),
		}
		if !reading.Units.Valid {
			return reading, fieldUnits
		}
		return reading, ""
	}

	return nil, "response_kind"
}

func (p *Parser) fallback(requestID string, kind models.ResponseKind, params Params, reason string, at time.Time) models.StructuredResult {
	var fields models.Fields
	switch kind {
	case models.KindToken:
		fields = models.TokenTransaction{
			MeterNumber: params.MeterNumber,
			Amount:      params.Amount,
			TokenCode:   p.PseudoToken(params.Amount),
			Synthetic:   true,
		}
	case models.KindUnits:
		fields = models.UnitsReading{MeterNumber: params.MeterNumber, Synthetic: true}
	case models.KindBalance:
		fields = models.BillSnapshot{MeterNumber: params.MeterNumber, Synthetic: true}
	}

	// An unknown kind keeps its own name and carries no fields rather than posing as a bill.
	return models.StructuredResult{
		RequestID:      requestID,
		Source:         models.SourceFallback,
		ResponseKind:   kind,
		Fields:         fields,
		FallbackReason: reason,
		ResolvedAt:     at,
	}
}

// PseudoToken builds a placeholder that can never be mistaken for an STS code.
func (p *Parser) PseudoToken(amount decimal.Decimal) string {
	return fmt.Sprintf("UNCONFIRMED-%s-%d-%s", amount.String(), p.now().Unix(), p.suffix())
}

// IsPseudoToken reports whether code was produced by PseudoToken.
func IsPseudoToken(code string) bool {
	return strings.HasPrefix(code, "UNCONFIRMED-")
}

func parseDecimal(raw string) decimal.NullDecimal {
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func normalizeTokenCode(raw string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(raw)
}
