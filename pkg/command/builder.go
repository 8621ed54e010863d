// Package command renders typed intents into the USSD strings the provider gateway expects.
package command

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"utility-ussd-bridge/pkg/models"
)

const (
	DefaultDelimiter  = "*"
	DefaultTerminator = "#"
)

// Builder holds the provider's USSD code table, e.g. *977*2*<meter>*<amount>#.
type Builder struct {
	Prefix       string
	Delimiter    string
	Terminator   string
	ServiceCodes map[models.ResponseKind]string
}

func NewBuilder(prefix, balanceCode, tokenCode, unitsCode string) *Builder {
	return &Builder{
		Prefix:     prefix,
		Delimiter:  DefaultDelimiter,
		Terminator: DefaultTerminator,
		ServiceCodes: map[models.ResponseKind]string{
			models.KindBalance: balanceCode,
			models.KindToken:   tokenCode,
			models.KindUnits:   unitsCode,
		},
	}
}

// Build returns the command string for kind. amount is only read for token purchases.
func (b *Builder) Build(kind models.ResponseKind, meterNumber string, amount decimal.Decimal) (string, error) {
	code, ok := b.ServiceCodes[kind]
	if !ok || !kind.Valid() {
		return "", fmt.Errorf("%w: unsupported response kind %q", models.ErrInvalidParameters, kind)
	}

	meter := strings.TrimSpace(meterNumber)
	if meter == "" {
		return "", fmt.Errorf("%w: meter number is empty", models.ErrInvalidParameters)
	}
	if !isDigits(meter) {
		return "", fmt.Errorf("%w: meter number %q must contain only digits", models.ErrInvalidParameters, meter)
	}

	parts := []string{b.Prefix, code, meter}
	if kind == models.KindToken {
		if !amount.IsPositive() {
			return "", fmt.Errorf("%w: purchase amount must be positive, got %s", models.ErrInvalidParameters, amount)
		}
		parts = append(parts, amount.String())
	}

	return strings.Join(parts, b.Delimiter) + b.Terminator, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
