package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Duration is the billing cadence of a plan.
type Duration string

const (
	DurationMonthly  Duration = "monthly"
	DurationYearly   Duration = "yearly"
	DurationLifetime Duration = "lifetime"
)

// IsValid reports whether the duration is known.
func (d Duration) IsValid() bool {
	switch d {
	case DurationMonthly, DurationYearly, DurationLifetime:
		return true
	default:
		return false
	}
}

// Settlement converts a plan's base price into the currency a gateway collects in.
type Settlement struct {
	Currency string
	Rate     decimal.Decimal
}

// Plan is an immutable catalog entry.
type Plan struct {
	ID              string
	Name            string
	Price           decimal.Decimal
	Currency        string
	Duration        Duration
	CheckoutPriceID string
	QRProductCode   string
	// DownloadQuota is the number of downloads per period. Zero means unlimited.
	DownloadQuota int
	Settlements   map[PaymentMethod]Settlement
}

// Validate checks that the plan is internally consistent.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: plan id is required", ErrConfig)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: plan %s: price must be positive", ErrConfig, p.ID)
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("%w: plan %s: currency must be an ISO 4217 code", ErrConfig, p.ID)
	}
	if !p.Duration.IsValid() {
		return fmt.Errorf("%w: plan %s: unknown duration %q", ErrConfig, p.ID, p.Duration)
	}
	if p.DownloadQuota < 0 {
		return fmt.Errorf("%w: plan %s: download quota cannot be negative", ErrConfig, p.ID)
	}
	for method, s := range p.Settlements {
		if !method.IsValid() {
			return fmt.Errorf("%w: plan %s: unknown settlement method %q", ErrConfig, p.ID, method)
		}
		if len(s.Currency) != 3 || !s.Rate.IsPositive() {
			return fmt.Errorf("%w: plan %s: invalid settlement for %s", ErrConfig, p.ID, method)
		}
	}
	return nil
}

// SettlementAmount returns the amount and currency the given gateway method collects.
// The result is rounded to the settlement currency's minor unit.
func (p Plan) SettlementAmount(method PaymentMethod) (decimal.Decimal, string) {
	if s, ok := p.Settlements[method]; ok {
		return RoundMinor(p.Price.Mul(s.Rate), s.Currency), strings.ToUpper(s.Currency)
	}
	return RoundMinor(p.Price, p.Currency), strings.ToUpper(p.Currency)
}

var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
}

// MinorUnits returns the number of decimal places used by the currency.
func MinorUnits(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// RoundMinor rounds half away from zero to the currency's minor unit.
func RoundMinor(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// ToMinorUnits converts an amount to an integer count of minor units (e.g. cents).
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(MinorUnits(currency)).Round(0).IntPart()
}

// FromMinorUnits converts an integer count of minor units back to an amount.
func FromMinorUnits(units int64, currency string) decimal.Decimal {
	return decimal.New(units, -MinorUnits(currency))
}
