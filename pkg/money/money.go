// Package money provides an exact decimal amount tagged with an ISO-4217 currency.
//
// Amounts never pass through binary floating point. They are parsed from and
// rendered to decimal strings, stored at StorageScale places, and summed with
// arbitrary precision. JSON encoding is a string so that clients decoding into
// a double never see a value they did not send.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StorageScale is the number of fractional digits persisted for every amount.
const StorageScale int32 = 3

// StorageIntegerDigits is the number of integer digits a persisted amount may
// carry. With StorageScale it matches a NUMERIC(14,3) column.
const StorageIntegerDigits int32 = 11

var storageLimit = decimal.New(1, StorageIntegerDigits)

// Currency is an ISO-4217 alphabetic code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	CHF Currency = "CHF"
	JPY Currency = "JPY"
)

var minorUnits = map[Currency]int32{
	USD: 2,
	EUR: 2,
	GBP: 2,
	CAD: 2,
	AUD: 2,
	CHF: 2,
	JPY: 0,
}

var (
	// ErrCurrencyMismatch is returned when two amounts in different currencies are combined.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	// ErrUnknownCurrency is returned for codes outside the supported table.
	ErrUnknownCurrency = errors.New("money: unknown currency")
	// ErrInvalidAmount is returned for strings that are not plain decimals.
	ErrInvalidAmount = errors.New("money: invalid amount")
	// ErrScale is returned when an amount has more fractional digits than StorageScale.
	ErrScale = errors.New("money: too many fractional digits")
	// ErrPrecision is returned when an amount has more integer digits than StorageIntegerDigits.
	ErrPrecision = errors.New("money: too many integer digits")
)

// ParseCurrency normalises and validates a currency code.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := minorUnits[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Valid reports whether the currency is supported.
func (c Currency) Valid() bool {
	_, ok := minorUnits[c]
	return ok
}

// MinorUnits returns the number of fractional digits used when displaying the currency.
func (c Currency) MinorUnits() int32 {
	if n, ok := minorUnits[c]; ok {
		return n
	}
	return 2
}

// Amount is an exact decimal value in a currency.
type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

// Zero returns a zero amount in the given currency.
func Zero(c Currency) Amount {
	return Amount{Value: decimal.Zero, Currency: c}
}

// Parse reads a plain decimal string such as "1234.500". Exponent notation,
// NaN, infinities and more than StorageScale fractional digits are rejected.
func Parse(s string, c Currency) (Amount, error) {
	if !c.Valid() {
		return Amount{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, c)
	}
	v, err := parseDecimal(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: v, Currency: c}, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string, c Currency) Amount {
	a, err := Parse(s, c)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal wraps an existing decimal after checking its scale.
func FromDecimal(v decimal.Decimal, c Currency) (Amount, error) {
	if !c.Valid() {
		return Amount{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, c)
	}
	if -v.Exponent() > StorageScale && !v.Equal(v.Truncate(StorageScale)) {
		return Amount{}, fmt.Errorf("%w: %s", ErrScale, v.String())
	}
	return Amount{Value: v, Currency: c}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	digits := 0
	frac := -1
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
			if frac >= 0 {
				frac++
			}
		case r == '.' && frac < 0:
			frac = 0
		case r == '-' && i == 0:
		default:
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if digits == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if frac > int(StorageScale) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrScale, s)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return v, nil
}

// Storable reports whether a fits a persisted amount column. Sums of stored
// amounts may exceed it and are never persisted.
func (a Amount) Storable() error {
	if -a.Value.Exponent() > StorageScale && !a.Value.Equal(a.Value.Truncate(StorageScale)) {
		return fmt.Errorf("%w: %s", ErrScale, a.Value.String())
	}
	if a.Value.Abs().GreaterThanOrEqual(storageLimit) {
		return fmt.Errorf("%w: %s", ErrPrecision, a.Value.String())
	}
	return nil
}

// IsZero reports whether the value is zero.
func (a Amount) IsZero() bool { return a.Value.IsZero() }

// IsNegative reports whether the value is below zero.
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }

// Add returns a+b. Both operands must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency}, nil
}

// Equal compares value and currency. 1.5 and 1.500 are equal.
func (a Amount) Equal(b Amount) bool {
	return a.Currency == b.Currency && a.Value.Equal(b.Value)
}

// String returns the amount at storage scale, e.g. "2250.000".
func (a Amount) String() string { return a.Value.StringFixed(StorageScale) }

// Fixed renders the value with exactly scale fractional digits, rounding half away from zero.
func (a Amount) Fixed(scale int32) string { return a.Value.StringFixed(scale) }

// Rounded rounds half-to-even to the currency's minor units.
func (a Amount) Rounded() string {
	return a.Value.RoundBank(a.Currency.MinorUnits()).StringFixed(a.Currency.MinorUnits())
}

// Sum adds amounts sharing currency c. An empty slice yields Zero(c).
func Sum(c Currency, amounts ...Amount) (Amount, error) {
	total := Zero(c)
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

type wireAmount struct {
	Amount   json.RawMessage `json:"amount"`
	Currency Currency        `json:"currency"`
}

// MarshalJSON encodes {"amount":"<decimal>","currency":"USD"}.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string   `json:"amount"`
		Currency Currency `json:"currency"`
	}{Amount: a.String(), Currency: a.Currency})
}

// UnmarshalJSON accepts only a string amount. Numbers are rejected because a
// sender that produced one has already gone through a float.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var w wireAmount
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var s string
	if err := json.Unmarshal(w.Amount, &s); err != nil {
		return fmt.Errorf("%w: amount must be a JSON string", ErrInvalidAmount)
	}
	c, err := ParseCurrency(string(w.Currency))
	if err != nil {
		return err
	}
	parsed, err := Parse(s, c)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
