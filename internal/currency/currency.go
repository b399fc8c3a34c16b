// Package currency converts minor-unit amounts for display. Settlement
// never goes through it; money always moves in the event's own currency.
package currency

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrUnknownCurrency = errors.New("unknown currency")

// Converter is the pure conversion contract consumed by display code.
type Converter interface {
	Convert(amountMinor int64, from, to string) (int64, error)
}

// Table converts through a base currency using fixed rates, where
// rates[c] is the number of units of c per one unit of base.
type Table struct {
	base  string
	rates map[string]float64
}

func NewTable(base string, rates map[string]float64) (*Table, error) {
	t := &Table{base: strings.ToUpper(base), rates: make(map[string]float64, len(rates)+1)}
	for code, rate := range rates {
		if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return nil, fmt.Errorf("rate for %s must be positive", code)
		}
		t.rates[strings.ToUpper(code)] = rate
	}
	t.rates[t.base] = 1
	return t, nil
}

func (t *Table) Convert(amountMinor int64, from, to string) (int64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amountMinor, nil
	}
	fr, ok := t.rates[from]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	tr, ok := t.rates[to]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return int64(math.Round(float64(amountMinor) / fr * tr)), nil
}
