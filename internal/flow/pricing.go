package flow

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Money is an amount in cents.
type Money int64

// ErrInvalidAmount is returned when a price or quantity cannot be read as a non-negative amount.
var ErrInvalidAmount = errors.New("invalid amount")

// ParseMoney reads "100", "12.5" or "12.50" (at most two decimals, optionally prefixed with R).
func ParseMoney(s string) (Money, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "R")
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	w, err := strconv.ParseUint(whole, 10, 62)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var cents uint64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		cents, err = strconv.ParseUint(frac, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	return Money(w*100 + cents), nil
}

// String renders whole amounts without decimals ("100") and others with two ("12.50").
func (m Money) String() string {
	if m%100 == 0 {
		return strconv.FormatInt(int64(m)/100, 10)
	}
	return m.Fixed()
}

// Fixed always renders two decimals.
func (m Money) Fixed() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// PricingKind names a pricing rule.
type PricingKind string

const (
	PricingFixed    PricingKind = "fixed"
	PricingPerUnit  PricingKind = "per_unit"
	PricingDistance PricingKind = "distance"
)

// Pricing computes a flow's total from settings and collected fields.
type Pricing struct {
	Kind     PricingKind
	Quantity models.DataKey // per_unit input
	Distance models.DataKey // distance input

	amount    *tmpl
	unitPrice *tmpl
	base      *tmpl
	perKm     *tmpl
}

// Ready reports whether every collected input the rule needs is present.
func (p *Pricing) Ready(fields map[string]string) bool {
	switch p.Kind {
	case PricingPerUnit:
		return fields[string(p.Quantity)] != ""
	case PricingDistance:
		return fields[string(p.Distance)] != ""
	default:
		return true
	}
}

// Total evaluates the rule and renders the amount for display.
func (p *Pricing) Total(v view) (string, error) {
	switch p.Kind {
	case PricingFixed:
		amount, err := p.money(p.amount, v)
		if err != nil {
			return "", err
		}
		return amount.String(), nil
	case PricingPerUnit:
		unit, err := p.money(p.unitPrice, v)
		if err != nil {
			return "", err
		}
		qty, err := strconv.ParseInt(v.Fields[string(p.Quantity)], 10, 64)
		if err != nil || qty < 0 {
			return "", fmt.Errorf("%w: quantity %q", ErrInvalidAmount, v.Fields[string(p.Quantity)])
		}
		return (unit * Money(qty)).String(), nil
	case PricingDistance:
		base, err := p.money(p.base, v)
		if err != nil {
			return "", err
		}
		perKm, err := p.money(p.perKm, v)
		if err != nil {
			return "", err
		}
		total, err := DistanceTotal(base, perKm, v.Fields[string(p.Distance)])
		if err != nil {
			return "", err
		}
		return total.Fixed(), nil
	}
	return "", fmt.Errorf("unknown pricing kind %q", p.Kind)
}

func (p *Pricing) money(t *tmpl, v view) (Money, error) {
	raw, err := t.render(v)
	if err != nil {
		return 0, err
	}
	return ParseMoney(raw)
}

// DistanceTotal returns base + km × perKm rounded half-up to the cent.
func DistanceTotal(base, perKm Money, km string) (Money, error) {
	d, ok := new(big.Rat).SetString(strings.TrimSpace(km))
	if !ok || d.Sign() < 0 {
		return 0, fmt.Errorf("%w: distance %q", ErrInvalidAmount, km)
	}
	cents := new(big.Rat).Mul(d, new(big.Rat).SetInt64(int64(perKm)))
	cents.Add(cents, new(big.Rat).SetInt64(int64(base)))

	// Round half-up: floor((num*2 + den) / (den*2)).
	num := new(big.Int).Mul(cents.Num(), big.NewInt(2))
	num.Add(num, cents.Denom())
	den := new(big.Int).Mul(cents.Denom(), big.NewInt(2))
	q := new(big.Int).Quo(num, den)
	if !q.IsInt64() {
		return 0, fmt.Errorf("%w: distance %q", ErrInvalidAmount, km)
	}
	return Money(q.Int64()), nil
}
