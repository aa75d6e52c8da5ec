// Package bidtier maps a current bid to the minimum increment the next bid
// must add, using ordered, contiguous price ranges.
package bidtier

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidTable is returned when a tier table does not cover [0, ∞)
// with contiguous ranges and positive increments.
var ErrInvalidTable = errors.New("invalid bid tier table")

// Tier is one half-open range [Min, Max) and the increment applied to bids in it.
// An invalid Max marks the open-ended top tier.
type Tier struct {
	Min       decimal.Decimal
	Max       decimal.NullDecimal
	Increment decimal.Decimal
}

// Table is an immutable, validated list of tiers ordered by Min.
type Table struct {
	tiers []Tier
}

// Default returns the standard table:
// [0,1) 0.05, [1,2) 0.10, [2,5) 0.20, [5,∞) 0.25.
func Default() Table {
	return Table{tiers: []Tier{
		{Min: decimal.Zero, Max: bound("1"), Increment: decimal.RequireFromString("0.05")},
		{Min: decimal.RequireFromString("1"), Max: bound("2"), Increment: decimal.RequireFromString("0.10")},
		{Min: decimal.RequireFromString("2"), Max: bound("5"), Increment: decimal.RequireFromString("0.20")},
		{Min: decimal.RequireFromString("5"), Increment: decimal.RequireFromString("0.25")},
	}}
}

func bound(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// New validates tiers and returns a Table. The first tier must start at 0,
// each tier must start where the previous one ends, and every increment
// must be positive. Amounts above a bounded last tier use its increment.
func New(tiers []Tier) (Table, error) {
	if len(tiers) == 0 {
		return Table{}, fmt.Errorf("%w: no tiers", ErrInvalidTable)
	}
	if !tiers[0].Min.IsZero() {
		return Table{}, fmt.Errorf("%w: first tier starts at %s, want 0", ErrInvalidTable, tiers[0].Min)
	}
	last := len(tiers) - 1
	for i, t := range tiers {
		if !t.Increment.IsPositive() {
			return Table{}, fmt.Errorf("%w: tier %d increment %s is not positive", ErrInvalidTable, i, t.Increment)
		}
		if !t.Max.Valid {
			if i != last {
				return Table{}, fmt.Errorf("%w: tier %d is open-ended but not last", ErrInvalidTable, i)
			}
			continue
		}
		if t.Max.Decimal.LessThanOrEqual(t.Min) {
			return Table{}, fmt.Errorf("%w: tier %d max %s not above min %s", ErrInvalidTable, i, t.Max.Decimal, t.Min)
		}
		if i < last && !tiers[i+1].Min.Equal(t.Max.Decimal) {
			return Table{}, fmt.Errorf("%w: gap or overlap between tier %d and %d", ErrInvalidTable, i, i+1)
		}
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return Table{tiers: cp}, nil
}

type tierJSON struct {
	Min       *decimal.Decimal    `json:"min"`
	Max       decimal.NullDecimal `json:"max"`
	Increment *decimal.Decimal    `json:"increment"`
}

// Parse decodes a JSON array of {"min","max","increment"} objects.
// max may be null or omitted on the last tier.
func Parse(raw []byte) (Table, error) {
	var in []tierJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return Table{}, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	tiers := make([]Tier, 0, len(in))
	for i, t := range in {
		if t.Min == nil || t.Increment == nil {
			return Table{}, fmt.Errorf("%w: tier %d missing min or increment", ErrInvalidTable, i)
		}
		tiers = append(tiers, Tier{Min: *t.Min, Max: t.Max, Increment: *t.Increment})
	}
	return New(tiers)
}

// ParseOrDefault parses raw and falls back to Default when raw is empty
// or malformed.
func ParseOrDefault(raw []byte) Table {
	if len(raw) == 0 {
		return Default()
	}
	t, err := Parse(raw)
	if err != nil {
		return Default()
	}
	return t
}

// Tiers returns a copy of the table's tiers.
func (t Table) Tiers() []Tier {
	cp := make([]Tier, len(t.tiers))
	copy(cp, t.tiers)
	return cp
}

// Increment returns the increment of the tier containing a. Amounts at or
// above the last tier's minimum use the last tier.
func (t Table) Increment(a decimal.Decimal) decimal.Decimal {
	tiers := t.tiers
	if len(tiers) == 0 {
		tiers = Default().tiers
	}
	for _, tier := range tiers[:len(tiers)-1] {
		if a.LessThan(tier.Max.Decimal) {
			return tier.Increment
		}
	}
	return tiers[len(tiers)-1].Increment
}

// MinimumNextBid returns base when there is no current bid, otherwise
// current plus the increment of current's tier.
func (t Table) MinimumNextBid(base decimal.Decimal, current decimal.NullDecimal) decimal.Decimal {
	if !current.Valid {
		return base
	}
	return current.Decimal.Add(t.Increment(current.Decimal))
}

// MarshalJSON encodes the table in the same shape Parse accepts.
func (t Table) MarshalJSON() ([]byte, error) {
	out := make([]tierJSON, 0, len(t.tiers))
	for _, tier := range t.tiers {
		out = append(out, tierJSON{Min: &tier.Min, Max: tier.Max, Increment: &tier.Increment})
	}
	return json.Marshal(out)
}
