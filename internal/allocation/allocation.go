// Package allocation splits a declared-value cap across the billable line
// items of an order.
//
// Distribute runs a fixed pipeline of pure stages: bounds, weights,
// proportional shares, scale-down, redistribution and a final correction in
// whole cents. Randomness only enters through the weights stage, so a seeded
// Rand reproduces the same split for the same input.
package allocation

import (
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

// Item is one line of an order.
type Item struct {
	ID        string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Allocation is the value assigned to one line item.
type Allocation struct {
	LineItemID    string
	Value         decimal.Decimal
	Complimentary bool
}

// Policy bounds the value of every billable item.
type Policy struct {
	ItemMin decimal.Decimal
	// ItemMax of zero means the line total is the only ceiling.
	ItemMax decimal.Decimal
}

// Rand is the weight source. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type processRand struct{}

func (processRand) Float64() float64 { return rand.Float64() }

type Engine struct {
	policy Policy
	rng    Rand
}

// New returns an engine drawing weights from rng, or from the process-wide
// generator when rng is nil.
func New(policy Policy, rng Rand) *Engine {
	if rng == nil {
		rng = processRand{}
	}
	return &Engine{policy: policy, rng: rng}
}

// NewSeeded returns an engine whose output is reproducible for seed.
func NewSeeded(policy Policy, seed uint64) *Engine {
	return New(policy, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// Distribute assigns a value to every item. The result has one entry per
// input item in input order. Items priced at or below zero are marked
// complimentary and receive zero. The billable values never sum above capValue.
func (e *Engine) Distribute(items []Item, capValue decimal.Decimal) []Allocation {
	out := make([]Allocation, len(items))
	billable := make([]Item, 0, len(items))
	index := make([]int, 0, len(items))
	for i, it := range items {
		out[i] = Allocation{LineItemID: it.ID, Value: decimal.Zero}
		if !it.UnitPrice.IsPositive() {
			out[i].Complimentary = true
			continue
		}
		billable = append(billable, it)
		index = append(index, i)
	}
	if len(billable) == 0 {
		return out
	}

	capCents := capValue.Shift(2).Floor().IntPart()
	if capCents < 0 {
		capCents = 0
	}
	capAmount := float64(capCents) / 100

	b := bounds(billable, e.policy, capAmount)
	w := drawWeights(b, e.rng)
	shares := proportionalShares(w, b, capAmount)
	shares = scaleDown(shares, b, capAmount)
	shares = redistribute(shares, w, b, capAmount)
	cents := finalizeCents(shares, b, capCents)

	for j, i := range index {
		out[i].Value = decimal.New(cents[j], -2)
	}
	return out
}
