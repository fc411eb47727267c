package allocation

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultPolicy() Policy {
	return Policy{ItemMin: decimal.NewFromInt(1), ItemMax: decimal.NewFromInt(800)}
}

func item(id, price string, qty int) Item {
	return Item{ID: id, UnitPrice: decimal.RequireFromString(price), Quantity: qty}
}

func total(allocs []Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocs {
		if !a.Complimentary {
			sum = sum.Add(a.Value)
		}
	}
	return sum
}

func TestDistributeThreeItemsUnderCap(t *testing.T) {
	engine := NewSeeded(defaultPolicy(), 42)
	items := []Item{item("a", "50", 1), item("b", "30", 1), item("c", "20", 1)}

	allocs := engine.Distribute(items, decimal.NewFromInt(25))

	require.Len(t, allocs, 3)
	assert.True(t, total(allocs).Equal(decimal.NewFromInt(25)), "total %s", total(allocs))
	maxes := []int64{50, 30, 20}
	for i, a := range allocs {
		assert.Equal(t, items[i].ID, a.LineItemID)
		assert.False(t, a.Complimentary)
		assert.True(t, a.Value.GreaterThanOrEqual(decimal.NewFromInt(1)), "item %s below floor: %s", a.LineItemID, a.Value)
		assert.True(t, a.Value.LessThanOrEqual(decimal.NewFromInt(maxes[i])), "item %s above ceiling: %s", a.LineItemID, a.Value)
		assert.Equal(t, int32(-2), a.Value.Exponent())
	}
}

func TestDistributeSingleItemTakesCap(t *testing.T) {
	engine := NewSeeded(defaultPolicy(), 7)

	allocs := engine.Distribute([]Item{item("only", "100", 1)}, decimal.NewFromInt(25))

	require.Len(t, allocs, 1)
	assert.Equal(t, "25", allocs[0].Value.String())
}

func TestDistributeSingleItemBelowCapTakesLineTotal(t *testing.T) {
	engine := NewSeeded(defaultPolicy(), 7)

	allocs := engine.Distribute([]Item{item("only", "12.50", 2)}, decimal.NewFromInt(100))

	assert.Equal(t, "25", allocs[0].Value.String())
}

func TestDistributeRespectsItemMax(t *testing.T) {
	policy := Policy{ItemMin: decimal.NewFromInt(1), ItemMax: decimal.NewFromInt(10)}
	engine := NewSeeded(policy, 3)

	allocs := engine.Distribute([]Item{item("a", "500", 1), item("b", "500", 1)}, decimal.NewFromInt(100))

	for _, a := range allocs {
		assert.True(t, a.Value.Equal(decimal.NewFromInt(10)), "got %s", a.Value)
	}
}

func TestDistributeComplimentaryItems(t *testing.T) {
	engine := NewSeeded(defaultPolicy(), 1)
	items := []Item{item("paid", "40", 1), item("free", "0", 1), item("promo", "-5", 1)}

	allocs := engine.Distribute(items, decimal.NewFromInt(30))

	require.Len(t, allocs, 3)
	assert.False(t, allocs[0].Complimentary)
	assert.Equal(t, "30", allocs[0].Value.String())
	assert.True(t, allocs[1].Complimentary)
	assert.True(t, allocs[1].Value.IsZero())
	assert.True(t, allocs[2].Complimentary)
	assert.True(t, allocs[2].Value.IsZero())
}

func TestDistributeAllComplimentary(t *testing.T) {
	engine := NewSeeded(defaultPolicy(), 1)

	allocs := engine.Distribute([]Item{item("a", "0", 1), item("b", "0", 3)}, decimal.NewFromInt(30))

	for _, a := range allocs {
		assert.True(t, a.Complimentary)
		assert.True(t, a.Value.IsZero())
	}
}

func TestDistributeZeroCap(t *testing.T) {
	engine := NewSeeded(defaultPolicy(), 1)

	allocs := engine.Distribute([]Item{item("a", "10", 1), item("b", "20", 1)}, decimal.Zero)

	for _, a := range allocs {
		assert.True(t, a.Value.IsZero())
	}
}

func TestDistributeSameSeedSameResult(t *testing.T) {
	items := []Item{item("a", "19.99", 2), item("b", "5.25", 1), item("c", "120", 1), item("d", "3", 4)}
	capValue := decimal.RequireFromString("63.40")

	first := NewSeeded(defaultPolicy(), 99).Distribute(items, capValue)
	second := NewSeeded(defaultPolicy(), 99).Distribute(items, capValue)

	assert.Equal(t, first, second)
}

func TestDistributeVariesAcrossSeeds(t *testing.T) {
	items := []Item{item("a", "50", 1), item("b", "30", 1), item("c", "20", 1)}
	capValue := decimal.NewFromInt(25)

	splits := map[string]struct{}{}
	for seed := uint64(1); seed <= 50; seed++ {
		allocs := NewSeeded(defaultPolicy(), seed).Distribute(items, capValue)

		require.Len(t, allocs, 3)
		require.True(t, total(allocs).LessThanOrEqual(capValue), "seed %d: total %s", seed, total(allocs))
		key := ""
		for _, a := range allocs {
			key += a.Value.StringFixed(2) + "/"
		}
		splits[key] = struct{}{}
	}

	assert.GreaterOrEqual(t, len(splits), 40, "splits repeat too often: %v", splits)
}

func TestDistributeProcessSourceVariesAcrossCalls(t *testing.T) {
	items := []Item{item("a", "50", 1), item("b", "30", 1), item("c", "20", 1)}
	capValue := decimal.NewFromInt(25)
	engine := New(defaultPolicy(), nil)

	splits := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		allocs := engine.Distribute(items, capValue)
		require.True(t, total(allocs).LessThanOrEqual(capValue))
		splits[allocs[0].Value.StringFixed(2)+"/"+allocs[1].Value.StringFixed(2)] = struct{}{}
	}

	assert.Greater(t, len(splits), 1)
}

func TestDistributeNeverExceedsCap(t *testing.T) {
	gen := rand.New(rand.NewPCG(2024, 11))
	policy := defaultPolicy()

	for run := 0; run < 1000; run++ {
		n := 1 + gen.IntN(8)
		items := make([]Item, n)
		for i := range items {
			price := decimal.NewFromFloat(float64(gen.IntN(50000)) / 100).Round(2)
			if gen.IntN(10) == 0 {
				price = decimal.Zero
			}
			items[i] = Item{ID: fmt.Sprintf("li-%d", i), UnitPrice: price, Quantity: 1 + gen.IntN(3)}
		}
		capValue := decimal.NewFromFloat(float64(gen.IntN(100000)) / 100).Round(2)

		allocs := NewSeeded(policy, uint64(run)).Distribute(items, capValue)

		require.Len(t, allocs, n)
		require.True(t, total(allocs).LessThanOrEqual(capValue),
			"run %d: total %s exceeds cap %s", run, total(allocs), capValue)
		for i, a := range allocs {
			lineTotal := items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
			require.False(t, a.Value.IsNegative(), "run %d: negative value", run)
			require.True(t, a.Value.LessThanOrEqual(decimal.Max(lineTotal, decimal.Zero)),
				"run %d: %s above line total %s", run, a.Value, lineTotal)
			require.True(t, a.Value.LessThanOrEqual(policy.ItemMax), "run %d: above item max", run)
		}
	}
}

func TestBoundsShrinkFloorsWhenCapTooSmall(t *testing.T) {
	items := []Item{item("a", "10", 1), item("b", "10", 1), item("c", "10", 1), item("d", "10", 1)}
	policy := Policy{ItemMin: decimal.NewFromInt(5), ItemMax: decimal.NewFromInt(100)}

	b := bounds(items, policy, 10)

	floor := 0.0
	for _, bb := range b {
		assert.InDelta(t, 2.5, bb.Min, 1e-9)
		assert.InDelta(t, 10, bb.Max, 1e-9)
		floor += bb.Min
	}
	assert.InDelta(t, 10, floor, 1e-9)
}

func TestBoundsMinNeverAboveMax(t *testing.T) {
	b := bounds([]Item{item("a", "0.40", 1)}, defaultPolicy(), 100)

	assert.InDelta(t, 0.40, b[0].Min, 1e-9)
	assert.InDelta(t, 0.40, b[0].Max, 1e-9)
}

func TestScaleDownKeepsFloors(t *testing.T) {
	b := []bound{{Min: 1, Max: 50}, {Min: 1, Max: 50}}

	out := scaleDown([]float64{30, 20}, b, 25)

	assert.InDelta(t, 25, sum(out), 1e-9)
	assert.InDelta(t, 1+29*(23.0/48.0), out[0], 1e-9)
	assert.GreaterOrEqual(t, out[1], 1.0)
}

func TestScaleDownNoopUnderCap(t *testing.T) {
	b := []bound{{Min: 1, Max: 50}}

	out := scaleDown([]float64{10}, b, 25)

	assert.Equal(t, []float64{10}, out)
}

func TestRedistributeFillsHeadroom(t *testing.T) {
	b := []bound{{Min: 1, Max: 5}, {Min: 1, Max: 100}}

	out := redistribute([]float64{5, 5}, []float64{1, 1}, b, 30)

	assert.InDelta(t, 5, out[0], 1e-9)
	assert.InDelta(t, 25, out[1], 1e-9)
}

func TestRedistributeStopsAtCeilings(t *testing.T) {
	b := []bound{{Min: 1, Max: 5}, {Min: 1, Max: 5}}

	out := redistribute([]float64{2, 3}, []float64{1, 1}, b, 30)

	assert.InDelta(t, 10, sum(out), 1e-9)
}

func TestFinalizeCentsCorrectsRoundingDrift(t *testing.T) {
	b := []bound{{Min: 0, Max: 10}, {Min: 0, Max: 10}, {Min: 0, Max: 10}}

	cents := finalizeCents([]float64{3.335, 3.335, 3.33}, b, 1000)

	var got int64
	for _, c := range cents {
		got += c
	}
	assert.Equal(t, int64(1000), got)
}

func TestFinalizeCentsNeverAboveCap(t *testing.T) {
	b := []bound{{Min: 0, Max: 10}, {Min: 0, Max: 10}}

	cents := finalizeCents([]float64{5.006, 5.006}, b, 1000)

	assert.Equal(t, int64(1000), cents[0]+cents[1])
}
