package allocation

import (
	"math"
	"sort"
)

const epsilon = 1e-9

type bound struct {
	Min float64
	Max float64
}

// bounds computes the per-item floor and ceiling. When the floors cannot all
// fit under the cap they shrink proportionally so that they sum to the cap.
func bounds(items []Item, p Policy, capAmount float64) []bound {
	itemMin := p.ItemMin.InexactFloat64()
	itemMax := p.ItemMax.InexactFloat64()

	out := make([]bound, len(items))
	sumMin := 0.0
	for i, it := range items {
		qty := it.Quantity
		if qty < 1 {
			qty = 1
		}
		hi := it.UnitPrice.InexactFloat64() * float64(qty)
		if itemMax > 0 && itemMax < hi {
			hi = itemMax
		}
		if hi > capAmount {
			hi = capAmount
		}
		lo := math.Max(0, itemMin)
		if lo > hi {
			lo = hi
		}
		out[i] = bound{Min: lo, Max: hi}
		sumMin += lo
	}

	if sumMin > capAmount && sumMin > 0 {
		factor := capAmount / sumMin
		for i := range out {
			out[i].Min *= factor
		}
	}
	return out
}

// drawWeights draws a positive weight per item in [0.5, 1.5) times its ceiling.
func drawWeights(b []bound, rng Rand) []float64 {
	out := make([]float64, len(b))
	for i := range b {
		out[i] = b[i].Max * (0.5 + rng.Float64())
	}
	return out
}

// proportionalShares splits capAmount by weight and clamps each share to its bounds.
func proportionalShares(weights []float64, b []bound, capAmount float64) []float64 {
	total := sum(weights)
	out := make([]float64, len(weights))
	for i := range weights {
		share := b[i].Min
		if total > 0 {
			share = capAmount * weights[i] / total
		}
		out[i] = clamp(share, b[i])
	}
	return out
}

// scaleDown shrinks the part of every share above its floor when the shares
// overshoot the cap.
func scaleDown(shares []float64, b []bound, capAmount float64) []float64 {
	out := append([]float64(nil), shares...)
	if sum(out) <= capAmount+epsilon {
		return out
	}
	floor := 0.0
	above := 0.0
	for i := range out {
		floor += b[i].Min
		above += out[i] - b[i].Min
	}
	if above <= 0 {
		return out
	}
	factor := math.Max(0, capAmount-floor) / above
	for i := range out {
		out[i] = b[i].Min + (out[i]-b[i].Min)*factor
	}
	return out
}

// redistribute hands the remaining headroom under the cap to items that are
// still below their ceiling, by weight. It stops when the cap is reached or
// every item is at its ceiling.
func redistribute(shares, weights []float64, b []bound, capAmount float64) []float64 {
	out := append([]float64(nil), shares...)
	for pass := 0; pass <= len(out); pass++ {
		remaining := capAmount - sum(out)
		if remaining <= epsilon {
			break
		}
		open := make([]int, 0, len(out))
		openWeight := 0.0
		for i := range out {
			if b[i].Max-out[i] > epsilon {
				open = append(open, i)
				openWeight += weights[i]
			}
		}
		if len(open) == 0 {
			break
		}
		for _, i := range open {
			part := remaining / float64(len(open))
			if openWeight > 0 {
				part = remaining * weights[i] / openWeight
			}
			out[i] = math.Min(b[i].Max, out[i]+part)
		}
	}
	return out
}

// finalizeCents rounds shares to cents and corrects rounding drift so the
// total never exceeds capCents and reaches it when the ceilings allow.
func finalizeCents(shares []float64, b []bound, capCents int64) []int64 {
	n := len(shares)
	cents := make([]int64, n)
	minC := make([]int64, n)
	maxC := make([]int64, n)
	var total, ceiling int64
	for i := range shares {
		minC[i] = int64(math.Floor(b[i].Min*100 + epsilon))
		maxC[i] = int64(math.Floor(b[i].Max*100 + epsilon))
		if minC[i] > maxC[i] {
			minC[i] = maxC[i]
		}
		c := int64(math.Round(shares[i] * 100))
		if c < minC[i] {
			c = minC[i]
		}
		if c > maxC[i] {
			c = maxC[i]
		}
		cents[i] = c
		total += c
		ceiling += maxC[i]
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, c int) bool { return cents[order[a]] > cents[order[c]] })

	for total > capCents {
		reduced := false
		for _, i := range order {
			if total <= capCents {
				break
			}
			room := cents[i] - minC[i]
			if room <= 0 {
				continue
			}
			cut := min(room, total-capCents)
			cents[i] -= cut
			total -= cut
			reduced = true
		}
		if !reduced {
			// floors alone exceed the cap; drop below them rather than break the cap
			for _, i := range order {
				if total <= capCents {
					break
				}
				cut := min(cents[i], total-capCents)
				cents[i] -= cut
				total -= cut
			}
			break
		}
	}

	target := min(capCents, ceiling)
	for total < target {
		added := false
		for _, i := range order {
			if total >= target {
				break
			}
			if cents[i] < maxC[i] {
				cents[i]++
				total++
				added = true
			}
		}
		if !added {
			break
		}
	}
	return cents
}

func clamp(v float64, b bound) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
