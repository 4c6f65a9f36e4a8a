package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/derivgate/internal/domain/schema"
)

// bookSide keeps levels sorted best-first with totals always current.
type bookSide struct {
	kind   schema.Side
	levels []schema.Level
}

func (s *bookSide) better(a, b decimal.Decimal) bool {
	if s.kind == schema.SideBids {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the insertion index for price and whether it is present.
func (s *bookSide) search(price decimal.Decimal) (int, bool) {
	idx := sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].Price, price)
	})
	return idx, idx < len(s.levels) && s.levels[idx].Price.Equal(price)
}

// replace rebuilds the side from raw levels. A repeated price keeps the last
// amount seen; zero amounts are dropped.
func (s *bookSide) replace(raw []schema.PriceLevel) {
	s.levels = s.levels[:0]
	for _, lvl := range raw {
		idx, found := s.search(lvl.Price)
		switch {
		case found && lvl.Amount.IsZero():
			s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
		case found:
			s.levels[idx].Amount = lvl.Amount
		case !lvl.Amount.IsZero():
			s.levels = append(s.levels, schema.Level{})
			copy(s.levels[idx+1:], s.levels[idx:])
			s.levels[idx] = schema.Level{Price: lvl.Price, Amount: lvl.Amount, Total: decimal.Zero}
		}
	}
	s.recompute(0)
}

// apply sets one level and reports whether the side changed.
func (s *bookSide) apply(price, amount decimal.Decimal) bool {
	idx, found := s.search(price)
	switch {
	case amount.IsZero() && !found:
		return false
	case amount.IsZero():
		s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
	case found:
		s.levels[idx].Amount = amount
	default:
		s.levels = append(s.levels, schema.Level{})
		copy(s.levels[idx+1:], s.levels[idx:])
		s.levels[idx] = schema.Level{Price: price, Amount: amount, Total: decimal.Zero}
	}
	s.recompute(idx)
	return true
}

// recompute refreshes running totals from index from outward.
func (s *bookSide) recompute(from int) {
	running := decimal.Zero
	if from > 0 && from <= len(s.levels) {
		running = s.levels[from-1].Total
	} else {
		from = 0
	}
	for i := from; i < len(s.levels); i++ {
		running = running.Add(s.levels[i].Amount)
		s.levels[i].Total = running
	}
}

func (s *bookSide) clone() []schema.Level {
	out := make([]schema.Level, len(s.levels))
	copy(out, s.levels)
	return out
}
