package lx

import (
	"github.com/holiman/uint256"

	"github.com/luxfi/lob/pkg/fixedpoint"
)

// Verify checks the structural invariants of every book and order. It is
// run after a restore and by tests; a nil result means the state is sound.
func (e *Engine) Verify() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	linked := make(map[OrderID]struct{})
	for _, in := range e.registry.Instruments() {
		book := e.books[in.Asset]
		for _, s := range []*bookSide{book.bids, book.asks} {
			if err := e.verifySide(book, s, linked); err != nil {
				return err
			}
		}
	}

	for id, o := range e.orders.orders {
		_, onBook := linked[id]
		if o.Active() != onBook {
			return invariant("order %s active=%t but linked=%t", id, o.Active(), onBook)
		}
		if o.Quantity.Lt(&o.Filled) {
			return invariant("order %s overfilled", id)
		}
		if !o.Active() {
			if !o.Reserved.IsZero() {
				return invariant("inactive order %s still reserves %s", id, o.Reserved.Dec())
			}
			continue
		}
		if o.Side == Sell {
			if !o.Reserved.Eq(o.Remaining()) {
				return invariant("ask %s reserves %s for %s", id, o.Reserved.Dec(), o.Remaining().Dec())
			}
			continue
		}
		cost, err := fixedpoint.QuoteForBase(o.Remaining(), &o.Price, e.books[o.Instrument].Instrument.Decimals, e.cfg.QuoteDecimals)
		if err != nil {
			return invariant("bid %s cost: %v", id, err)
		}
		if o.Reserved.Lt(cost) {
			return invariant("bid %s reserves %s below cost %s", id, o.Reserved.Dec(), cost.Dec())
		}
	}
	return nil
}

func (e *Engine) verifySide(book *Book, s *bookSide, linked map[OrderID]struct{}) error {
	var (
		prev    uint256.Int
		visited int
		err     error
	)
	s.walk(func(l *levelEntry) bool {
		visited++
		if !prev.IsZero() && !s.better(&prev, &l.price) {
			err = invariant("%s %s levels out of order at %s", book.Instrument.Asset, s.side, l.price.Dec())
			return false
		}
		if !l.prev.Eq(&prev) {
			err = invariant("level %s back link %s, want %s", l.price.Dec(), l.prev.Dec(), prev.Dec())
			return false
		}

		var sum uint256.Int
		var count uint64
		var last OrderID
		for _, id := range s.queue(l) {
			o := e.orders.Get(id)
			if o == nil || o.Side != s.side || !o.Price.Eq(&l.price) || o.Instrument != book.Instrument.Asset || o.prev != last {
				err = invariant("level %s has misplaced order %s", l.price.Dec(), id)
				return false
			}
			linked[id] = struct{}{}
			sum.Add(&sum, o.Remaining())
			count++
			last = id
		}
		if last != l.tail {
			err = invariant("level %s tail %s, want %s", l.price.Dec(), l.tail, last)
			return false
		}
		if !sum.Eq(&l.aggregate) || count != l.count || count == 0 {
			err = invariant("level %s aggregate %s/%d, orders sum %s/%d", l.price.Dec(), l.aggregate.Dec(), l.count, sum.Dec(), count)
			return false
		}
		prev = l.price
		return true
	})
	if err != nil {
		return err
	}
	if !prev.Eq(&s.worst) {
		return invariant("%s %s worst %s, want %s", book.Instrument.Asset, s.side, s.worst.Dec(), prev.Dec())
	}
	if visited != len(s.levels) {
		return invariant("%s %s has %d levels, %d linked", book.Instrument.Asset, s.side, len(s.levels), visited)
	}
	return nil
}
