package lx

import (
	"github.com/holiman/uint256"
)

// DefaultDepth is the number of levels returned when a caller asks for 0.
const DefaultDepth = 10

// levelEntry is one price level: a FIFO queue of order ids plus its position
// in the sorted level list. A zero price link means "none".
type levelEntry struct {
	price     uint256.Int
	head      OrderID
	tail      OrderID
	aggregate uint256.Int
	count     uint64
	prev      uint256.Int
	next      uint256.Int
}

// bookSide is one side of one instrument's book. Levels form a doubly linked
// list ordered from best to worst: descending for bids, ascending for asks.
type bookSide struct {
	side    Side
	levels  map[uint256.Int]*levelEntry
	best    uint256.Int
	worst   uint256.Int
	maxHops int
	orders  *OrderStore
	j       *journal
}

func newBookSide(side Side, orders *OrderStore, j *journal, maxHops int) *bookSide {
	return &bookSide{
		side:    side,
		levels:  make(map[uint256.Int]*levelEntry),
		maxHops: maxHops,
		orders:  orders,
		j:       j,
	}
}

// better reports whether a is strictly more favorable than b on this side.
func (s *bookSide) better(a, b *uint256.Int) bool {
	if s.side == Buy {
		return a.Gt(b)
	}
	return a.Lt(b)
}

func (s *bookSide) empty() bool {
	return s.best.IsZero()
}

func (s *bookSide) setBest(p uint256.Int) {
	saved := s.best
	s.j.record(func() { s.best = saved })
	s.best = p
}

func (s *bookSide) setWorst(p uint256.Int) {
	saved := s.worst
	s.j.record(func() { s.worst = saved })
	s.worst = p
}

func (s *bookSide) level(price *uint256.Int) *levelEntry {
	return s.levels[*price]
}

// ensureLevel returns the level at price, creating and splicing it into the
// level list when absent. hint, when non-zero, names an existing price after
// which the new level belongs.
func (s *bookSide) ensureLevel(price, hint *uint256.Int) (*levelEntry, error) {
	if l, ok := s.levels[*price]; ok {
		return l, nil
	}
	l := &levelEntry{price: *price}

	switch {
	case s.empty():
		s.setBest(*price)
		s.setWorst(*price)
	case s.better(price, &s.best):
		old := s.levels[s.best]
		s.j.touchLevel(old)
		old.prev = *price
		l.next = s.best
		s.setBest(*price)
	case s.better(&s.worst, price):
		old := s.levels[s.worst]
		s.j.touchLevel(old)
		old.next = *price
		l.prev = s.worst
		s.setWorst(*price)
	default:
		after, err := s.predecessor(price, hint)
		if err != nil {
			return nil, err
		}
		next := s.levels[after.next]
		s.j.touchLevel(after)
		s.j.touchLevel(next)
		l.prev = after.price
		l.next = after.next
		after.next = *price
		next.prev = *price
	}

	key := *price
	s.levels[key] = l
	s.j.record(func() { delete(s.levels, key) })
	return l, nil
}

// predecessor finds the level after which price must be inserted. price lies
// strictly between best and worst and is not on the book.
func (s *bookSide) predecessor(price, hint *uint256.Int) (*levelEntry, error) {
	if hint != nil && !hint.IsZero() {
		if h, ok := s.levels[*hint]; ok {
			if s.better(&h.price, price) && (h.next.IsZero() || s.better(price, &h.next)) {
				return h, nil
			}
			return nil, ErrInvalidHint
		}
		// the hinted level is gone, scan instead
	}

	cur := s.levels[s.best]
	for hops := 0; ; hops++ {
		if s.maxHops > 0 && hops >= s.maxHops {
			return nil, ErrLevelScanLimit
		}
		if cur.next.IsZero() || s.better(price, &cur.next) {
			return cur, nil
		}
		cur = s.levels[cur.next]
	}
}

// appendOrder enqueues o at the tail of l.
func (s *bookSide) appendOrder(l *levelEntry, o *Order) error {
	s.j.touchLevel(l)
	s.orders.touch(o)

	if l.tail.IsZero() {
		l.head = o.ID
	} else {
		tail := s.orders.Get(l.tail)
		if tail == nil {
			return invariant("level %s tail %s missing", l.price.Dec(), l.tail)
		}
		s.orders.touch(tail)
		tail.next = o.ID
		o.prev = l.tail
	}
	o.next = OrderID{}
	l.tail = o.ID

	if _, overflow := l.aggregate.AddOverflow(&l.aggregate, o.Remaining()); overflow {
		return invariant("level %s aggregate overflow", l.price.Dec())
	}
	l.count++
	return nil
}

// removeOrder unlinks o from its level, removing the level when it empties.
func (s *bookSide) removeOrder(o *Order) error {
	l := s.levels[o.Price]
	if l == nil {
		return invariant("order %s has no level at %s", o.ID, o.Price.Dec())
	}
	s.j.touchLevel(l)
	s.orders.touch(o)

	if o.prev.IsZero() {
		l.head = o.next
	} else if prev := s.orders.Get(o.prev); prev != nil {
		s.orders.touch(prev)
		prev.next = o.next
	}
	if o.next.IsZero() {
		l.tail = o.prev
	} else if next := s.orders.Get(o.next); next != nil {
		s.orders.touch(next)
		next.prev = o.prev
	}
	o.prev, o.next = OrderID{}, OrderID{}

	subClamped(&l.aggregate, o.Remaining())
	if l.count > 0 {
		l.count--
	}
	if o.Active() && o.IsFilled() {
		o.Status = StatusFilled
	}

	if l.head.IsZero() {
		s.removeLevel(l)
	}
	return nil
}

// reduce lowers a level's aggregate after a fill.
func (s *bookSide) reduce(l *levelEntry, qty *uint256.Int) {
	s.j.touchLevel(l)
	subClamped(&l.aggregate, qty)
}

func (s *bookSide) removeLevel(l *levelEntry) {
	s.j.touchLevel(l)
	if l.prev.IsZero() {
		s.setBest(l.next)
	} else {
		prev := s.levels[l.prev]
		s.j.touchLevel(prev)
		prev.next = l.next
	}
	if l.next.IsZero() {
		s.setWorst(l.prev)
	} else {
		next := s.levels[l.next]
		s.j.touchLevel(next)
		next.prev = l.prev
	}
	l.prev.Clear()
	l.next.Clear()
	l.aggregate.Clear()
	l.count = 0

	key := l.price
	delete(s.levels, key)
	s.j.record(func() { s.levels[key] = l })
}

// front returns the best level and its head order, or nils when empty.
func (s *bookSide) front() (*levelEntry, *Order, error) {
	if s.empty() {
		return nil, nil, nil
	}
	l := s.levels[s.best]
	if l == nil || l.head.IsZero() {
		return nil, nil, invariant("%s best level %s is empty", s.side, s.best.Dec())
	}
	o := s.orders.Get(l.head)
	if o == nil {
		return nil, nil, invariant("level %s head %s missing", l.price.Dec(), l.head)
	}
	return l, o, nil
}

// walk visits levels from best to worst until fn returns false.
func (s *bookSide) walk(fn func(l *levelEntry) bool) {
	for p := s.best; !p.IsZero(); {
		l := s.levels[p]
		if l == nil || !fn(l) {
			return
		}
		p = l.next
	}
}

// depth returns exactly topN (DefaultDepth when 0) aggregated levels, zero
// padded when the side is shorter.
func (s *bookSide) depth(topN int) []PriceLevel {
	if topN <= 0 {
		topN = DefaultDepth
	}
	out := make([]PriceLevel, topN)
	i := 0
	s.walk(func(l *levelEntry) bool {
		if i >= topN {
			return false
		}
		out[i] = PriceLevel{Price: l.price, Size: l.aggregate, Count: l.count}
		i++
		return true
	})
	return out
}

// queue returns the order ids of a level, head first.
func (s *bookSide) queue(l *levelEntry) []OrderID {
	ids := make([]OrderID, 0, l.count)
	for id := l.head; !id.IsZero(); {
		ids = append(ids, id)
		o := s.orders.Get(id)
		if o == nil {
			break
		}
		id = o.next
	}
	return ids
}

func subClamped(z, x *uint256.Int) {
	if z.Lt(x) {
		z.Clear()
		return
	}
	z.Sub(z, x)
}
