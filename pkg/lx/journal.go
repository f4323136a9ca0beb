package lx

// journal is the undo log of the transaction in progress. Each state mutation
// appends the closure that restores the previous value; revert replays them
// newest first.
type journal struct {
	undo []func()
	// touched orders and levels are snapshotted once per transaction.
	orders map[OrderID]struct{}
	levels map[*levelEntry]struct{}
}

func newJournal() *journal {
	return &journal{
		orders: make(map[OrderID]struct{}),
		levels: make(map[*levelEntry]struct{}),
	}
}

func (j *journal) record(fn func()) {
	j.undo = append(j.undo, fn)
}

// touchOrder saves o once per transaction before its first mutation.
func (j *journal) touchOrder(o *Order) {
	if _, ok := j.orders[o.ID]; ok {
		return
	}
	j.orders[o.ID] = struct{}{}
	saved := *o
	j.record(func() { *o = saved })
}

// touchLevel saves l once per transaction before its first mutation.
func (j *journal) touchLevel(l *levelEntry) {
	if _, ok := j.levels[l]; ok {
		return
	}
	j.levels[l] = struct{}{}
	saved := *l
	j.record(func() { *l = saved })
}

func (j *journal) revert() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.reset()
}

func (j *journal) commit() {
	j.reset()
}

func (j *journal) reset() {
	j.undo = j.undo[:0]
	clear(j.orders)
	clear(j.levels)
}
