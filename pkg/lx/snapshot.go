package lx

import (
	"fmt"
	"sort"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
)

// Snapshot is a complete, deterministic image of an engine's state. Amounts
// are decimal strings and ids are hex so the image round-trips through JSON.
type Snapshot struct {
	Sequence      uint64               `json:"sequence"`
	QuoteAsset    string               `json:"quoteAsset"`
	QuoteDecimals uint8                `json:"quoteDecimals"`
	Instruments   []InstrumentSnapshot `json:"instruments"`
	Orders        []OrderSnapshot      `json:"orders"`
	Balances      []BalanceSnapshot    `json:"balances"`
}

type InstrumentSnapshot struct {
	Asset     string          `json:"asset"`
	Decimals  uint8           `json:"decimals"`
	LastPrice string          `json:"lastPrice"`
	Bids      []LevelSnapshot `json:"bids"`
	Asks      []LevelSnapshot `json:"asks"`
}

// LevelSnapshot lists a level's queue, head first.
type LevelSnapshot struct {
	Price  string   `json:"price"`
	Orders []string `json:"orders"`
}

type OrderSnapshot struct {
	ID         string `json:"id"`
	Trader     string `json:"trader"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Filled     string `json:"filled"`
	Reserved   string `json:"reserved"`
	Nonce      uint64 `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
}

type BalanceSnapshot struct {
	Trader string `json:"trader"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Snapshot captures the current state.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &Snapshot{
		Sequence:      e.seq,
		QuoteAsset:    e.cfg.QuoteAsset,
		QuoteDecimals: e.cfg.QuoteDecimals,
	}

	for _, in := range e.registry.Instruments() {
		book := e.books[in.Asset]
		snap.Instruments = append(snap.Instruments, InstrumentSnapshot{
			Asset:     in.Asset,
			Decimals:  in.Decimals,
			LastPrice: book.lastPrice.Dec(),
			Bids:      snapshotSide(book.bids),
			Asks:      snapshotSide(book.asks),
		})
	}

	keys := make([]baseKey, 0, len(e.orders.history))
	for k := range e.orders.history {
		keys = append(keys, k)
	}
	sortKeys(keys)
	for _, k := range keys {
		for _, id := range e.orders.history[k] {
			snap.Orders = append(snap.Orders, snapshotOrder(e.orders.Get(id)))
		}
	}

	for trader, b := range e.ledger.quote {
		if !b.IsZero() {
			snap.Balances = append(snap.Balances, BalanceSnapshot{Trader: trader, Asset: e.cfg.QuoteAsset, Amount: b.Dec()})
		}
	}
	for k, b := range e.ledger.base {
		if !b.IsZero() {
			snap.Balances = append(snap.Balances, BalanceSnapshot{Trader: k.trader, Asset: k.instrument, Amount: b.Dec()})
		}
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if a.Trader != b.Trader {
			return a.Trader < b.Trader
		}
		return a.Asset < b.Asset
	})
	return snap
}

func sortKeys(keys []baseKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].trader != keys[j].trader {
			return keys[i].trader < keys[j].trader
		}
		return keys[i].instrument < keys[j].instrument
	})
}

func snapshotSide(s *bookSide) []LevelSnapshot {
	var out []LevelSnapshot
	s.walk(func(l *levelEntry) bool {
		ls := LevelSnapshot{Price: l.price.Dec()}
		for _, id := range s.queue(l) {
			ls.Orders = append(ls.Orders, id.String())
		}
		out = append(out, ls)
		return true
	})
	return out
}

func snapshotOrder(o *Order) OrderSnapshot {
	return OrderSnapshot{
		ID:         o.ID.String(),
		Trader:     o.Trader,
		Instrument: o.Instrument,
		Side:       o.Side.String(),
		Price:      o.Price.Dec(),
		Quantity:   o.Quantity.Dec(),
		Filled:     o.Filled.Dec(),
		Reserved:   o.Reserved.Dec(),
		Nonce:      o.Nonce,
		Timestamp:  o.Timestamp.UnixNano(),
		Status:     o.Status.String(),
	}
}

func parseStatus(s string) (OrderStatus, error) {
	for _, st := range []OrderStatus{StatusActive, StatusPartiallyFilled, StatusFilled, StatusCancelled} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: status %q", ErrInvalidInput, s)
}

func parseAmount(field, s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %s %q: %v", ErrInvalidInput, field, s, err)
	}
	return *v, nil
}

func restoreOrder(rec OrderSnapshot) (*Order, error) {
	id, err := ParseOrderID(rec.ID)
	if err != nil {
		return nil, err
	}
	side, err := ParseSide(rec.Side)
	if err != nil {
		return nil, err
	}
	status, err := parseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	o := &Order{
		ID:         id,
		Trader:     rec.Trader,
		Instrument: rec.Instrument,
		Side:       side,
		Nonce:      rec.Nonce,
		Timestamp:  time.Unix(0, rec.Timestamp),
		Status:     status,
	}
	for _, f := range []struct {
		name string
		src  string
		dst  *uint256.Int
	}{
		{"price", rec.Price, &o.Price},
		{"quantity", rec.Quantity, &o.Quantity},
		{"filled", rec.Filled, &o.Filled},
		{"reserved", rec.Reserved, &o.Reserved},
	} {
		if *f.dst, err = parseAmount(f.name, f.src); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Restore rebuilds an engine from snap. The result is verified before it is
// returned.
func Restore(snap *Snapshot, cfg Config, custody Custody, logger log.Logger, opts ...Option) (*Engine, error) {
	if snap.QuoteAsset != cfg.QuoteAsset || snap.QuoteDecimals != cfg.QuoteDecimals {
		return nil, fmt.Errorf("%w: snapshot quotes %s/%d, config %s/%d", ErrInvalidInput,
			snap.QuoteAsset, snap.QuoteDecimals, cfg.QuoteAsset, cfg.QuoteDecimals)
	}
	e, err := NewEngine(cfg, custody, logger, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	err = e.restore(snap)
	e.j.commit()
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	if err := e.Verify(); err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	e.log.Info("Restored engine", "sequence", snap.Sequence, "instruments", len(snap.Instruments), "orders", len(snap.Orders))
	return e, nil
}

func (e *Engine) restore(snap *Snapshot) error {
	for _, in := range snap.Instruments {
		if _, err := e.registry.register(e.cfg.Admin, in.Asset, in.Decimals); err != nil {
			return err
		}
		e.books[in.Asset] = newBook(Instrument{Asset: in.Asset, Decimals: in.Decimals}, e.orders, e.j, e.cfg.MaxLevelHops)
	}

	for _, rec := range snap.Orders {
		o, err := restoreOrder(rec)
		if err != nil {
			return err
		}
		if _, ok := e.orders.orders[o.ID]; ok {
			return fmt.Errorf("%w: duplicate order %s", ErrIDCollision, o.ID)
		}
		key := baseKey{o.Trader, o.Instrument}
		e.orders.orders[o.ID] = o
		e.orders.history[key] = append(e.orders.history[key], o.ID)
		if o.Nonce > e.orders.nonces[key] {
			e.orders.nonces[key] = o.Nonce
		}
	}

	for _, in := range snap.Instruments {
		book := e.books[in.Asset]
		last, err := parseAmount("last price", in.LastPrice)
		if err != nil {
			return err
		}
		book.lastPrice = last
		if err := e.restoreSide(book.bids, in.Bids); err != nil {
			return err
		}
		if err := e.restoreSide(book.asks, in.Asks); err != nil {
			return err
		}
	}

	for _, b := range snap.Balances {
		amount, err := parseAmount("balance", b.Amount)
		if err != nil {
			return err
		}
		if _, err := e.decimalsOf(b.Asset); err != nil {
			return err
		}
		if err := e.credit(b.Trader, b.Asset, &amount); err != nil {
			return err
		}
	}
	if snap.Sequence > e.seq {
		e.seq = snap.Sequence
	}
	return nil
}

// restoreSide rebuilds levels best first so every insertion takes the new
// worst fast path.
func (e *Engine) restoreSide(s *bookSide, levels []LevelSnapshot) error {
	for _, ls := range levels {
		price, err := parseAmount("level price", ls.Price)
		if err != nil {
			return err
		}
		if price.IsZero() || (!s.empty() && !s.better(&s.worst, &price)) {
			return invariant("%s level %s out of order", s.side, ls.Price)
		}
		l, err := s.ensureLevel(&price, nil)
		if err != nil {
			return err
		}
		for _, raw := range ls.Orders {
			id, err := ParseOrderID(raw)
			if err != nil {
				return err
			}
			o := e.orders.Get(id)
			if o == nil {
				return invariant("level %s references unknown order %s", ls.Price, raw)
			}
			if err := s.appendOrder(l, o); err != nil {
				return err
			}
		}
	}
	return nil
}
