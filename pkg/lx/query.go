package lx

import (
	"github.com/holiman/uint256"
)

// LastPrice returns the price of the instrument's most recent trade, zero
// before the first trade.
func (e *Engine) LastPrice(instrument string) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	book, err := e.book(instrument)
	if err != nil {
		return nil, err
	}
	return book.lastPrice.Clone(), nil
}

// Depth returns the top topN aggregated levels of each side, best first.
// Both slices have exactly topN entries (DefaultDepth when topN is 0) and are
// zero padded.
func (e *Engine) Depth(instrument string, topN int) (bids, asks []PriceLevel, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	book, err := e.book(instrument)
	if err != nil {
		return nil, nil, err
	}
	return book.bids.depth(topN), book.asks.depth(topN), nil
}

// OpenOrders returns copies of the trader's active orders on instrument in
// placement order.
func (e *Engine) OpenOrders(trader, instrument string) ([]Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.book(instrument); err != nil {
		return nil, err
	}
	open := e.orders.open(trader, instrument)
	out := make([]Order, len(open))
	for i, o := range open {
		out[i] = *o
	}
	return out, nil
}

// Balance returns the trader's available balance of asset.
func (e *Engine) Balance(trader, asset string) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.decimalsOf(asset); err != nil {
		return nil, err
	}
	if asset == e.cfg.QuoteAsset {
		return e.ledger.QuoteBalance(trader), nil
	}
	return e.ledger.BaseBalance(trader, asset), nil
}

// Order returns a copy of any order ever placed, active or not.
func (e *Engine) Order(id OrderID) (Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	o := e.orders.Get(id)
	if o == nil {
		return Order{}, false
	}
	return *o, true
}

// Instruments returns the registered instruments in registration order.
func (e *Engine) Instruments() []Instrument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.Instruments()
}

// IsSupported reports whether instrument is registered.
func (e *Engine) IsSupported(instrument string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.IsSupported(instrument)
}

// DecimalsOf returns the precision of the quote asset or an instrument.
func (e *Engine) DecimalsOf(asset string) (uint8, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.DecimalsOf(asset)
}

// Sequence returns the sequence number of the last committed event.
func (e *Engine) Sequence() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seq
}
