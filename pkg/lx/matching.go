package lx

import (
	"github.com/holiman/uint256"

	"github.com/luxfi/lob/pkg/fixedpoint"
)

// liveFront returns the head of the best level, detaching stale heads
// (inactive or fully filled) on the way.
func (e *Engine) liveFront(s *bookSide) (*levelEntry, *Order, error) {
	for {
		l, o, err := s.front()
		if err != nil || o == nil {
			return nil, nil, err
		}
		if o.Active() && !o.IsFilled() {
			return l, o, nil
		}

		e.log.Warn("Purging stale order from book", "order", o.ID, "status", o.Status, "price", o.Price.Dec())
		if err := s.removeOrder(o); err != nil {
			return nil, nil, err
		}
		if o.Active() {
			if err := e.retire(o, StatusFilled); err != nil {
				return nil, nil, err
			}
		}
	}
}

func (e *Engine) matchesLeft(trades int) bool {
	return e.cfg.MaxMatchesPerCall <= 0 || trades < e.cfg.MaxMatchesPerCall
}

// matchBook crosses the book while the best bid is at or above the best ask.
// fresh is the order whose placement triggered matching: it is the taker and
// the resting order sets the price. When neither head is fresh the ask price
// is used.
func (e *Engine) matchBook(book *Book, fresh *Order) (int, error) {
	trades := 0
	for e.matchesLeft(trades) {
		bidLevel, bid, err := e.liveFront(book.bids)
		if err != nil {
			return trades, err
		}
		askLevel, ask, err := e.liveFront(book.asks)
		if err != nil {
			return trades, err
		}
		if bid == nil || ask == nil || bid.Price.Lt(&ask.Price) {
			break
		}

		maker, taker := ask, bid
		if ask.ID == fresh.ID {
			maker, taker = bid, ask
		}
		price := maker.Price

		qty := fixedpoint.Min(bid.Remaining(), ask.Remaining())
		quote, err := fixedpoint.QuoteForBase(qty, &price, book.Instrument.Decimals, e.cfg.QuoteDecimals)
		if err != nil {
			return trades, invariant("trade value of %s at %s: %v", qty.Dec(), price.Dec(), err)
		}
		if quote.IsZero() {
			e.log.Debug("Matching stopped on dust", "instrument", book.Instrument.Asset, "price", price.Dec(), "qty", qty.Dec())
			break
		}

		if err := e.settleLimit(book, bidLevel, bid, askLevel, ask, qty, quote); err != nil {
			return trades, err
		}
		book.setLastPrice(&price)
		e.emit(Event{
			Type:         EventTrade,
			Instrument:   book.Instrument.Asset,
			Side:         taker.Side,
			Price:        price,
			Quantity:     *qty,
			Amount:       *quote,
			MakerOrderID: maker.ID,
			MakerTrader:  maker.Trader,
			TakerOrderID: taker.ID,
			TakerTrader:  taker.Trader,
		})
		trades++
	}
	return trades, nil
}

// settleLimit executes qty between two resting orders for quote.
func (e *Engine) settleLimit(book *Book, bidLevel *levelEntry, bid *Order, askLevel *levelEntry, ask *Order, qty, quote *uint256.Int) error {
	if err := e.fillBid(bid, qty, quote); err != nil {
		return err
	}
	if err := e.fillAsk(ask, qty, quote); err != nil {
		return err
	}
	book.bids.reduce(bidLevel, qty)
	book.asks.reduce(askLevel, qty)

	if err := e.detachIfFilled(book.bids, bid); err != nil {
		return err
	}
	return e.detachIfFilled(book.asks, ask)
}

// fillBid charges a resting buy for a trade and credits its trader the base.
func (e *Engine) fillBid(bid *Order, qty, quote *uint256.Int) error {
	e.orders.touch(bid)
	if bid.Reserved.Lt(quote) {
		return invariant("bid %s reserves %s, trade needs %s", bid.ID, bid.Reserved.Dec(), quote.Dec())
	}
	if bid.Remaining().Lt(qty) {
		return invariant("bid %s remaining below %s", bid.ID, qty.Dec())
	}
	bid.Reserved.Sub(&bid.Reserved, quote)
	bid.Filled.Add(&bid.Filled, qty)
	markProgress(bid)
	return e.ledger.SettleCreditBase(bid.Trader, bid.Instrument, qty)
}

// fillAsk charges a resting sell for a trade and credits its trader the quote.
func (e *Engine) fillAsk(ask *Order, qty, quote *uint256.Int) error {
	e.orders.touch(ask)
	if ask.Reserved.Lt(qty) {
		return invariant("ask %s reserves %s, trade needs %s", ask.ID, ask.Reserved.Dec(), qty.Dec())
	}
	if ask.Remaining().Lt(qty) {
		return invariant("ask %s remaining below %s", ask.ID, qty.Dec())
	}
	ask.Reserved.Sub(&ask.Reserved, qty)
	ask.Filled.Add(&ask.Filled, qty)
	markProgress(ask)
	return e.ledger.SettleCreditQuote(ask.Trader, quote)
}

func markProgress(o *Order) {
	if !o.IsFilled() {
		o.Status = StatusPartiallyFilled
	}
}

// detachIfFilled removes a fully filled order from its level and refunds any
// leftover reservation (price improvement dust on buys).
func (e *Engine) detachIfFilled(s *bookSide, o *Order) error {
	if !o.IsFilled() {
		return nil
	}
	if err := s.removeOrder(o); err != nil {
		return err
	}
	return e.retire(o, StatusFilled)
}
