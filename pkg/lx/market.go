package lx

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/lob/pkg/fixedpoint"
)

// PlaceMarket takes liquidity without resting. For a buy, amount is the quote
// budget; for a sell, the base quantity. minOut is the least the trader
// accepts to receive (base for buys, quote for sells); zero disables it.
// Unused funds are always returned. A buy that cannot afford one base unit at
// the best ask succeeds with no effect.
func (e *Engine) PlaceMarket(ctx context.Context, trader, instrument string, side Side, amount, minOut *uint256.Int) (MarketResult, error) {
	var res MarketResult
	err := e.execute(ctx, "place_market", func() error {
		book, err := e.book(instrument)
		if err != nil {
			return err
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		switch side {
		case Buy:
			res, err = e.marketBuy(book, trader, amount)
		case Sell:
			res, err = e.marketSell(book, trader, amount)
		default:
			return ErrInvalidSide
		}
		if err != nil {
			return err
		}

		received := &res.Filled
		if side == Sell {
			received = &res.CounterValue
		}
		if minOut != nil && received.Lt(minOut) {
			return fmt.Errorf("%w: got %s, want %s", ErrSlippage, received.Dec(), minOut.Dec())
		}
		return nil
	})
	if err != nil {
		return MarketResult{}, err
	}
	return res, nil
}

// affordableBase is the base that funds buy at the maker's price. Funds that
// buy more than 256 bits of base buy at least the whole maker order.
func affordableBase(funds *uint256.Int, maker *Order, dec, qdec uint8) (*uint256.Int, error) {
	qty, err := fixedpoint.BaseForQuote(funds, &maker.Price, dec, qdec)
	if errors.Is(err, fixedpoint.ErrOverflow) {
		return maker.Remaining(), nil
	}
	if err != nil {
		return nil, invariant("affordable base at %s: %v", maker.Price.Dec(), err)
	}
	return qty, nil
}

func (e *Engine) marketBuy(book *Book, trader string, budget *uint256.Int) (MarketResult, error) {
	var res MarketResult
	dec, qdec := book.Instrument.Decimals, e.cfg.QuoteDecimals

	// nothing to do when the best ask is out of reach
	if _, ask, err := e.liveFront(book.asks); err != nil || ask == nil {
		return res, err
	} else if unit, err := affordableBase(budget, ask, dec, qdec); err != nil {
		return res, err
	} else if unit.IsZero() {
		return res, nil
	}

	if err := e.ledger.ReserveQuote(trader, budget); err != nil {
		return res, err
	}
	left := budget.Clone()

	for e.matchesLeft(res.Trades) {
		level, ask, err := e.liveFront(book.asks)
		if err != nil {
			return res, err
		}
		if ask == nil {
			break
		}
		affordable, err := affordableBase(left, ask, dec, qdec)
		if err != nil {
			return res, err
		}
		qty := fixedpoint.Min(affordable, ask.Remaining())
		if qty.IsZero() {
			break
		}
		quote, err := fixedpoint.QuoteForBase(qty, &ask.Price, dec, qdec)
		if err != nil {
			return res, invariant("trade value of %s at %s: %v", qty.Dec(), ask.Price.Dec(), err)
		}
		if quote.IsZero() {
			break
		}
		if left.Lt(quote) {
			return res, invariant("market buy owes %s with %s left", quote.Dec(), left.Dec())
		}

		if err := e.fillAsk(ask, qty, quote); err != nil {
			return res, err
		}
		if err := e.ledger.SettleCreditBase(trader, book.Instrument.Asset, qty); err != nil {
			return res, err
		}
		book.asks.reduce(level, qty)
		if err := e.detachIfFilled(book.asks, ask); err != nil {
			return res, err
		}

		left.Sub(left, quote)
		res.Filled.Add(&res.Filled, qty)
		res.CounterValue.Add(&res.CounterValue, quote)
		res.Trades++
		e.marketTrade(book, trader, Buy, ask, qty, quote)
	}

	return res, e.ledger.ReleaseQuote(trader, left)
}

func (e *Engine) marketSell(book *Book, trader string, quantity *uint256.Int) (MarketResult, error) {
	var res MarketResult
	dec, qdec := book.Instrument.Decimals, e.cfg.QuoteDecimals

	if err := e.ledger.ReserveBase(trader, book.Instrument.Asset, quantity); err != nil {
		return res, err
	}
	left := quantity.Clone()

	for !left.IsZero() && e.matchesLeft(res.Trades) {
		level, bid, err := e.liveFront(book.bids)
		if err != nil {
			return res, err
		}
		if bid == nil {
			break
		}
		qty := fixedpoint.Min(left, bid.Remaining()).Clone()
		quote, err := fixedpoint.QuoteForBase(qty, &bid.Price, dec, qdec)
		if err != nil {
			return res, invariant("trade value of %s at %s: %v", qty.Dec(), bid.Price.Dec(), err)
		}
		if quote.IsZero() {
			break
		}

		if err := e.fillBid(bid, qty, quote); err != nil {
			return res, err
		}
		if err := e.ledger.SettleCreditQuote(trader, quote); err != nil {
			return res, err
		}
		book.bids.reduce(level, qty)
		if err := e.detachIfFilled(book.bids, bid); err != nil {
			return res, err
		}

		left.Sub(left, qty)
		res.Filled.Add(&res.Filled, qty)
		res.CounterValue.Add(&res.CounterValue, quote)
		res.Trades++
		e.marketTrade(book, trader, Sell, bid, qty, quote)
	}

	return res, e.ledger.ReleaseBase(trader, book.Instrument.Asset, left)
}

func (e *Engine) marketTrade(book *Book, taker string, side Side, maker *Order, qty, quote *uint256.Int) {
	book.setLastPrice(&maker.Price)
	e.emit(Event{
		Type:         EventTrade,
		Instrument:   book.Instrument.Asset,
		Side:         side,
		Price:        maker.Price,
		Quantity:     *qty,
		Amount:       *quote,
		MakerOrderID: maker.ID,
		MakerTrader:  maker.Trader,
		TakerTrader:  taker,
	})
}
