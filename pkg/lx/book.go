package lx

import (
	"github.com/holiman/uint256"
)

// Book is the complete order book of one instrument. It is owned by the
// engine and never shared between instruments.
type Book struct {
	Instrument Instrument
	bids       *bookSide
	asks       *bookSide
	lastPrice  uint256.Int
	j          *journal
}

func newBook(in Instrument, orders *OrderStore, j *journal, maxHops int) *Book {
	return &Book{
		Instrument: in,
		bids:       newBookSide(Buy, orders, j, maxHops),
		asks:       newBookSide(Sell, orders, j, maxHops),
		j:          j,
	}
}

func (b *Book) side(s Side) *bookSide {
	if s == Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) setLastPrice(p *uint256.Int) {
	saved := b.lastPrice
	b.j.record(func() { b.lastPrice = saved })
	b.lastPrice = *p
}

// BestBid returns the highest bid price, zero when there are no bids.
func (b *Book) BestBid() uint256.Int {
	return b.bids.best
}

// BestAsk returns the lowest ask price, zero when there are no asks.
func (b *Book) BestAsk() uint256.Int {
	return b.asks.best
}
