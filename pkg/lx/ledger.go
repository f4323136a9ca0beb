package lx

import (
	"fmt"

	"github.com/holiman/uint256"
)

type baseKey struct {
	trader     string
	instrument string
}

// Ledger holds available (unreserved) balances. The quote asset is tracked per
// trader, each base asset per (trader, instrument). Only the engine mutates it.
type Ledger struct {
	quote map[string]*uint256.Int
	base  map[baseKey]*uint256.Int
	j     *journal
}

func newLedger(j *journal) *Ledger {
	return &Ledger{
		quote: make(map[string]*uint256.Int),
		base:  make(map[baseKey]*uint256.Int),
		j:     j,
	}
}

// QuoteBalance returns a copy of the trader's available quote.
func (l *Ledger) QuoteBalance(trader string) *uint256.Int {
	if b, ok := l.quote[trader]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// BaseBalance returns a copy of the trader's available base for instrument.
func (l *Ledger) BaseBalance(trader, instrument string) *uint256.Int {
	if b, ok := l.base[baseKey{trader, instrument}]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

func (l *Ledger) quoteSlot(trader string) *uint256.Int {
	b, ok := l.quote[trader]
	if !ok {
		b = new(uint256.Int)
		l.quote[trader] = b
		l.j.record(func() { delete(l.quote, trader) })
	}
	return b
}

func (l *Ledger) baseSlot(trader, instrument string) *uint256.Int {
	key := baseKey{trader, instrument}
	b, ok := l.base[key]
	if !ok {
		b = new(uint256.Int)
		l.base[key] = b
		l.j.record(func() { delete(l.base, key) })
	}
	return b
}

func (l *Ledger) debit(slot, amount *uint256.Int) error {
	if slot.Lt(amount) {
		return ErrInsufficientBalance
	}
	saved := *slot
	l.j.record(func() { *slot = saved })
	slot.Sub(slot, amount)
	return nil
}

func (l *Ledger) credit(slot, amount *uint256.Int) error {
	saved := *slot
	if _, overflow := slot.AddOverflow(slot, amount); overflow {
		*slot = saved
		return invariant("balance overflow")
	}
	l.j.record(func() { *slot = saved })
	return nil
}

// ReserveQuote debits available quote for an order.
func (l *Ledger) ReserveQuote(trader string, amount *uint256.Int) error {
	if err := l.debit(l.quoteSlot(trader), amount); err != nil {
		return fmt.Errorf("reserve %s quote for %s: %w", amount.Dec(), trader, err)
	}
	return nil
}

// ReserveBase debits available base for an order.
func (l *Ledger) ReserveBase(trader, instrument string, amount *uint256.Int) error {
	if err := l.debit(l.baseSlot(trader, instrument), amount); err != nil {
		return fmt.Errorf("reserve %s %s for %s: %w", amount.Dec(), instrument, trader, err)
	}
	return nil
}

// ReleaseQuote credits back reserved quote (cancellations and dust refunds).
func (l *Ledger) ReleaseQuote(trader string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	return l.credit(l.quoteSlot(trader), amount)
}

// ReleaseBase credits back reserved base.
func (l *Ledger) ReleaseBase(trader, instrument string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	return l.credit(l.baseSlot(trader, instrument), amount)
}

// SettleCreditQuote credits a counterparty with the quote leg of a trade.
func (l *Ledger) SettleCreditQuote(trader string, amount *uint256.Int) error {
	return l.ReleaseQuote(trader, amount)
}

// SettleCreditBase credits a counterparty with the base leg of a trade.
func (l *Ledger) SettleCreditBase(trader, instrument string, amount *uint256.Int) error {
	return l.ReleaseBase(trader, instrument, amount)
}
