package lx

import (
	"encoding/json"
	"time"

	"github.com/holiman/uint256"
)

// EventType names an observation emitted for external indexing.
type EventType string

const (
	EventInstrumentRegistered EventType = "instrument_registered"
	EventDeposit              EventType = "deposit"
	EventWithdrawal           EventType = "withdrawal"
	EventOrderPlaced          EventType = "order_placed"
	EventOrderCancelled       EventType = "order_cancelled"
	EventTrade                EventType = "trade"
)

// Event is one observation. Events are published only after the operation
// that produced them commits, in commit order.
type Event struct {
	Sequence   uint64
	Type       EventType
	Timestamp  time.Time
	Instrument string
	Asset      string
	Trader     string
	OrderID    OrderID
	Side       Side
	Price      uint256.Int
	// Quantity is the base quantity: order size, cancelled remainder, or
	// traded size.
	Quantity uint256.Int
	// Amount is the quote leg of a trade or the deposited/withdrawn amount.
	Amount uint256.Int

	MakerOrderID OrderID
	MakerTrader  string
	// TakerOrderID is zero for market orders.
	TakerOrderID OrderID
	TakerTrader  string
}

type eventJSON struct {
	Sequence     uint64    `json:"sequence"`
	Type         EventType `json:"type"`
	Timestamp    int64     `json:"timestamp"`
	Instrument   string    `json:"instrument,omitempty"`
	Asset        string    `json:"asset,omitempty"`
	Trader       string    `json:"trader,omitempty"`
	OrderID      string    `json:"orderId,omitempty"`
	Side         string    `json:"side,omitempty"`
	Price        string    `json:"price,omitempty"`
	Quantity     string    `json:"quantity,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	MakerOrderID string    `json:"makerOrderId,omitempty"`
	MakerTrader  string    `json:"makerTrader,omitempty"`
	TakerOrderID string    `json:"takerOrderId,omitempty"`
	TakerTrader  string    `json:"takerTrader,omitempty"`
}

func optionalID(id OrderID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

func optionalAmount(v *uint256.Int) string {
	if v.IsZero() {
		return ""
	}
	return v.Dec()
}

// MarshalJSON renders amounts as decimal strings and ids as hex.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Sequence:     e.Sequence,
		Type:         e.Type,
		Timestamp:    e.Timestamp.UnixNano(),
		Instrument:   e.Instrument,
		Asset:        e.Asset,
		Trader:       e.Trader,
		OrderID:      optionalID(e.OrderID),
		Price:        optionalAmount(&e.Price),
		Quantity:     optionalAmount(&e.Quantity),
		Amount:       optionalAmount(&e.Amount),
		MakerOrderID: optionalID(e.MakerOrderID),
		MakerTrader:  e.MakerTrader,
		TakerOrderID: optionalID(e.TakerOrderID),
		TakerTrader:  e.TakerTrader,
	}
	switch e.Type {
	case EventOrderPlaced, EventOrderCancelled, EventTrade:
		out.Side = e.Side.String()
	}
	return json.Marshal(out)
}

// Publisher receives committed events. Publish errors are logged and never
// undo the operation.
type Publisher interface {
	Publish(Event) error
}

// Publishers fans an event out to every publisher, returning the first error.
type Publishers []Publisher

func (ps Publishers) Publish(e Event) error {
	var first error
	for _, p := range ps {
		if err := p.Publish(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event) error

func (f PublisherFunc) Publish(e Event) error {
	return f(e)
}
