package lx

import (
	"encoding/hex"
	"time"

	"github.com/holiman/uint256"
)

// Side represents order side (buy/sell)
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts "buy"/"bid" and "sell"/"ask".
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "bid":
		return Buy, nil
	case "sell", "ask":
		return Sell, nil
	}
	return 0, ErrInvalidSide
}

// OrderStatus represents order status
type OrderStatus uint8

const (
	StatusActive OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// OrderID is the Keccak-256 derived identifier of an order. The zero value is
// the null link.
type OrderID [32]byte

// IsZero reports whether id is the null id.
func (id OrderID) IsZero() bool {
	return id == OrderID{}
}

func (id OrderID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// ParseOrderID decodes a 0x-prefixed hex order id.
func ParseOrderID(s string) (OrderID, error) {
	var id OrderID
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, ErrInvalidInput
	}
	copy(id[:], b)
	return id, nil
}

// Order is the authoritative record of one limit order. Records are never
// deleted; terminal orders stay readable.
type Order struct {
	ID         OrderID
	Trader     string
	Instrument string
	Side       Side
	Price      uint256.Int
	Quantity   uint256.Int
	Filled     uint256.Int
	// Reserved is the part of the trader's balance still earmarked for this
	// order: quote for buys, base for sells.
	Reserved  uint256.Int
	Nonce     uint64
	Timestamp time.Time
	Status    OrderStatus

	// FIFO links inside the order's price level.
	prev OrderID
	next OrderID
}

// Active reports whether the order can still trade.
func (o *Order) Active() bool {
	return o.Status == StatusActive || o.Status == StatusPartiallyFilled
}

// Remaining returns Quantity - Filled.
func (o *Order) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(&o.Quantity, &o.Filled)
}

// IsFilled reports Filled == Quantity.
func (o *Order) IsFilled() bool {
	return o.Filled.Eq(&o.Quantity)
}

// PriceLevel is an aggregated view of one price point.
type PriceLevel struct {
	Price uint256.Int
	Size  uint256.Int
	Count uint64
}

// Instrument is one base asset tradable against the quote asset.
type Instrument struct {
	Asset    string
	Decimals uint8
}

// PlaceOptions tune a limit placement.
type PlaceOptions struct {
	// Hint is a price already on the book after which the new level would be
	// inserted. Zero means no hint.
	Hint uint256.Int
}

// MarketResult is the outcome of a market order.
type MarketResult struct {
	// Filled is the base quantity bought or sold.
	Filled uint256.Int
	// CounterValue is the quote spent (buys) or received (sells).
	CounterValue uint256.Int
	Trades       int
}
