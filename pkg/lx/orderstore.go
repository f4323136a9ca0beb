package lx

import (
	"encoding/binary"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// maxIDProbes bounds how many salted re-derivations an id collision may
// trigger before placement fails.
const maxIDProbes = 8

// Hasher derives an order id from its preimage.
type Hasher func(preimage []byte) OrderID

// Keccak256 is the default Hasher.
func Keccak256(preimage []byte) OrderID {
	var id OrderID
	h := sha3.NewLegacyKeccak256()
	h.Write(preimage)
	h.Sum(id[:0])
	return id
}

// OrderStore is the arena of every order ever created, keyed by id. The FIFO
// links of the price levels live inside the records.
type OrderStore struct {
	orders  map[OrderID]*Order
	nonces  map[baseKey]uint64
	history map[baseKey][]OrderID
	hash    Hasher
	j       *journal
}

func newOrderStore(j *journal, hash Hasher) *OrderStore {
	if hash == nil {
		hash = Keccak256
	}
	return &OrderStore{
		orders:  make(map[OrderID]*Order),
		nonces:  make(map[baseKey]uint64),
		history: make(map[baseKey][]OrderID),
		hash:    hash,
		j:       j,
	}
}

// Get returns the order record, nil if unknown.
func (s *OrderStore) Get(id OrderID) *Order {
	return s.orders[id]
}

// Len returns the number of orders ever created.
func (s *OrderStore) Len() int {
	return len(s.orders)
}

func preimage(trader, instrument string, nonce, salt uint64) []byte {
	buf := make([]byte, 0, 4+len(trader)+4+len(instrument)+16)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(trader)))
	buf = append(buf, trader...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(instrument)))
	buf = append(buf, instrument...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, salt)
	return buf
}

func (s *OrderStore) deriveID(trader, instrument string, nonce uint64) (OrderID, error) {
	for salt := uint64(0); salt < maxIDProbes; salt++ {
		id := s.hash(preimage(trader, instrument, nonce, salt))
		if id.IsZero() {
			continue
		}
		if _, taken := s.orders[id]; !taken {
			return id, nil
		}
	}
	return OrderID{}, ErrIDCollision
}

func (s *OrderStore) create(trader, instrument string, side Side, price, quantity, reserved *uint256.Int, now time.Time) (*Order, error) {
	key := baseKey{trader, instrument}
	prevNonce, hadNonce := s.nonces[key]
	nonce := prevNonce + 1

	id, err := s.deriveID(trader, instrument, nonce)
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:         id,
		Trader:     trader,
		Instrument: instrument,
		Side:       side,
		Price:      *price,
		Quantity:   *quantity,
		Reserved:   *reserved,
		Nonce:      nonce,
		Timestamp:  now,
		Status:     StatusActive,
	}
	s.orders[id] = o
	s.j.record(func() { delete(s.orders, id) })

	s.nonces[key] = nonce
	s.j.record(func() {
		if hadNonce {
			s.nonces[key] = prevNonce
		} else {
			delete(s.nonces, key)
		}
	})

	n := len(s.history[key])
	s.history[key] = append(s.history[key], id)
	s.j.record(func() {
		if n == 0 {
			delete(s.history, key)
		} else {
			s.history[key] = s.history[key][:n]
		}
	})
	return o, nil
}

// touch must precede every mutation of a stored order.
func (s *OrderStore) touch(o *Order) {
	s.j.touchOrder(o)
}

func (s *OrderStore) markInactive(o *Order, status OrderStatus) {
	s.touch(o)
	o.Status = status
}

// open returns the active orders of trader on instrument in creation order.
func (s *OrderStore) open(trader, instrument string) []*Order {
	ids := s.history[baseKey{trader, instrument}]
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		if o := s.orders[id]; o != nil && o.Active() {
			out = append(out, o)
		}
	}
	return out
}
