package lx

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sideFixture struct {
	j      *journal
	orders *OrderStore
	side   *bookSide
}

func newSideFixture(side Side, maxHops int) *sideFixture {
	j := newJournal()
	orders := newOrderStore(j, nil)
	return &sideFixture{j: j, orders: orders, side: newBookSide(side, orders, j, maxHops)}
}

func (f *sideFixture) add(t *testing.T, price, qty uint64) *Order {
	t.Helper()
	p, q := uint256.NewInt(price), uint256.NewInt(qty)
	o, err := f.orders.create(alice, eth, f.side.side, p, q, q, time.Now())
	require.NoError(t, err)
	l, err := f.side.ensureLevel(p, nil)
	require.NoError(t, err)
	require.NoError(t, f.side.appendOrder(l, o))
	return o
}

func (f *sideFixture) prices() []uint64 {
	var out []uint64
	f.side.walk(func(l *levelEntry) bool {
		out = append(out, l.price.Uint64())
		return true
	})
	return out
}

func TestBidLevelsDescend(t *testing.T) {
	f := newSideFixture(Buy, 0)
	for _, p := range []uint64{10, 5, 8, 12, 7, 8} {
		f.add(t, p, 1)
	}
	assert.Equal(t, []uint64{12, 10, 8, 7, 5}, f.prices())
	assert.Equal(t, uint64(12), f.side.best.Uint64())
	assert.Equal(t, uint64(5), f.side.worst.Uint64())
	assert.Equal(t, uint64(2), f.side.level(uint256.NewInt(8)).count)
}

func TestAskLevelsAscend(t *testing.T) {
	f := newSideFixture(Sell, 0)
	for _, p := range []uint64{10, 5, 8, 12, 7} {
		f.add(t, p, 1)
	}
	assert.Equal(t, []uint64{5, 7, 8, 10, 12}, f.prices())
}

func TestEnsureLevelHint(t *testing.T) {
	f := newSideFixture(Buy, 0)
	for _, p := range []uint64{10, 8, 5} {
		f.add(t, p, 1)
	}

	_, err := f.side.ensureLevel(uint256.NewInt(7), uint256.NewInt(8))
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 8, 7, 5}, f.prices())

	// 10 exists but its successor 8 is above 6
	_, err = f.side.ensureLevel(uint256.NewInt(6), uint256.NewInt(10))
	require.ErrorIs(t, err, ErrInvalidHint)
	// 5 is below 6
	_, err = f.side.ensureLevel(uint256.NewInt(6), uint256.NewInt(5))
	require.ErrorIs(t, err, ErrInvalidHint)

	// 9 is not on the book, the scan takes over
	_, err = f.side.ensureLevel(uint256.NewInt(6), uint256.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 8, 7, 6, 5}, f.prices())
}

func TestEnsureLevelScanLimit(t *testing.T) {
	f := newSideFixture(Sell, 1)
	for _, p := range []uint64{1, 3, 5} {
		f.add(t, p, 1)
	}
	_, err := f.side.ensureLevel(uint256.NewInt(2), nil)
	require.NoError(t, err)

	_, err = f.side.ensureLevel(uint256.NewInt(4), nil)
	require.ErrorIs(t, err, ErrLevelScanLimit)

	// a hint skips the scan
	_, err = f.side.ensureLevel(uint256.NewInt(4), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, f.prices())
}

func TestRemoveOrderKeepsFIFO(t *testing.T) {
	f := newSideFixture(Sell, 0)
	a := f.add(t, 5, 1)
	b := f.add(t, 5, 2)
	c := f.add(t, 5, 3)
	l := f.side.level(uint256.NewInt(5))
	assert.Equal(t, []OrderID{a.ID, b.ID, c.ID}, f.side.queue(l))
	assert.Equal(t, uint64(6), l.aggregate.Uint64())

	require.NoError(t, f.side.removeOrder(b))
	assert.Equal(t, []OrderID{a.ID, c.ID}, f.side.queue(l))
	assert.Equal(t, uint64(4), l.aggregate.Uint64())
	assert.Equal(t, uint64(2), l.count)
	assert.Equal(t, c.ID, l.tail)

	require.NoError(t, f.side.removeOrder(a))
	require.NoError(t, f.side.removeOrder(c))
	assert.Nil(t, f.side.level(uint256.NewInt(5)))
	assert.True(t, f.side.empty())
	assert.True(t, f.side.worst.IsZero())
}

func TestRemoveOrderClampsAggregate(t *testing.T) {
	f := newSideFixture(Buy, 0)
	o := f.add(t, 5, 10)
	f.add(t, 5, 1)
	l := f.side.level(uint256.NewInt(5))
	l.aggregate.SetUint64(3)

	require.NoError(t, f.side.removeOrder(o))
	assert.True(t, l.aggregate.IsZero())
}

func TestRemoveMiddleLevel(t *testing.T) {
	f := newSideFixture(Buy, 0)
	f.add(t, 10, 1)
	mid := f.add(t, 8, 1)
	f.add(t, 5, 1)

	require.NoError(t, f.side.removeOrder(mid))
	assert.Equal(t, []uint64{10, 5}, f.prices())
	assert.Equal(t, uint64(10), f.side.level(uint256.NewInt(5)).prev.Uint64())
}

func TestDepthPadsAndTruncates(t *testing.T) {
	f := newSideFixture(Sell, 0)
	f.add(t, 3, 4)
	f.add(t, 1, 2)
	f.add(t, 1, 5)

	d := f.side.depth(4)
	require.Len(t, d, 4)
	assert.Equal(t, PriceLevel{Price: *uint256.NewInt(1), Size: *uint256.NewInt(7), Count: 2}, d[0])
	assert.Equal(t, PriceLevel{Price: *uint256.NewInt(3), Size: *uint256.NewInt(4), Count: 1}, d[1])
	assert.Equal(t, PriceLevel{}, d[2])

	assert.Len(t, f.side.depth(1), 1)
	assert.Len(t, f.side.depth(0), DefaultDepth)
}

func TestBookSideRevert(t *testing.T) {
	f := newSideFixture(Buy, 0)
	f.add(t, 10, 1)
	f.add(t, 5, 1)
	f.j.commit()

	f.add(t, 7, 1)
	f.add(t, 12, 1)
	f.add(t, 5, 4)
	require.NoError(t, f.side.removeOrder(f.orders.Get(f.side.level(uint256.NewInt(10)).head)))
	f.j.revert()

	assert.Equal(t, []uint64{10, 5}, f.prices())
	assert.Equal(t, uint64(10), f.side.best.Uint64())
	assert.Equal(t, uint64(5), f.side.worst.Uint64())
	l := f.side.level(uint256.NewInt(5))
	assert.Equal(t, uint64(1), l.count)
	assert.Equal(t, uint64(1), l.aggregate.Uint64())
	assert.Len(t, f.side.queue(l), 1)
	assert.Equal(t, 2, f.orders.Len())
}
