package lx

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerReserveAndRelease(t *testing.T) {
	j := newJournal()
	l := newLedger(j)

	require.NoError(t, l.ReleaseQuote(alice, uint256.NewInt(100)))
	require.NoError(t, l.ReserveQuote(alice, uint256.NewInt(60)))
	assert.Equal(t, uint256.NewInt(40), l.QuoteBalance(alice))

	err := l.ReserveQuote(alice, uint256.NewInt(41))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint256.NewInt(40), l.QuoteBalance(alice))

	require.NoError(t, l.SettleCreditBase(alice, eth, uint256.NewInt(7)))
	require.NoError(t, l.ReserveBase(alice, eth, uint256.NewInt(7)))
	assert.True(t, l.BaseBalance(alice, eth).IsZero())
	require.ErrorIs(t, l.ReserveBase(alice, eth, uint256.NewInt(1)), ErrInsufficientBalance)

	// reads return copies
	l.QuoteBalance(alice).SetUint64(0)
	assert.Equal(t, uint256.NewInt(40), l.QuoteBalance(alice))
}

func TestLedgerRevert(t *testing.T) {
	j := newJournal()
	l := newLedger(j)
	require.NoError(t, l.ReleaseQuote(alice, uint256.NewInt(100)))
	j.commit()

	require.NoError(t, l.ReserveQuote(alice, uint256.NewInt(30)))
	require.NoError(t, l.SettleCreditQuote(bob, uint256.NewInt(30)))
	require.NoError(t, l.SettleCreditBase(bob, eth, uint256.NewInt(5)))
	j.revert()

	assert.Equal(t, uint256.NewInt(100), l.QuoteBalance(alice))
	assert.True(t, l.QuoteBalance(bob).IsZero())
	assert.NotContains(t, l.quote, bob)
	assert.Empty(t, l.base)
}

func TestLedgerCreditOverflow(t *testing.T) {
	j := newJournal()
	l := newLedger(j)
	top := new(uint256.Int).SetAllOne()
	require.NoError(t, l.ReleaseQuote(alice, top))

	err := l.SettleCreditQuote(alice, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, top, l.QuoteBalance(alice))
}
