package state

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lob/pkg/custody"
	"github.com/luxfi/lob/pkg/lx"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func TestStoreEmpty(t *testing.T) {
	s := NewStore(newMemDB(), 0, testLogger())
	_, err := s.Latest()
	require.ErrorIs(t, err, ErrNoSnapshot)
	_, err = s.Load(3)
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestStoreSaveAndPrune(t *testing.T) {
	db := newMemDB()
	s := NewStore(db, 2, testLogger())

	for _, h := range []uint64{1, 2, 3} {
		saved, err := s.Save(&lx.Snapshot{Sequence: h, QuoteAsset: "USDC", QuoteDecimals: 6})
		require.NoError(t, err)
		assert.True(t, saved)
	}
	saved, err := s.Save(&lx.Snapshot{Sequence: 3})
	require.NoError(t, err)
	assert.False(t, saved)

	heights, err := s.Heights()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, heights)

	has, err := db.Has(snapshotKey(1))
	require.NoError(t, err)
	assert.False(t, has)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Sequence)
	assert.Equal(t, "USDC", latest.QuoteAsset)
}

func TestStoreRestoresEngine(t *testing.T) {
	ctx := context.Background()
	vault := custody.NewVault(testLogger())
	cfg := lx.DefaultConfig()
	e, err := lx.NewEngine(cfg, vault, testLogger())
	require.NoError(t, err)
	_, err = e.RegisterInstrument(ctx, cfg.Admin, "ETH", 18)
	require.NoError(t, err)
	require.NoError(t, vault.Mint("alice", "ETH", uint256.NewInt(1_000)))
	require.NoError(t, e.Deposit(ctx, "alice", "ETH", uint256.NewInt(1_000)))
	price := new(uint256.Int).Mul(uint256.NewInt(3), uint256.NewInt(1e18))
	id, err := e.PlaceLimit(ctx, "alice", "ETH", lx.Sell, price, uint256.NewInt(400), lx.PlaceOptions{})
	require.NoError(t, err)

	s := NewStore(newMemDB(), 0, testLogger())
	_, err = s.Save(e.Snapshot())
	require.NoError(t, err)

	snap, err := s.Latest()
	require.NoError(t, err)
	restored, err := lx.Restore(snap, cfg, vault, testLogger())
	require.NoError(t, err)

	o, ok := restored.Order(id)
	require.True(t, ok)
	assert.True(t, o.Active())
	b, err := restored.Balance("alice", "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(600), b)
	assert.Equal(t, e.Snapshot(), restored.Snapshot())
}
