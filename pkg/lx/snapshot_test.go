package lx

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedClock = WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })

func busyEngine(t *testing.T) *Engine {
	t.Helper()
	e, _ := newTestEngine(t, fixedClock)
	_, err := e.RegisterInstrument(ctx, testAdmin, "BTC", 8)
	require.NoError(t, err)
	deposit(t, e, alice, eth, base(10))
	deposit(t, e, bob, "USDC", quote(100))
	deposit(t, e, carol, eth, base(5))

	place(t, e, alice, Sell, "2.0", base(3))
	place(t, e, carol, Sell, "2.0", base(2))
	place(t, e, carol, Sell, "2.5", base(1))
	cancel := place(t, e, alice, Sell, "3.0", base(1))
	place(t, e, bob, Buy, "2.0", base(4))
	place(t, e, bob, Buy, "1.5", base(2))
	require.NoError(t, e.Cancel(ctx, alice, cancel))
	return e
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := busyEngine(t)
	require.NoError(t, e.Verify())
	snap := e.Snapshot()

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored, err := Restore(&decoded, e.Config(), newTestCustody(), testLogger(), fixedClock)
	require.NoError(t, err)
	assert.Equal(t, snap, restored.Snapshot())
	assert.Equal(t, e.Sequence(), restored.Sequence())

	// both engines continue identically
	for _, eng := range []*Engine{e, restored} {
		id, err := eng.PlaceLimit(ctx, bob, eth, Buy, px(t, "2.5"), base(2), PlaceOptions{})
		require.NoError(t, err)
		o, ok := eng.Order(id)
		require.True(t, ok)
		assert.Equal(t, uint64(3), o.Nonce)
	}
	assert.Equal(t, e.Snapshot(), restored.Snapshot())
}

func TestRestoreRejectsMismatchedQuote(t *testing.T) {
	snap := busyEngine(t).Snapshot()
	cfg := DefaultConfig()
	cfg.QuoteAsset = "USDT"
	_, err := Restore(snap, cfg, newTestCustody(), testLogger())
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	snap := busyEngine(t).Snapshot()
	snap.Instruments[0].Asks[0].Orders[0] = OrderID{9}.String()
	_, err := Restore(snap, DefaultConfig(), newTestCustody(), testLogger())
	require.ErrorIs(t, err, ErrInvariantViolation)

	snap = busyEngine(t).Snapshot()
	snap.Instruments[0].Asks[0], snap.Instruments[0].Asks[1] = snap.Instruments[0].Asks[1], snap.Instruments[0].Asks[0]
	_, err = Restore(snap, DefaultConfig(), newTestCustody(), testLogger())
	require.ErrorIs(t, err, ErrInvariantViolation)

	snap = busyEngine(t).Snapshot()
	snap.Orders[0].Reserved = "12abc"
	_, err = Restore(snap, DefaultConfig(), newTestCustody(), testLogger())
	require.ErrorIs(t, err, ErrInvalidInput)
}
