package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/pebble/vfs"
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

func openMem(t *testing.T, fs vfs.FS) *Outbox {
	t.Helper()
	o, err := Open("outbox", fs, testLogger())
	require.NoError(t, err)
	return o
}

func trade(seq uint64) lx.Event {
	return lx.Event{
		Sequence:   seq,
		Type:       lx.EventTrade,
		Timestamp:  time.Unix(int64(seq), 0),
		Instrument: "ETH",
		Price:      *uint256.NewInt(2000),
		Quantity:   *uint256.NewInt(seq),
	}
}

func sequences(t *testing.T, o *Outbox) []uint64 {
	t.Helper()
	var seqs []uint64
	require.NoError(t, o.Scan(0, func(r Record) error {
		seqs = append(seqs, r.Sequence)
		return nil
	}))
	return seqs
}

// seqChecker asserts the payload carries the expected sequence.
func seqChecker(want uint64) mocks.ValueChecker {
	return func(val []byte) error {
		var got struct {
			Sequence uint64 `json:"sequence"`
		}
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.Sequence != want {
			return fmt.Errorf("sequence %d, want %d", got.Sequence, want)
		}
		return nil
	}
}

func TestOutboxScansInSequenceOrder(t *testing.T) {
	o := openMem(t, vfs.NewMem())
	defer o.Close()

	for _, seq := range []uint64{1, 2, 3} {
		require.NoError(t, o.Publish(trade(seq)))
	}
	require.NoError(t, o.Publish(lx.Event{Sequence: 4, Type: lx.EventDeposit, Asset: "USDC", Trader: "alice"}))
	require.NoError(t, o.Publish(trade(300)))

	assert.Equal(t, []uint64{1, 2, 3, 4, 300}, sequences(t, o))

	var keys []string
	require.NoError(t, o.Scan(2, func(r Record) error {
		keys = append(keys, r.Key)
		return nil
	}))
	assert.Equal(t, []string{"ETH", "ETH"}, keys)

	require.NoError(t, o.Ack(3))
	n, err := o.Pending()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestOutboxSurvivesReopen(t *testing.T) {
	fs := vfs.NewMem()
	o := openMem(t, fs)
	require.NoError(t, o.Publish(trade(1)))
	require.NoError(t, o.Publish(trade(2)))
	require.NoError(t, o.Ack(1))
	require.NoError(t, o.Close())

	o = openMem(t, fs)
	defer o.Close()
	assert.Equal(t, []uint64{2}, sequences(t, o))
}

func TestOutboxRefusesStaleSequence(t *testing.T) {
	fs := vfs.NewMem()
	o := openMem(t, fs)
	require.NoError(t, o.Publish(trade(1)))
	require.NoError(t, o.Publish(trade(2)))
	require.NoError(t, o.Ack(1))
	require.NoError(t, o.Ack(2))
	require.NoError(t, o.Close())

	o = openMem(t, fs)
	defer o.Close()
	assert.Equal(t, uint64(2), o.LastSequence())
	assert.ErrorIs(t, o.Publish(trade(2)), ErrStaleSequence)
	assert.ErrorIs(t, o.Publish(trade(1)), ErrStaleSequence)
	assert.Empty(t, sequences(t, o))

	require.NoError(t, o.Publish(trade(3)))
	assert.Equal(t, []uint64{3}, sequences(t, o))
	assert.Equal(t, uint64(3), o.LastSequence())
}

func TestRestoredEngineKeepsPendingRecords(t *testing.T) {
	o := openMem(t, vfs.NewMem())
	defer o.Close()

	amounts := func() map[uint64]string {
		got := map[uint64]string{}
		require.NoError(t, o.Scan(0, func(r Record) error {
			var e struct {
				Amount string `json:"amount"`
			}
			require.NoError(t, json.Unmarshal(r.Payload, &e))
			got[r.Sequence] = e.Amount
			return nil
		}))
		return got
	}

	cfg := lx.DefaultConfig()
	vault := custody.NewVault(testLogger())
	for _, trader := range []string{"alice", "bob"} {
		require.NoError(t, vault.Mint(trader, "USDC", uint256.NewInt(10_000)))
	}
	ctx := context.Background()
	e, err := lx.NewEngine(cfg, vault, testLogger(), lx.WithPublisher(o))
	require.NoError(t, err)
	require.NoError(t, e.Deposit(ctx, "alice", "USDC", uint256.NewInt(100)))
	snap := e.Snapshot()
	require.NoError(t, e.Deposit(ctx, "alice", "USDC", uint256.NewInt(111)))
	require.NoError(t, e.Deposit(ctx, "alice", "USDC", uint256.NewInt(222)))

	// a crash loses everything after the snapshot except the outbox
	restored, err := lx.Restore(snap, cfg, vault, testLogger(), lx.WithPublisher(o), lx.WithSequence(o.LastSequence()))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), restored.Sequence())
	require.NoError(t, restored.Deposit(ctx, "bob", "USDC", uint256.NewInt(999)))

	assert.Equal(t, map[uint64]string{1: "100", 2: "111", 3: "222", 4: "999"}, amounts())
}

func TestBroadcasterDrainsInOrder(t *testing.T) {
	o := openMem(t, vfs.NewMem())
	defer o.Close()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, o.Publish(trade(seq)))
	}

	producer := mocks.NewSyncProducer(t, ProducerConfig())
	for seq := uint64(1); seq <= 3; seq++ {
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(seqChecker(seq))
	}
	b := NewBroadcaster(o, producer, "", testLogger(), nil)

	n, err := b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := o.Pending()
	require.NoError(t, err)
	assert.Zero(t, pending)
	require.NoError(t, b.Close())
}

func TestBroadcasterKeepsUnsentRecords(t *testing.T) {
	o := openMem(t, vfs.NewMem())
	defer o.Close()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, o.Publish(trade(seq)))
	}

	brokerDown := errors.New("broker down")
	producer := mocks.NewSyncProducer(t, ProducerConfig())
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(brokerDown)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(seqChecker(2))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(seqChecker(3))

	sinks := map[string]int{}
	rec := recorderFunc(func(sink string, err error) {
		if err != nil {
			sink += ":error"
		}
		sinks[sink]++
	})
	b := NewBroadcaster(o, producer, "events", testLogger(), rec)

	n, err := b.DrainOnce(context.Background())
	assert.ErrorIs(t, err, brokerDown)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{2, 3}, sequences(t, o))

	// The retry redelivers from the first unsent record.
	n, err = b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, sequences(t, o))

	assert.Equal(t, map[string]int{"kafka": 3, "kafka:error": 1}, sinks)
	require.NoError(t, b.Close())
}

func TestBroadcasterStopsOnCancelledContext(t *testing.T) {
	o := openMem(t, vfs.NewMem())
	defer o.Close()
	require.NoError(t, o.Publish(trade(1)))

	producer := mocks.NewSyncProducer(t, ProducerConfig())
	b := NewBroadcaster(o, producer, "", testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := b.DrainOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Equal(t, []uint64{1}, sequences(t, o))
	require.NoError(t, b.Close())
}

func TestBroadcasterMessageShape(t *testing.T) {
	o := openMem(t, vfs.NewMem())
	defer o.Close()
	require.NoError(t, o.Publish(lx.Event{Sequence: 7, Type: lx.EventWithdrawal, Asset: "USDC", Trader: "bob", Amount: *uint256.NewInt(5)}))

	producer := mocks.NewSyncProducer(t, ProducerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != DefaultTopic {
			return fmt.Errorf("topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "USDC" {
			return fmt.Errorf("key %q", key)
		}
		return nil
	})
	b := NewBroadcaster(o, producer, "", testLogger(), nil)
	_, err := b.DrainOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

type recorderFunc func(string, error)

func (f recorderFunc) RecordSink(sink string, err error) { f(sink, err) }
