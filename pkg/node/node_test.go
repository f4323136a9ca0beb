package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luxfi/lob/pkg/custody"
	"github.com/luxfi/lob/pkg/outbox"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.WSAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.SnapshotEvery = 0
	cfg.MetricsEvery = Duration(10 * time.Millisecond)
	return cfg
}

func memDB(t *testing.T) database.Database {
	t.Helper()
	db, err := OpenDatabase(t.TempDir(), "memdb", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func rpc(t *testing.T, addr, method string, params interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params, "id": 1})
	require.NoError(t, err)
	resp, err := http.Post("http://"+addr+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(t, out["error"], "rpc %s failed: %v", method, out["error"])
	return out
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ParseConfig([]byte(`{
		"engine": {"quoteAsset": "USDT", "maxMatchesPerCall": 64},
		"snapshotEvery": "1m",
		"natsUrl": "nats://127.0.0.1:4222"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "USDT", cfg.Engine.QuoteAsset)
	assert.Equal(t, uint8(6), cfg.Engine.QuoteDecimals)
	assert.Equal(t, 64, cfg.Engine.MaxMatchesPerCall)
	assert.Equal(t, Duration(time.Minute), cfg.SnapshotEvery)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)

	_, err = ParseConfig([]byte(`{"kafkaBrokers": ["127.0.0.1:9092"]}`))
	assert.Error(t, err)
	_, err = ParseConfig([]byte(`{"snapshotEvery": "soon"}`))
	assert.Error(t, err)
	_, err = ParseConfig([]byte(`{"engine": {"admin": ""}}`))
	assert.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))
}

func TestNodeServesAndRestores(t *testing.T) {
	db := memDB(t)
	vault := custody.NewVault(testLogger())
	require.NoError(t, vault.Mint("alice", "USDC", uint256.NewInt(5_000_000)))

	n, err := New(testConfig(), db, vault, testLogger())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	addr := n.Addr("http")
	require.NotEmpty(t, addr)
	assert.NotEmpty(t, n.Addr("ws"))

	pong := rpc(t, addr, "lx_ping", nil)
	assert.Equal(t, "pong", pong["result"])
	rpc(t, addr, "lx_registerInstrument", map[string]interface{}{"caller": "admin", "asset": "ETH", "decimals": 18})
	rpc(t, addr, "lx_deposit", map[string]string{"trader": "alice", "asset": "USDC", "amount": "5"})

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	metricsBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), `lob_operations_total{op="deposit",result="ok"} 1`)

	conn, err := grpc.NewClient(n.Addr("grpc"), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	check, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)

	n.Shutdown()

	restarted, err := New(testConfig(), db, vault, testLogger())
	require.NoError(t, err)
	assert.True(t, restarted.Engine().IsSupported("ETH"))
	assert.Equal(t, uint64(2), restarted.Engine().Sequence())
	bal, err := restarted.Engine().Balance("alice", "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(5_000_000), bal)

	saved, err := restarted.SaveSnapshot()
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestNodeDrainsOutboxToKafka(t *testing.T) {
	producer := mocks.NewSyncProducer(t, outbox.ProducerConfig())
	producer.ExpectSendMessageAndSucceed()

	cfg := testConfig()
	cfg.HTTPAddr, cfg.WSAddr, cfg.GRPCAddr = "", "", ""
	cfg.OutboxDir = t.TempDir()
	cfg.DrainEvery = Duration(5 * time.Millisecond)

	n, err := New(cfg, memDB(t), custody.NewVault(testLogger()), testLogger(), WithProducer(producer))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	added, err := n.Engine().RegisterInstrument(context.Background(), "admin", "ETH", 18)
	require.NoError(t, err)
	require.True(t, added)

	require.Eventually(t, func() bool {
		pending, err := n.outbox.Pending()
		return err == nil && pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	n.Shutdown()
}

func TestNodeRestartKeepsUndeliveredEvents(t *testing.T) {
	db := memDB(t)
	cfg := testConfig()
	cfg.HTTPAddr, cfg.WSAddr, cfg.GRPCAddr = "", "", ""
	cfg.OutboxDir = t.TempDir()
	ctx := context.Background()

	pendingSequences := func(n *Node) []uint64 {
		var seqs []uint64
		require.NoError(t, n.outbox.Scan(0, func(r outbox.Record) error {
			seqs = append(seqs, r.Sequence)
			return nil
		}))
		return seqs
	}

	// the broker is never reached, so every event stays in the outbox
	n, err := New(cfg, db, custody.NewVault(testLogger()), testLogger(), WithProducer(mocks.NewSyncProducer(t, outbox.ProducerConfig())))
	require.NoError(t, err)
	_, err = n.Engine().RegisterInstrument(ctx, "admin", "BTC", 8)
	require.NoError(t, err)
	saved, err := n.SaveSnapshot()
	require.NoError(t, err)
	require.True(t, saved)
	for _, asset := range []string{"ETH", "SOL"} {
		_, err = n.Engine().RegisterInstrument(ctx, "admin", asset, 18)
		require.NoError(t, err)
	}
	// crash: no final snapshot
	n.closeSinks()

	restarted, err := New(cfg, db, custody.NewVault(testLogger()), testLogger(), WithProducer(mocks.NewSyncProducer(t, outbox.ProducerConfig())))
	require.NoError(t, err)
	defer restarted.closeSinks()
	assert.False(t, restarted.Engine().IsSupported("ETH"))
	assert.Equal(t, uint64(3), restarted.Engine().Sequence())

	_, err = restarted.Engine().RegisterInstrument(ctx, "admin", "DOT", 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4}, pendingSequences(restarted))

	var keys []string
	require.NoError(t, restarted.outbox.Scan(0, func(r outbox.Record) error {
		keys = append(keys, r.Key)
		return nil
	}))
	assert.Equal(t, []string{"BTC", "ETH", "SOL", "DOT"}, keys)
}

type natsRecorder struct {
	subjects chan string
}

func (r *natsRecorder) Publish(subj string, _ []byte) error {
	r.subjects <- subj
	return nil
}

func TestNodePublishesToNATS(t *testing.T) {
	conn := &natsRecorder{subjects: make(chan string, 4)}
	cfg := testConfig()
	cfg.HTTPAddr, cfg.WSAddr, cfg.GRPCAddr = "", "", ""

	n, err := New(cfg, memDB(t), custody.NewVault(testLogger()), testLogger(), WithNATS(conn))
	require.NoError(t, err)
	_, err = n.Engine().RegisterInstrument(context.Background(), "admin", "BTC", 8)
	require.NoError(t, err)
	assert.Equal(t, "lob.BTC.instrument_registered", <-conn.subjects)
}
