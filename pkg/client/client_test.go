package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lob/pkg/api"
	"github.com/luxfi/lob/pkg/custody"
	"github.com/luxfi/lob/pkg/lx"
	"github.com/luxfi/lob/pkg/websocket"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

type fixture struct {
	client *Client
	vault  *custody.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vault := custody.NewVault(testLogger())

	var hub *websocket.Server
	engine, err := lx.NewEngine(lx.DefaultConfig(), vault, testLogger(),
		lx.WithPublisher(lx.PublisherFunc(func(e lx.Event) error { return hub.Publish(e) })))
	require.NoError(t, err)
	hub = websocket.NewServer(engine, testLogger(), websocket.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	rpcSrv := httptest.NewServer(api.NewJSONRPCServer(engine, testLogger()))
	wsSrv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		rpcSrv.Close()
		wsSrv.Close()
		cancel()
	})

	c := NewClient(
		WithJSONRPCURL(rpcSrv.URL),
		WithWebSocketURL("ws"+strings.TrimPrefix(wsSrv.URL, "http")+"/ws"),
	)
	return &fixture{client: c, vault: vault}
}

func (f *fixture) fund(t *testing.T, trader, asset string, amount uint64, human string) {
	t.Helper()
	require.NoError(t, f.vault.Mint(trader, asset, uint256.NewInt(amount)))
	_, err := f.client.Deposit(context.Background(), trader, asset, human)
	require.NoError(t, err)
}

func TestClientTrading(t *testing.T) {
	f := newFixture(t)
	c := f.client
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	added, err := c.RegisterInstrument(ctx, "admin", "ETH", 18)
	require.NoError(t, err)
	assert.True(t, added)
	_, err = c.RegisterInstrument(ctx, "eve", "BTC", 8)
	assert.Equal(t, api.Unauthorized, Code(err))

	quote, list, err := c.Instruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, Asset{Asset: "USDC", Decimals: 6}, quote)
	assert.Equal(t, []Asset{{Asset: "ETH", Decimals: 18}}, list)

	f.fund(t, "alice", "USDC", 10_000_000, "10")
	f.fund(t, "bob", "ETH", 2_000_000_000_000_000_000, "2")

	ask, err := c.PlaceLimit(ctx, LimitOrder{Trader: "bob", Instrument: "ETH", Side: "sell", Price: "4", Quantity: "2"})
	require.NoError(t, err)
	assert.Equal(t, "active", ask.Status)

	fill, err := c.PlaceMarket(ctx, MarketOrder{Trader: "alice", Instrument: "ETH", Side: "buy", Amount: "6"})
	require.NoError(t, err)
	assert.Equal(t, &MarketFill{Filled: "1.5", CounterValue: "6", Trades: 1}, fill)

	book, err := c.Depth(ctx, "ETH", 10)
	require.NoError(t, err)
	require.Len(t, book.Asks, 10)
	assert.Equal(t, api.LevelView{Price: "4", Size: "0.5", Count: 1}, book.Asks[0])
	assert.Equal(t, api.LevelView{Price: "0", Size: "0"}, book.Asks[1])
	assert.Equal(t, "4", book.LastPrice)

	last, err := c.LastPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "4", last)

	open, err := c.OpenOrders(ctx, "bob", "ETH")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "partially_filled", open[0].Status)

	err = c.Cancel(ctx, "alice", ask.ID)
	assert.Equal(t, api.NotOwner, Code(err))
	require.NoError(t, c.Cancel(ctx, "bob", ask.ID))

	got, err := c.GetOrder(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)

	bal, err := c.Balance(ctx, "bob", "ETH")
	require.NoError(t, err)
	assert.Equal(t, "0.5", bal)
	bal, err = c.Withdraw(ctx, "bob", "USDC", "6")
	require.NoError(t, err)
	assert.Equal(t, "0", bal)
	assert.Equal(t, uint256.NewInt(6_000_000), f.vault.Wallet("bob", "USDC"))

	_, err = c.Withdraw(ctx, "bob", "USDC", "1")
	assert.Equal(t, api.InsufficientBalance, Code(err))
}

func TestClientStream(t *testing.T) {
	f := newFixture(t)
	c := f.client
	ctx := context.Background()

	_, err := c.RegisterInstrument(ctx, "admin", "ETH", 18)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Subscribe("trade.ETH", func(Message) {}), ErrNotConnected)
	require.NoError(t, c.ConnectWebSocket(ctx))
	defer c.Disconnect()

	trades := make(chan Message, 4)
	books := make(chan Message, 8)
	require.NoError(t, c.Subscribe("trade.ETH", func(m Message) { trades <- m }))
	require.NoError(t, c.Subscribe("book.ETH", func(m Message) { books <- m }))

	// the initial book frame proves both subscriptions are live
	select {
	case m := <-books:
		assert.Equal(t, "book", m.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial book")
	}

	f.fund(t, "alice", "USDC", 10_000_000, "10")
	f.fund(t, "bob", "ETH", 1_000_000_000_000_000_000, "1")
	_, err = c.PlaceLimit(ctx, LimitOrder{Trader: "bob", Instrument: "ETH", Side: "sell", Price: "2", Quantity: "1"})
	require.NoError(t, err)
	_, err = c.PlaceLimit(ctx, LimitOrder{Trader: "alice", Instrument: "ETH", Side: "buy", Price: "2", Quantity: "1"})
	require.NoError(t, err)

	select {
	case m := <-trades:
		assert.Equal(t, "trade.ETH", m.Channel)
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		assert.Equal(t, "bob", ev["makerTrader"])
		assert.Equal(t, "alice", ev["takerTrader"])
	case <-time.After(5 * time.Second):
		t.Fatal("no trade")
	}

	require.NoError(t, c.Unsubscribe("book.ETH"))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Unsubscribe("trade.ETH"))
}
