// Package client is a Go client for an lxd node: JSON-RPC calls plus the
// websocket event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/lob/pkg/api"
)

// ErrNotConnected is returned by stream calls before ConnectWebSocket.
var ErrNotConnected = errors.New("websocket not connected")

// Client talks to one node.
type Client struct {
	// Configuration
	jsonRPCURL string
	wsURL      string

	// JSON-RPC
	httpClient *http.Client
	idCounter  uint64

	// WebSocket
	wsConn      *websocket.Conn
	wsCallbacks map[string]func(Message)
	wsMu        sync.RWMutex
	writeMu     sync.Mutex
	wsDone      chan struct{}
}

// Message is one frame of the event stream.
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
}

// NewClient creates a client. Nothing is dialed until the first call.
func NewClient(opts ...Option) *Client {
	c := &Client{
		jsonRPCURL:  "http://localhost:8080",
		wsURL:       "ws://localhost:8081/ws",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		wsCallbacks: make(map[string]func(Message)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option is a client configuration option
type Option func(*Client)

// WithJSONRPCURL sets the JSON-RPC URL
func WithJSONRPCURL(url string) Option {
	return func(c *Client) {
		c.jsonRPCURL = url
	}
}

// WithWebSocketURL sets the WebSocket URL
func WithWebSocketURL(url string) Option {
	return func(c *Client) {
		c.wsURL = url
	}
}

// WithHTTPClient replaces the HTTP client used for JSON-RPC.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// callJSONRPC makes a JSON-RPC call. Server errors come back as *api.RPCError.
func (c *Client) callJSONRPC(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := atomic.AddUint64(&c.idCounter, 1)

	reqBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jsonRPCURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *api.RPCError   `json:"error"`
		ID     uint64          `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return err
	}
	if response.Error != nil {
		return response.Error
	}
	if response.ID != id {
		return fmt.Errorf("%s: response id %d, want %d", method, response.ID, id)
	}
	if result != nil {
		return json.Unmarshal(response.Result, result)
	}
	return nil
}

// Code returns the JSON-RPC error code carried by err, 0 when there is none.
func Code(err error) int {
	var rpcErr *api.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

// Ping checks if the server is responsive
func (c *Client) Ping(ctx context.Context) error {
	var result string
	if err := c.callJSONRPC(ctx, "lx_ping", nil, &result); err != nil {
		return err
	}
	if result != "pong" {
		return fmt.Errorf("unexpected ping reply %q", result)
	}
	return nil
}

// RegisterInstrument lists asset; it reports false when it already was.
func (c *Client) RegisterInstrument(ctx context.Context, caller, asset string, decimals uint8) (bool, error) {
	var result struct {
		Added bool `json:"added"`
	}
	err := c.callJSONRPC(ctx, "lx_registerInstrument", map[string]interface{}{
		"caller": caller, "asset": asset, "decimals": decimals,
	}, &result)
	return result.Added, err
}

type balanceResult struct {
	Balance string `json:"balance"`
}

// Deposit moves amount into the exchange and returns the new balance.
func (c *Client) Deposit(ctx context.Context, trader, asset, amount string) (string, error) {
	var result balanceResult
	err := c.callJSONRPC(ctx, "lx_deposit", map[string]string{"trader": trader, "asset": asset, "amount": amount}, &result)
	return result.Balance, err
}

// Withdraw moves amount out of the exchange and returns the new balance.
func (c *Client) Withdraw(ctx context.Context, trader, asset, amount string) (string, error) {
	var result balanceResult
	err := c.callJSONRPC(ctx, "lx_withdraw", map[string]string{"trader": trader, "asset": asset, "amount": amount}, &result)
	return result.Balance, err
}

// Balance returns the available balance.
func (c *Client) Balance(ctx context.Context, trader, asset string) (string, error) {
	var result balanceResult
	err := c.callJSONRPC(ctx, "lx_balance", map[string]string{"trader": trader, "asset": asset}, &result)
	return result.Balance, err
}

// LimitOrder is a limit order request. Hint is optional.
type LimitOrder struct {
	Trader     string `json:"trader"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Hint       string `json:"hint,omitempty"`
}

// PlaceLimit places a limit order and returns it after matching.
func (c *Client) PlaceLimit(ctx context.Context, order LimitOrder) (*api.OrderView, error) {
	var result api.OrderView
	if err := c.callJSONRPC(ctx, "lx_placeLimit", order, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MarketOrder is a market order request. Amount is quote for buys and base
// for sells; MinOut is optional.
type MarketOrder struct {
	Trader     string `json:"trader"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Amount     string `json:"amount"`
	MinOut     string `json:"minOut,omitempty"`
}

// MarketFill is the outcome of a market order.
type MarketFill struct {
	Filled       string `json:"filled"`
	CounterValue string `json:"counterValue"`
	Trades       int    `json:"trades"`
}

// PlaceMarket executes a market order.
func (c *Client) PlaceMarket(ctx context.Context, order MarketOrder) (*MarketFill, error) {
	var result MarketFill
	if err := c.callJSONRPC(ctx, "lx_placeMarket", order, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel cancels an open order.
func (c *Client) Cancel(ctx context.Context, trader, orderID string) error {
	return c.callJSONRPC(ctx, "lx_cancel", map[string]string{"trader": trader, "orderId": orderID}, nil)
}

// GetOrder fetches any order, open or not.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*api.OrderView, error) {
	var result api.OrderView
	if err := c.callJSONRPC(ctx, "lx_getOrder", map[string]string{"orderId": orderID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenOrders lists a trader's open orders on one instrument.
func (c *Client) OpenOrders(ctx context.Context, trader, instrument string) ([]api.OrderView, error) {
	var result []api.OrderView
	err := c.callJSONRPC(ctx, "lx_openOrders", map[string]string{"trader": trader, "instrument": instrument}, &result)
	return result, err
}

// Book is the aggregated view of one instrument.
type Book struct {
	Instrument string          `json:"instrument"`
	Bids       []api.LevelView `json:"bids"`
	Asks       []api.LevelView `json:"asks"`
	LastPrice  string          `json:"lastPrice"`
	Sequence   uint64          `json:"sequence"`
}

// Depth returns exactly depth levels per side, zero levels past the last
// populated one. A depth of zero asks for the default.
func (c *Client) Depth(ctx context.Context, instrument string, depth int) (*Book, error) {
	var result Book
	if err := c.callJSONRPC(ctx, "lx_depth", map[string]interface{}{"instrument": instrument, "depth": depth}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LastPrice returns the last trade price.
func (c *Client) LastPrice(ctx context.Context, instrument string) (string, error) {
	var result struct {
		Price string `json:"price"`
	}
	err := c.callJSONRPC(ctx, "lx_lastPrice", map[string]string{"instrument": instrument}, &result)
	return result.Price, err
}

// Asset is a listed asset and its precision.
type Asset struct {
	Asset    string `json:"asset"`
	Decimals uint8  `json:"decimals"`
}

// Instruments returns the quote asset and every listed instrument.
func (c *Client) Instruments(ctx context.Context) (Asset, []Asset, error) {
	var result struct {
		Quote       Asset   `json:"quote"`
		Instruments []Asset `json:"instruments"`
	}
	err := c.callJSONRPC(ctx, "lx_instruments", map[string]interface{}{}, &result)
	return result.Quote, result.Instruments, err
}

// ConnectWebSocket establishes a WebSocket connection
func (c *Client) ConnectWebSocket(ctx context.Context) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.wsConn != nil {
		return nil // Already connected
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c.wsConn = conn
	c.wsDone = make(chan struct{})
	go c.handleWebSocketMessages(conn, c.wsDone)
	return nil
}

// handleWebSocketMessages dispatches frames to channel callbacks until the
// connection closes.
func (c *Client) handleWebSocketMessages(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Channel == "" {
			continue
		}
		c.wsMu.RLock()
		callback := c.wsCallbacks[msg.Channel]
		c.wsMu.RUnlock()
		if callback != nil {
			callback(msg)
		}
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.wsMu.RLock()
	conn := c.wsConn
	c.wsMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Subscribe registers callback for channel, such as "trade.ETH" or
// "book.ETH". Callbacks run on the reader goroutine in stream order.
func (c *Client) Subscribe(channel string, callback func(Message)) error {
	c.wsMu.Lock()
	c.wsCallbacks[channel] = callback
	c.wsMu.Unlock()

	return c.writeJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{channel},
	})
}

// Unsubscribe unsubscribes from a WebSocket channel
func (c *Client) Unsubscribe(channel string) error {
	c.wsMu.Lock()
	delete(c.wsCallbacks, channel)
	c.wsMu.Unlock()

	err := c.writeJSON(map[string]interface{}{
		"type":     "unsubscribe",
		"channels": []string{channel},
	})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Disconnect closes the WebSocket connection and waits for the reader.
func (c *Client) Disconnect() error {
	c.wsMu.Lock()
	conn, done := c.wsConn, c.wsDone
	c.wsConn = nil
	c.wsMu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}
