// Package api exposes the exchange over JSON-RPC 2.0. Prices and amounts
// travel as human decimal strings ("2.1", "1.5") and are scaled with the
// precision of the asset they belong to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/lob/pkg/fixedpoint"
	"github.com/luxfi/lob/pkg/lx"
)

// Exchange is the engine surface served over RPC.
type Exchange interface {
	Config() lx.Config
	RegisterInstrument(ctx context.Context, caller, asset string, decimals uint8) (bool, error)
	Deposit(ctx context.Context, trader, asset string, amount *uint256.Int) error
	Withdraw(ctx context.Context, trader, asset string, amount *uint256.Int) error
	PlaceLimit(ctx context.Context, trader, instrument string, side lx.Side, price, quantity *uint256.Int, opts lx.PlaceOptions) (lx.OrderID, error)
	PlaceMarket(ctx context.Context, trader, instrument string, side lx.Side, amount, minOut *uint256.Int) (lx.MarketResult, error)
	Cancel(ctx context.Context, trader string, id lx.OrderID) error
	Order(id lx.OrderID) (lx.Order, bool)
	OpenOrders(trader, instrument string) ([]lx.Order, error)
	Depth(instrument string, topN int) (bids, asks []lx.PriceLevel, err error)
	LastPrice(instrument string) (*uint256.Int, error)
	Balance(trader, asset string) (*uint256.Int, error)
	Instruments() []lx.Instrument
	DecimalsOf(asset string) (uint8, bool)
	Sequence() uint64
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	exchange Exchange
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(exchange Exchange, logger log.Logger) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "api")
	}
	return &JSONRPCServer{
		exchange: exchange,
		logger:   logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Exchange error codes
const (
	InsufficientBalance = -32001
	NotOwner            = -32002
	NotActive           = -32003
	TransferFailed      = -32004
	Unauthorized        = -32005
)

const (
	maxBodyBytes = 1 << 20
	maxDepth     = 500
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.send(w, JSONRPCResponse{Error: &RPCError{Code: ParseError, Message: "Parse error"}})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.send(w, JSONRPCResponse{Error: &RPCError{Code: InvalidRequest, Message: "Invalid Request"}, ID: req.ID})
		return
	}

	start := time.Now()
	result, err := s.handleMethod(r.Context(), req.Method, req.Params)
	if err != nil {
		rpcErr := s.toRPCError(req.Method, err)
		s.logger.Debug("RPC call failed", "method", req.Method, "code", rpcErr.Code, "error", err, "took", time.Since(start))
		s.send(w, JSONRPCResponse{Error: rpcErr, ID: req.ID})
		return
	}

	s.send(w, JSONRPCResponse{Result: result, ID: req.ID})
}

func (s *JSONRPCServer) send(w http.ResponseWriter, resp JSONRPCResponse) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write RPC response", "error", err)
	}
}

// toRPCError maps engine error classes onto error codes.
func (s *JSONRPCServer) toRPCError(method string, err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	class := lx.Classify(err)
	data := map[string]string{"class": class}
	switch {
	case errors.Is(err, lx.ErrInvalidInput):
		return &RPCError{Code: InvalidParams, Message: err.Error(), Data: data}
	case errors.Is(err, lx.ErrInsufficientBalance):
		return &RPCError{Code: InsufficientBalance, Message: err.Error(), Data: data}
	case errors.Is(err, lx.ErrNotOwner):
		return &RPCError{Code: NotOwner, Message: err.Error(), Data: data}
	case errors.Is(err, lx.ErrNotActive):
		return &RPCError{Code: NotActive, Message: err.Error(), Data: data}
	case errors.Is(err, lx.ErrTransferFailed):
		return &RPCError{Code: TransferFailed, Message: err.Error(), Data: data}
	case errors.Is(err, lx.ErrUnauthorized):
		return &RPCError{Code: Unauthorized, Message: err.Error(), Data: data}
	}
	s.logger.Error("RPC internal error", "method", method, "error", err)
	return &RPCError{Code: InternalError, Message: "Internal error", Data: data}
}

func (s *JSONRPCServer) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Admin
	case "lx_registerInstrument":
		return s.registerInstrument(ctx, params)

	// Funds
	case "lx_deposit":
		return s.transfer(ctx, params, true)
	case "lx_withdraw":
		return s.transfer(ctx, params, false)
	case "lx_balance":
		return s.balance(params)

	// Orders
	case "lx_placeLimit":
		return s.placeLimit(ctx, params)
	case "lx_placeMarket":
		return s.placeMarket(ctx, params)
	case "lx_cancel":
		return s.cancel(ctx, params)
	case "lx_getOrder":
		return s.getOrder(params)
	case "lx_openOrders":
		return s.openOrders(params)

	// Market data
	case "lx_depth":
		return s.depth(params)
	case "lx_lastPrice":
		return s.lastPrice(params)
	case "lx_instruments":
		return s.instruments()

	// Info
	case "lx_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params: " + err.Error()}
	}
	return nil
}

func invalidParam(name string, err error) error {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf("Invalid %s: %v", name, err)}
}

// decimals returns the precision of asset, which must be registered or the
// quote asset.
func (s *JSONRPCServer) decimals(asset string) (uint8, error) {
	d, ok := s.exchange.DecimalsOf(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %q", lx.ErrUnsupportedInstrument, asset)
	}
	return d, nil
}

func (s *JSONRPCServer) amount(asset, value, name string) (*uint256.Int, error) {
	d, err := s.decimals(asset)
	if err != nil {
		return nil, err
	}
	v, err := fixedpoint.ParseAmount(value, d)
	if err != nil {
		return nil, invalidParam(name, err)
	}
	return v, nil
}

func (s *JSONRPCServer) registerInstrument(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller   string `json:"caller"`
		Asset    string `json:"asset"`
		Decimals uint8  `json:"decimals"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	added, err := s.exchange.RegisterInstrument(ctx, p.Caller, p.Asset, p.Decimals)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"asset": p.Asset, "added": added}, nil
}

func (s *JSONRPCServer) transfer(ctx context.Context, params json.RawMessage, deposit bool) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	amount, err := s.amount(p.Asset, p.Amount, "amount")
	if err != nil {
		return nil, err
	}
	if deposit {
		err = s.exchange.Deposit(ctx, p.Trader, p.Asset, amount)
	} else {
		err = s.exchange.Withdraw(ctx, p.Trader, p.Asset, amount)
	}
	if err != nil {
		return nil, err
	}
	return s.balance(params)
}

func (s *JSONRPCServer) balance(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader string `json:"trader"`
		Asset  string `json:"asset"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	d, err := s.decimals(p.Asset)
	if err != nil {
		return nil, err
	}
	bal, err := s.exchange.Balance(p.Trader, p.Asset)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"trader":  p.Trader,
		"asset":   p.Asset,
		"balance": fixedpoint.FormatAmount(bal, d),
	}, nil
}

func (s *JSONRPCServer) placeLimit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader     string `json:"trader"`
		Instrument string `json:"instrument"`
		Side       string `json:"side"`
		Price      string `json:"price"`
		Quantity   string `json:"quantity"`
		Hint       string `json:"hint,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	side, err := lx.ParseSide(p.Side)
	if err != nil {
		return nil, err
	}
	price, err := fixedpoint.ParsePrice(p.Price)
	if err != nil {
		return nil, invalidParam("price", err)
	}
	qty, err := s.amount(p.Instrument, p.Quantity, "quantity")
	if err != nil {
		return nil, err
	}
	var opts lx.PlaceOptions
	if p.Hint != "" {
		hint, err := fixedpoint.ParsePrice(p.Hint)
		if err != nil {
			return nil, invalidParam("hint", err)
		}
		opts.Hint = *hint
	}

	id, err := s.exchange.PlaceLimit(ctx, p.Trader, p.Instrument, side, price, qty, opts)
	if err != nil {
		return nil, err
	}
	o, _ := s.exchange.Order(id)
	return s.orderView(&o), nil
}

func (s *JSONRPCServer) placeMarket(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader     string `json:"trader"`
		Instrument string `json:"instrument"`
		Side       string `json:"side"`
		Amount     string `json:"amount"`
		MinOut     string `json:"minOut,omitempty"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	side, err := lx.ParseSide(p.Side)
	if err != nil {
		return nil, err
	}
	// buys spend quote and receive base, sells the reverse
	quote := s.exchange.Config().QuoteAsset
	spend, receive := quote, p.Instrument
	if side == lx.Sell {
		spend, receive = p.Instrument, quote
	}
	amount, err := s.amount(spend, p.Amount, "amount")
	if err != nil {
		return nil, err
	}
	var minOut *uint256.Int
	if p.MinOut != "" {
		if minOut, err = s.amount(receive, p.MinOut, "minOut"); err != nil {
			return nil, err
		}
	}

	res, err := s.exchange.PlaceMarket(ctx, p.Trader, p.Instrument, side, amount, minOut)
	if err != nil {
		return nil, err
	}
	baseDec, _ := s.exchange.DecimalsOf(p.Instrument)
	return map[string]interface{}{
		"filled":       fixedpoint.FormatAmount(&res.Filled, baseDec),
		"counterValue": fixedpoint.FormatAmount(&res.CounterValue, s.exchange.Config().QuoteDecimals),
		"trades":       res.Trades,
	}, nil
}

func (s *JSONRPCServer) cancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader  string `json:"trader"`
		OrderID string `json:"orderId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, err := lx.ParseOrderID(p.OrderID)
	if err != nil {
		return nil, invalidParam("orderId", err)
	}
	if err := s.exchange.Cancel(ctx, p.Trader, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"orderId": id.String(),
		"status":  lx.StatusCancelled.String(),
	}, nil
}

func (s *JSONRPCServer) getOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderID string `json:"orderId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id, err := lx.ParseOrderID(p.OrderID)
	if err != nil {
		return nil, invalidParam("orderId", err)
	}
	o, ok := s.exchange.Order(id)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "Order not found"}
	}
	return s.orderView(&o), nil
}

func (s *JSONRPCServer) openOrders(params json.RawMessage) (interface{}, error) {
	var p struct {
		Trader     string `json:"trader"`
		Instrument string `json:"instrument"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	orders, err := s.exchange.OpenOrders(p.Trader, p.Instrument)
	if err != nil {
		return nil, err
	}
	views := make([]OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, s.orderView(&orders[i]))
	}
	return views, nil
}

func (s *JSONRPCServer) depth(params json.RawMessage) (interface{}, error) {
	var p struct {
		Instrument string `json:"instrument"`
		Depth      int    `json:"depth"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Depth < 0 || p.Depth > maxDepth {
		return nil, invalidParam("depth", fmt.Errorf("must be within 0..%d", maxDepth))
	}
	bids, asks, err := s.exchange.Depth(p.Instrument, p.Depth)
	if err != nil {
		return nil, err
	}
	last, err := s.exchange.LastPrice(p.Instrument)
	if err != nil {
		return nil, err
	}
	d, _ := s.exchange.DecimalsOf(p.Instrument)
	return map[string]interface{}{
		"instrument": p.Instrument,
		"bids":       levelViews(bids, d),
		"asks":       levelViews(asks, d),
		"lastPrice":  fixedpoint.FormatPrice(last),
		"sequence":   s.exchange.Sequence(),
	}, nil
}

func (s *JSONRPCServer) lastPrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Instrument string `json:"instrument"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	last, err := s.exchange.LastPrice(p.Instrument)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"instrument": p.Instrument,
		"price":      fixedpoint.FormatPrice(last),
	}, nil
}

func (s *JSONRPCServer) instruments() (interface{}, error) {
	cfg := s.exchange.Config()
	list := s.exchange.Instruments()
	out := make([]map[string]interface{}, 0, len(list))
	for _, in := range list {
		out = append(out, map[string]interface{}{"asset": in.Asset, "decimals": in.Decimals})
	}
	return map[string]interface{}{
		"quote":       map[string]interface{}{"asset": cfg.QuoteAsset, "decimals": cfg.QuoteDecimals},
		"instruments": out,
	}, nil
}

// OrderView is the RPC form of an order.
type OrderView struct {
	ID         string `json:"orderId"`
	Trader     string `json:"trader"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Filled     string `json:"filled"`
	Remaining  string `json:"remaining"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *JSONRPCServer) orderView(o *lx.Order) OrderView {
	d, _ := s.exchange.DecimalsOf(o.Instrument)
	return OrderView{
		ID:         o.ID.String(),
		Trader:     o.Trader,
		Instrument: o.Instrument,
		Side:       o.Side.String(),
		Price:      fixedpoint.FormatPrice(&o.Price),
		Quantity:   fixedpoint.FormatAmount(&o.Quantity, d),
		Filled:     fixedpoint.FormatAmount(&o.Filled, d),
		Remaining:  fixedpoint.FormatAmount(o.Remaining(), d),
		Status:     o.Status.String(),
		Timestamp:  o.Timestamp.UnixNano(),
	}
}

// LevelView is the RPC form of a price level.
type LevelView struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count uint64 `json:"count"`
}

// levelViews keeps the engine's fixed-size form: empty slots are zero levels.
func levelViews(levels []lx.PriceLevel, decimals uint8) []LevelView {
	out := make([]LevelView, len(levels))
	for i := range levels {
		out[i] = LevelView{
			Price: fixedpoint.FormatPrice(&levels[i].Price),
			Size:  fixedpoint.FormatAmount(&levels[i].Size, decimals),
			Count: levels[i].Count,
		}
	}
	return out
}
