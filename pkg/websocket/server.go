// Package websocket streams committed exchange events to subscribed clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/lob/pkg/lx"
)

// ErrBackpressure is returned by Publish when the broadcast queue is full
// and the event was dropped.
var ErrBackpressure = errors.New("websocket broadcast queue full")

// BookSource is the read side of the engine used for book channels.
type BookSource interface {
	Depth(instrument string, topN int) (bids, asks []lx.PriceLevel, err error)
	LastPrice(instrument string) (*uint256.Int, error)
}

// SinkRecorder observes publish outcomes and client counts.
type SinkRecorder interface {
	RecordSink(sink string, err error)
	SetWebsocketClients(n int)
}

// Server fans engine events out to websocket clients. Event channels are
// named <type>.<instrument> (deposits and withdrawals use the asset); book
// channels book.<instrument> carry depth snapshots refreshed after every
// event that changes the book.
type Server struct {
	book     BookSource
	logger   log.Logger
	config   Config
	recorder SinkRecorder
	upgrader websocket.Upgrader

	// Client management
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan lx.Event

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	clientCount int32
	nextID      uint64
}

// Client is one websocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.Mutex
}

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// request is a client frame.
type request struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Level is one aggregated price level on the wire.
type Level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count uint64 `json:"count"`
}

// BookUpdate is the payload of book channels. Unlike lx_depth it lists only
// populated levels.
type BookUpdate struct {
	Instrument string  `json:"instrument"`
	Bids       []Level `json:"bids"`
	Asks       []Level `json:"asks"`
	LastPrice  string  `json:"lastPrice"`
}

// Config holds websocket server configuration.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	QueueSize       int
	ClientBuffer    int
	BookDepth       int
}

// DefaultConfig returns default websocket configuration.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		QueueSize:       4096,
		ClientBuffer:    256,
		BookDepth:       20,
	}
}

// NewServer creates a server. Run must be started before clients connect.
func NewServer(book BookSource, logger log.Logger, config Config, recorder SinkRecorder) *Server {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	return &Server{
		book:     book,
		logger:   logger,
		config:   config,
		recorder: recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan lx.Event, config.QueueSize),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Publish implements lx.Publisher. It never blocks: when the queue is full
// the event is dropped for websocket clients.
func (s *Server) Publish(e lx.Event) error {
	var err error
	select {
	case s.broadcast <- e:
	default:
		atomic.AddUint64(&s.dropped, 1)
		err = ErrBackpressure
	}
	if s.recorder != nil {
		s.recorder.RecordSink("websocket", err)
	}
	return err
}

// Run routes messages until ctx is done, then disconnects every client.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for client := range s.clients {
				s.removeClient(client)
			}
			return

		case client := <-s.register:
			s.clients[client] = true
			s.updateClients(1)
			s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.removeClient(client)

		case e := <-s.broadcast:
			s.broadcastEvent(e)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

func (s *Server) updateClients(delta int32) {
	n := atomic.AddInt32(&s.clientCount, delta)
	if s.recorder != nil {
		s.recorder.SetWebsocketClients(int(n))
	}
}

// removeClient runs on the hub goroutine only.
func (s *Server) removeClient(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	client.close()
	s.unsubscribeAll(client)
	s.updateClients(-1)
	s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       fmt.Sprintf("client-%d", atomic.AddUint64(&s.nextID, 1)),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.ClientBuffer),
		channels: make(map[string]bool),
	}
	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().UnixNano(),
	})
	s.register <- client

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

// Stats returns server statistics.
func (s *Server) Stats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"status":        "healthy",
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var req request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleRequest(req)
	}
}

func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req request) {
	switch req.Type {
	case "subscribe":
		for _, channel := range req.Channels {
			c.mu.Lock()
			c.channels[channel] = true
			c.mu.Unlock()
			c.server.subscribe(channel, c)

			if instrument, ok := strings.CutPrefix(channel, "book."); ok {
				if update, err := c.server.bookUpdate(instrument); err == nil {
					c.sendMessage(Message{Type: "book", Channel: channel, Data: update, Timestamp: time.Now().UnixNano()})
				} else {
					c.sendError(err.Error())
				}
			}
		}
		c.sendMessage(Message{
			Type:      "subscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().UnixNano(),
		})

	case "unsubscribe":
		for _, channel := range req.Channels {
			c.mu.Lock()
			delete(c.channels, channel)
			c.mu.Unlock()
			c.server.unsubscribe(channel, c)
		}
		c.sendMessage(Message{
			Type:      "unsubscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().UnixNano(),
		})

	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().UnixNano()})

	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// enqueue hands data to the write pump without blocking. It reports false
// when the client is closed or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	if !c.enqueue(data) {
		c.server.logger.Debug("Dropped reply to slow client", "id", c.id, "type", msg.Type)
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().UnixNano(),
	})
}

func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) subscribers(channel string) []*Client {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	out := make([]*Client, 0, len(s.subscriptions[channel]))
	for c := range s.subscriptions[channel] {
		out = append(out, c)
	}
	return out
}

// EventChannel returns the channel an event is broadcast on.
func EventChannel(e lx.Event) string {
	inst := e.Instrument
	if inst == "" {
		inst = e.Asset
	}
	return string(e.Type) + "." + inst
}

func changesBook(t lx.EventType) bool {
	return t == lx.EventOrderPlaced || t == lx.EventOrderCancelled || t == lx.EventTrade
}

// broadcastEvent runs on the hub goroutine.
func (s *Server) broadcastEvent(e lx.Event) {
	channel := EventChannel(e)
	s.deliver(channel, Message{Type: string(e.Type), Channel: channel, Data: e, Timestamp: e.Timestamp.UnixNano(), Sequence: e.Sequence})

	if !changesBook(e.Type) {
		return
	}
	bookChannel := "book." + e.Instrument
	if len(s.subscribers(bookChannel)) == 0 {
		return
	}
	update, err := s.bookUpdate(e.Instrument)
	if err != nil {
		s.logger.Warn("Failed to read book", "instrument", e.Instrument, "error", err)
		return
	}
	s.deliver(bookChannel, Message{Type: "book", Channel: bookChannel, Data: update, Timestamp: e.Timestamp.UnixNano(), Sequence: e.Sequence})
}

func (s *Server) deliver(channel string, msg Message) {
	clients := s.subscribers(channel)
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}
	for _, client := range clients {
		if !client.enqueue(data) {
			s.logger.Warn("Disconnecting slow client", "id", client.id)
			s.removeClient(client)
		}
	}
}

func (s *Server) bookUpdate(instrument string) (*BookUpdate, error) {
	bids, asks, err := s.book.Depth(instrument, s.config.BookDepth)
	if err != nil {
		return nil, err
	}
	last, err := s.book.LastPrice(instrument)
	if err != nil {
		return nil, err
	}
	return &BookUpdate{
		Instrument: instrument,
		Bids:       wireLevels(bids),
		Asks:       wireLevels(asks),
		LastPrice:  last.Dec(),
	}, nil
}

func wireLevels(levels []lx.PriceLevel) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Price.IsZero() {
			break
		}
		out = append(out, Level{Price: l.Price.Dec(), Size: l.Size.Dec(), Count: l.Count})
	}
	return out
}
