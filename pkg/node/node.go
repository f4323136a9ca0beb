// Package node assembles the exchange engine with its persistence, event
// sinks and network surfaces.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luxfi/lob/pkg/api"
	"github.com/luxfi/lob/pkg/feed"
	"github.com/luxfi/lob/pkg/lx"
	"github.com/luxfi/lob/pkg/metrics"
	"github.com/luxfi/lob/pkg/outbox"
	"github.com/luxfi/lob/pkg/state"
	"github.com/luxfi/lob/pkg/websocket"
)

// HealthService is the gRPC health service name reported by the node.
const HealthService = "lob.Exchange"

// OpenDatabase opens the state database under dataDir. The "badgerdb"
// backend falls back to memory when it cannot be opened.
func OpenDatabase(dataDir, backend string, logger log.Logger) (database.Database, error) {
	dbManager := manager.NewManager(dataDir, nil)
	if backend == "memdb" {
		return dbManager.New(manager.DefaultMemoryConfig())
	}

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "lob"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
		return db, nil
	}
	logger.Info("BadgerDB initialized", "path", filepath.Join(dataDir, "badgerdb"))
	return db, nil
}

// Option customizes a node.
type Option func(*Node)

// WithProducer supplies the Kafka producer instead of dialing
// Config.KafkaBrokers.
func WithProducer(p sarama.SyncProducer) Option {
	return func(n *Node) {
		n.producer = p
	}
}

// WithNATS supplies the NATS connection instead of dialing Config.NATSURL.
func WithNATS(conn feed.Conn) Option {
	return func(n *Node) {
		n.natsConn = conn
	}
}

// Node owns one engine and everything around it.
type Node struct {
	cfg    Config
	logger log.Logger

	engine  *lx.Engine
	custody lx.Custody
	store   *state.Store
	metrics *metrics.Metrics
	ws      *websocket.Server

	natsConn    feed.Conn
	natsClose   func()
	producer    sarama.SyncProducer
	outbox      *outbox.Outbox
	broadcaster *outbox.Broadcaster
	publishers  lx.Publishers

	health    *health.Server
	grpc      *grpc.Server
	servers   []*http.Server
	listeners map[string]net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node over db. The engine is restored from the latest stored
// snapshot when there is one.
func New(cfg Config, db database.Database, custody lx.Custody, logger log.Logger, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root().New("module", "node")
	}
	n := &Node{
		cfg:       cfg,
		logger:    logger,
		custody:   custody,
		store:     state.NewStore(db, cfg.SnapshotKeep, logger.New("module", "state")),
		metrics:   metrics.New(cfg.MetricsNamespace, logger.New("module", "metrics")),
		health:    health.NewServer(),
		listeners: make(map[string]net.Listener),
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := n.openSinks(); err != nil {
		n.closeSinks()
		return nil, err
	}

	// the websocket hub reads from the engine, so publishers are bound late
	engineOpts := []lx.Option{
		lx.WithRecorder(n.metrics),
		lx.WithPublisher(lx.PublisherFunc(func(e lx.Event) error {
			return n.publishers.Publish(e)
		})),
	}
	if n.outbox != nil {
		// events committed after the latest snapshot already hold outbox sequences
		engineOpts = append(engineOpts, lx.WithSequence(n.outbox.LastSequence()))
	}
	engine, err := n.loadEngine(engineOpts)
	if err != nil {
		n.closeSinks()
		return nil, err
	}
	n.engine = engine

	n.ws = websocket.NewServer(engine, logger.New("module", "websocket"), websocket.DefaultConfig(), n.metrics)
	n.publishers = append(n.publishers, n.metrics, n.ws)
	if n.natsConn != nil {
		n.publishers = append(n.publishers, feed.NewPublisher(n.natsConn, cfg.NATSPrefix, logger.New("module", "feed"), n.metrics))
	}
	if n.outbox != nil {
		n.publishers = append(n.publishers, n.outbox)
	}
	return n, nil
}

func (n *Node) openSinks() error {
	if n.natsConn == nil && n.cfg.NATSURL != "" {
		conn, err := feed.Connect(n.cfg.NATSURL, "lob", n.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		n.natsConn = conn
		n.natsClose = conn.Close
	}

	if n.producer == nil && len(n.cfg.KafkaBrokers) > 0 {
		p, err := outbox.NewProducer(n.cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		n.producer = p
	}
	if n.producer != nil {
		if n.cfg.OutboxDir == "" {
			return errors.New("outboxDir is required with a kafka producer")
		}
		o, err := outbox.Open(n.cfg.OutboxDir, nil, n.logger.New("module", "outbox"))
		if err != nil {
			return err
		}
		n.outbox = o
		n.broadcaster = outbox.NewBroadcaster(o, n.producer, n.cfg.KafkaTopic, n.logger.New("module", "broadcaster"), n.metrics)
	}
	return nil
}

func (n *Node) loadEngine(opts []lx.Option) (*lx.Engine, error) {
	snap, err := n.store.Latest()
	if errors.Is(err, state.ErrNoSnapshot) {
		n.logger.Info("No previous state found, starting fresh")
		return lx.NewEngine(n.cfg.Engine, n.custody, n.logger.New("module", "engine"), opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	engine, err := lx.Restore(snap, n.cfg.Engine, n.custody, n.logger.New("module", "engine"), opts...)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
	}
	n.logger.Info("Restored state", "sequence", snap.Sequence, "instruments", len(snap.Instruments), "orders", len(snap.Orders))
	return engine, nil
}

// Engine returns the node's engine.
func (n *Node) Engine() *lx.Engine {
	return n.engine
}

// Metrics returns the node's metrics.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Addr returns the bound address of a started listener: "http", "ws" or
// "grpc".
func (n *Node) Addr(name string) string {
	if l, ok := n.listeners[name]; ok {
		return l.Addr().String()
	}
	return ""
}

// Handler serves JSON-RPC on /, Prometheus on /metrics and a JSON health
// probe on /health.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", api.NewJSONRPCServer(n.engine, n.logger.New("module", "api")))
	mux.Handle("/metrics", n.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp, err := n.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			http.Error(w, "not serving", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","sequence":%d}`, n.engine.Sequence())
	})
	return mux
}

func (n *Node) listen(name, addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	n.listeners[name] = l
	return l, nil
}

func (n *Node) serveHTTP(name string, l net.Listener, h http.Handler) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	n.servers = append(n.servers, srv)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.logger.Info("Server started", "server", name, "addr", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("Server error", "server", name, "error", err)
		}
	}()
}

// Start binds the listeners and starts the background loops.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	if n.cfg.HTTPAddr != "" {
		l, err := n.listen("http", n.cfg.HTTPAddr)
		if err != nil {
			n.Shutdown()
			return err
		}
		n.serveHTTP("http", l, n.Handler())
	}
	if n.cfg.WSAddr != "" {
		l, err := n.listen("ws", n.cfg.WSAddr)
		if err != nil {
			n.Shutdown()
			return err
		}
		n.serveHTTP("websocket", l, n.ws.Handler())
	}
	if n.cfg.GRPCAddr != "" {
		l, err := n.listen("grpc", n.cfg.GRPCAddr)
		if err != nil {
			n.Shutdown()
			return err
		}
		n.grpc = grpc.NewServer()
		healthpb.RegisterHealthServer(n.grpc, n.health)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.logger.Info("Server started", "server", "grpc", "addr", l.Addr().String())
			if err := n.grpc.Serve(l); err != nil {
				n.logger.Error("Server error", "server", "grpc", "error", err)
			}
		}()
	}

	n.spawn(func() { n.ws.Run(ctx) })
	if every := time.Duration(n.cfg.MetricsEvery); every > 0 {
		n.spawn(func() { n.metrics.Collect(ctx, n.engine, every) })
	}
	if every := time.Duration(n.cfg.SnapshotEvery); every > 0 {
		n.spawn(func() { n.runSnapshots(ctx, every) })
	}
	if n.broadcaster != nil {
		every := time.Duration(n.cfg.DrainEvery)
		if every <= 0 {
			every = 250 * time.Millisecond
		}
		n.spawn(func() { n.broadcaster.Run(ctx, every) })
	}

	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	n.logger.Info("Node started", "sequence", n.engine.Sequence(), "instruments", len(n.engine.Instruments()))
	return nil
}

func (n *Node) spawn(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) runSnapshots(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.SaveSnapshot(); err != nil {
				n.logger.Error("Failed to save snapshot", "error", err)
			}
		}
	}
}

// SaveSnapshot persists the current engine state. It reports false when
// nothing changed since the last snapshot.
func (n *Node) SaveSnapshot() (bool, error) {
	start := time.Now()
	snap := n.engine.Snapshot()
	saved, err := n.store.Save(snap)
	if err != nil || !saved {
		return false, err
	}
	n.metrics.RecordSnapshot(snap.Sequence, time.Since(start))
	n.logger.Debug("Snapshot saved", "sequence", snap.Sequence, "took", time.Since(start))
	return true, nil
}

// Shutdown stops serving, waits for the background loops and writes a final
// snapshot. It does not close the database passed to New.
func (n *Node) Shutdown() {
	n.logger.Info("Shutting down node")
	n.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range n.servers {
		if err := srv.Shutdown(ctx); err != nil {
			n.logger.Warn("Server shutdown", "error", err)
		}
	}
	if n.grpc != nil {
		n.grpc.GracefulStop()
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if _, err := n.SaveSnapshot(); err != nil {
		n.logger.Error("Failed to save final snapshot", "error", err)
	}
	if n.broadcaster != nil {
		if _, err := n.broadcaster.DrainOnce(context.Background()); err != nil {
			n.logger.Warn("Final outbox drain failed", "error", err)
		}
	}
	n.closeSinks()
	n.logger.Info("Node shutdown complete")
}

func (n *Node) closeSinks() {
	if n.broadcaster != nil {
		if err := n.broadcaster.Close(); err != nil {
			n.logger.Warn("Failed to close producer", "error", err)
		}
	} else if n.producer != nil {
		n.producer.Close()
	}
	if n.outbox != nil {
		if err := n.outbox.Close(); err != nil {
			n.logger.Warn("Failed to close outbox", "error", err)
		}
	}
	if n.natsClose != nil {
		n.natsClose()
	}
}
