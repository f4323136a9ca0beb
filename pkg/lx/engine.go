package lx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/lob/pkg/fixedpoint"
)

// Config configures an Engine.
type Config struct {
	// QuoteAsset is the single asset every price is denominated in.
	QuoteAsset    string `json:"quoteAsset"`
	QuoteDecimals uint8  `json:"quoteDecimals"`
	// Admin is the only caller allowed to register instruments.
	Admin string `json:"admin"`
	// MaxMatchesPerCall bounds the trades one call may execute. 0 is unbounded.
	MaxMatchesPerCall int `json:"maxMatchesPerCall"`
	// MaxLevelHops bounds the price level scan of an insertion. 0 is unbounded.
	MaxLevelHops int `json:"maxLevelHops"`
	// MinNotional rejects limit orders worth less than this many quote units
	// at their limit price. 0 disables the check.
	MinNotional uint64 `json:"minNotional"`
}

// DefaultConfig returns the configuration of a USDC quoted exchange.
func DefaultConfig() Config {
	return Config{
		QuoteAsset:        "USDC",
		QuoteDecimals:     6,
		Admin:             "admin",
		MaxMatchesPerCall: 0,
		MaxLevelHops:      1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QuoteAsset == "" {
		return fmt.Errorf("%w: empty quote asset", ErrInvalidInput)
	}
	if !fixedpoint.ValidDecimals(c.QuoteDecimals) {
		return fmt.Errorf("%w: quote %d", ErrInvalidDecimals, c.QuoteDecimals)
	}
	if c.Admin == "" {
		return fmt.Errorf("%w: empty admin", ErrInvalidInput)
	}
	if c.MaxMatchesPerCall < 0 || c.MaxLevelHops < 0 {
		return fmt.Errorf("%w: negative bound", ErrInvalidInput)
	}
	return nil
}

// Recorder observes completed operations.
type Recorder interface {
	ObserveOperation(op string, took time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, time.Duration, error) {}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the sink for committed events.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithRecorder sets the operation recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithClock overrides the time source used for order timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSequence numbers the first committed event seq+1. Restore keeps the
// larger of seq and the snapshot's sequence.
func WithSequence(seq uint64) Option {
	return func(e *Engine) {
		e.seq = seq
	}
}

// WithHasher overrides the order id hash.
func WithHasher(h Hasher) Option {
	return func(e *Engine) {
		e.hasher = h
	}
}

// Engine is the exchange: ledger, order store, one book per instrument and
// the instrument registry. Every mutating call is a single atomic unit: it
// holds the engine lock for its whole duration and any failure reverts every
// change it made.
type Engine struct {
	cfg     Config
	custody Custody
	log     log.Logger

	mu       sync.RWMutex
	j        *journal
	ledger   *Ledger
	orders   *OrderStore
	registry *Registry
	books    map[string]*Book

	seq       uint64
	pending   []Event
	publisher Publisher
	recorder  Recorder
	now       func() time.Time
	hasher    Hasher
}

// NewEngine creates an empty exchange.
func NewEngine(cfg Config, custody Custody, logger log.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if custody == nil {
		return nil, errors.New("custody is required")
	}
	if logger == nil {
		logger = log.Root().New("module", "lx")
	}

	e := &Engine{
		cfg:      cfg,
		custody:  custody,
		log:      logger,
		j:        newJournal(),
		books:    make(map[string]*Book),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = newLedger(e.j)
	e.orders = newOrderStore(e.j, e.hasher)
	e.registry = newRegistry(cfg.Admin, Instrument{Asset: cfg.QuoteAsset, Decimals: cfg.QuoteDecimals}, e.j)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// execute runs fn as one transaction.
func (e *Engine) execute(ctx context.Context, op string, fn func() error) (err error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.seq
	defer func() {
		if r := recover(); r != nil {
			e.rollback(seq)
			e.log.Error("Operation panicked, state reverted", "op", op, "panic", r)
			panic(r)
		}
		e.recorder.ObserveOperation(op, time.Since(start), err)
	}()

	if err = fn(); err != nil {
		e.rollback(seq)
		if errors.Is(err, ErrInvariantViolation) {
			e.log.Error("Invariant violation, operation reverted", "op", op, "err", err)
		} else {
			e.log.Debug("Operation rejected", "op", op, "err", err)
		}
		return err
	}

	e.j.commit()
	e.flush()
	return nil
}

func (e *Engine) rollback(seq uint64) {
	e.j.revert()
	e.seq = seq
	clear(e.pending)
	e.pending = e.pending[:0]
}

// emit buffers an event until the enclosing operation commits.
func (e *Engine) emit(ev Event) {
	e.seq++
	ev.Sequence = e.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.pending = append(e.pending, ev)
}

func (e *Engine) flush() {
	if e.publisher != nil {
		for _, ev := range e.pending {
			if err := e.publisher.Publish(ev); err != nil {
				e.log.Warn("Failed to publish event", "seq", ev.Sequence, "type", ev.Type, "err", err)
			}
		}
	}
	clear(e.pending)
	e.pending = e.pending[:0]
}

func (e *Engine) book(instrument string) (*Book, error) {
	b, ok := e.books[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedInstrument, instrument)
	}
	return b, nil
}

// decimalsOf resolves the precision of the quote asset or an instrument.
func (e *Engine) decimalsOf(asset string) (uint8, error) {
	d, ok := e.registry.DecimalsOf(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInstrument, asset)
	}
	return d, nil
}

// RegisterInstrument lists asset against the quote asset. It reports false
// when the asset was already listed, which is not an error.
func (e *Engine) RegisterInstrument(ctx context.Context, caller, asset string, decimals uint8) (bool, error) {
	var added bool
	err := e.execute(ctx, "register", func() error {
		var err error
		added, err = e.registry.register(caller, asset, decimals)
		if err != nil || !added {
			return err
		}
		in := Instrument{Asset: asset, Decimals: decimals}
		e.books[asset] = newBook(in, e.orders, e.j, e.cfg.MaxLevelHops)
		e.j.record(func() { delete(e.books, asset) })
		e.emit(Event{Type: EventInstrumentRegistered, Instrument: asset, Asset: asset})
		e.log.Info("Registered instrument", "asset", asset, "decimals", decimals)
		return nil
	})
	return added && err == nil, err
}

func validAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit pulls amount of asset from the trader into the exchange and credits
// the trader's available balance.
func (e *Engine) Deposit(ctx context.Context, trader, asset string, amount *uint256.Int) error {
	return e.execute(ctx, "deposit", func() error {
		if err := validAmount(amount); err != nil {
			return err
		}
		if _, err := e.decimalsOf(asset); err != nil {
			return err
		}
		if err := e.custody.TransferIn(ctx, trader, asset, amount); err != nil {
			return transferError("deposit", err)
		}
		if err := e.credit(trader, asset, amount); err != nil {
			if rerr := e.custody.TransferOut(ctx, trader, asset, amount); rerr != nil {
				e.log.Error("Failed to return deposit after credit failure", "trader", trader, "asset", asset, "amount", amount.Dec(), "err", rerr)
			}
			return err
		}
		e.emit(Event{Type: EventDeposit, Asset: asset, Trader: trader, Amount: *amount})
		return nil
	})
}

// Withdraw debits the trader's available balance and pushes amount of asset
// back to the trader.
func (e *Engine) Withdraw(ctx context.Context, trader, asset string, amount *uint256.Int) error {
	return e.execute(ctx, "withdraw", func() error {
		if err := validAmount(amount); err != nil {
			return err
		}
		if _, err := e.decimalsOf(asset); err != nil {
			return err
		}
		var err error
		if asset == e.cfg.QuoteAsset {
			err = e.ledger.ReserveQuote(trader, amount)
		} else {
			err = e.ledger.ReserveBase(trader, asset, amount)
		}
		if err != nil {
			return err
		}
		if err := e.custody.TransferOut(ctx, trader, asset, amount); err != nil {
			return transferError("withdraw", err)
		}
		e.emit(Event{Type: EventWithdrawal, Asset: asset, Trader: trader, Amount: *amount})
		return nil
	})
}

func (e *Engine) credit(trader, asset string, amount *uint256.Int) error {
	if asset == e.cfg.QuoteAsset {
		return e.ledger.ReleaseQuote(trader, amount)
	}
	return e.ledger.ReleaseBase(trader, asset, amount)
}

func transferError(op string, err error) error {
	if errors.Is(err, ErrTransferFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransferFailed, err)
}

// PlaceLimit rests a limit order on the book and matches it against the
// opposite side. It returns the new order id.
func (e *Engine) PlaceLimit(ctx context.Context, trader, instrument string, side Side, price, quantity *uint256.Int, opts PlaceOptions) (OrderID, error) {
	var id OrderID
	err := e.execute(ctx, "place_limit", func() error {
		o, err := e.placeLimit(trader, instrument, side, price, quantity, &opts)
		if err != nil {
			return err
		}
		id = o.ID
		return nil
	})
	if err != nil {
		return OrderID{}, err
	}
	return id, nil
}

func (e *Engine) placeLimit(trader, instrument string, side Side, price, quantity *uint256.Int, opts *PlaceOptions) (*Order, error) {
	book, err := e.book(instrument)
	if err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if price == nil || price.IsZero() {
		return nil, ErrInvalidPrice
	}
	if err := validAmount(quantity); err != nil {
		return nil, err
	}

	notional, err := fixedpoint.QuoteForBase(quantity, price, book.Instrument.Decimals, e.cfg.QuoteDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: notional: %v", ErrInvalidAmount, err)
	}
	if side == Buy && notional.IsZero() {
		return nil, fmt.Errorf("%w: cost rounds to zero", ErrInvalidAmount)
	}
	if e.cfg.MinNotional > 0 && notional.LtUint64(e.cfg.MinNotional) {
		return nil, fmt.Errorf("%w: %s < %d", ErrDustOrder, notional.Dec(), e.cfg.MinNotional)
	}

	reserved := quantity
	if side == Buy {
		reserved = notional
		err = e.ledger.ReserveQuote(trader, notional)
	} else {
		err = e.ledger.ReserveBase(trader, instrument, quantity)
	}
	if err != nil {
		return nil, err
	}

	o, err := e.orders.create(trader, instrument, side, price, quantity, reserved, e.now())
	if err != nil {
		return nil, err
	}
	bs := book.side(side)
	l, err := bs.ensureLevel(price, &opts.Hint)
	if err != nil {
		return nil, err
	}
	if err := bs.appendOrder(l, o); err != nil {
		return nil, err
	}
	e.emit(Event{
		Type:       EventOrderPlaced,
		Timestamp:  o.Timestamp,
		Instrument: instrument,
		Trader:     trader,
		OrderID:    o.ID,
		Side:       side,
		Price:      o.Price,
		Quantity:   o.Quantity,
	})

	if _, err := e.matchBook(book, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel withdraws an active order and returns its remaining reservation.
func (e *Engine) Cancel(ctx context.Context, trader string, id OrderID) error {
	return e.execute(ctx, "cancel", func() error {
		o := e.orders.Get(id)
		if o == nil || !o.Active() {
			return fmt.Errorf("cancel %s: %w", id, ErrNotActive)
		}
		if o.Trader != trader {
			return fmt.Errorf("cancel %s: %w", id, ErrNotOwner)
		}
		book, err := e.book(o.Instrument)
		if err != nil {
			return err
		}

		remaining := o.Remaining()
		if err := book.side(o.Side).removeOrder(o); err != nil {
			return err
		}
		if err := e.retire(o, StatusCancelled); err != nil {
			return err
		}
		e.emit(Event{
			Type:       EventOrderCancelled,
			Instrument: o.Instrument,
			Trader:     trader,
			OrderID:    id,
			Side:       o.Side,
			Price:      o.Price,
			Quantity:   *remaining,
		})
		return nil
	})
}

// retire releases whatever o still reserves and marks it terminal. o must
// already be detached from its level.
func (e *Engine) retire(o *Order, status OrderStatus) error {
	e.orders.touch(o)
	reserved := o.Reserved
	o.Reserved.Clear()
	e.orders.markInactive(o, status)

	if o.Side == Buy {
		return e.ledger.ReleaseQuote(o.Trader, &reserved)
	}
	return e.ledger.ReleaseBase(o.Trader, o.Instrument, &reserved)
}
