// Package realtime keeps an owner's ledger snapshot in step with the
// record store: it subscribes to the change feed, re-fetches the full
// list on every signal and pushes the result to registered observers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"taxledger/internal/core"
	"taxledger/internal/ledger"
	"taxledger/internal/log"
	"taxledger/internal/store"
)

var (
	// ErrStale wraps a failed re-fetch. Observers keep the previous snapshot.
	ErrStale = errors.New("snapshot is stale")
	// ErrChannelDropped is reported when the change feed ends and the
	// reconnect policy gives up.
	ErrChannelDropped = errors.New("change feed dropped")
	// ErrStopped is returned by Register on a stopped controller.
	ErrStopped = errors.New("controller stopped")
)

// State is the lifecycle position of a Controller.
type State int

const (
	Idle State = iota
	Subscribing
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fetcher lists an owner's records. *ledger.Ledger implements it.
type Fetcher interface {
	List(ctx context.Context, sess ledger.Session) ([]core.ExpenseRecord, error)
}

// Observer receives snapshots and sync errors. Calls are serialized per
// controller. Observers must not call Register from inside a callback.
type Observer interface {
	OnSnapshot(records []core.ExpenseRecord)
	OnError(err error)
}

// ObserverFuncs adapts a pair of functions to Observer. Nil funcs are
// skipped.
type ObserverFuncs struct {
	Snapshot func([]core.ExpenseRecord)
	Error    func(error)
}

func (o ObserverFuncs) OnSnapshot(records []core.ExpenseRecord) {
	if o.Snapshot != nil {
		o.Snapshot(records)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Config tunes a Controller.
type Config struct {
	// FetchTimeout bounds each re-fetch. Zero means no limit.
	FetchTimeout time.Duration
	// Reconnect decides what happens when the change feed drops.
	// Nil means NoReconnect.
	Reconnect ReconnectPolicy
	Logger    *log.Logger
}

type registration struct {
	id  int
	obs Observer
}

// Controller owns one owner's change subscription and snapshot.
type Controller struct {
	fetcher Fetcher
	feed    store.Changes
	sess    ledger.Session
	cfg     Config
	logger  *log.Logger

	// deliverMu serializes observer callbacks.
	deliverMu sync.Mutex

	mu        sync.Mutex
	state     State
	observers []registration
	nextID    int
	ctx       context.Context
	cancel    context.CancelFunc
	sub       store.Subscription
	snapshot  []core.ExpenseRecord
	hasSnap   bool
	triggered uint64
	applied   uint64
}

func NewController(fetcher Fetcher, feed store.Changes, sess ledger.Session, cfg Config) *Controller {
	if cfg.Reconnect == nil {
		cfg.Reconnect = NoReconnect{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		fetcher: fetcher,
		feed:    feed,
		sess:    sess,
		cfg:     cfg,
		logger:  logger.WithComponent(log.ComponentRealtime).With(log.FieldOwnerID, sess.OwnerID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the last successfully fetched list and
// whether one exists yet.
func (c *Controller) Snapshot() ([]core.ExpenseRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.snapshot), c.hasSnap
}

// Register adds obs and returns the function that removes it. The first
// registration starts the subscription. A later one receives the last
// good snapshot right away, if there is one.
func (c *Controller) Register(obs Observer) (func(), error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, registration{id: id, obs: obs})
	start := c.state == Idle
	if start {
		c.state = Subscribing
	}
	snap, has := slices.Clone(c.snapshot), c.hasSnap
	c.mu.Unlock()

	if start {
		c.logger.InfoContext(c.ctx, "Starting change subscription", log.FieldState, Subscribing.String())
		go c.run()
	} else if has {
		obs.OnSnapshot(snap)
	}

	var once sync.Once
	return func() { once.Do(func() { c.unregister(id) }) }, nil
}

func (c *Controller) unregister(id int) {
	c.mu.Lock()
	c.observers = slices.DeleteFunc(c.observers, func(r registration) bool { return r.id == id })
	last := len(c.observers) == 0
	c.mu.Unlock()

	if last {
		c.Stop()
	}
}

// Stop ends the subscription. A stopped controller cannot be restarted.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.state = Stopped
	sub := c.sub
	c.sub = nil
	c.observers = nil
	c.mu.Unlock()

	c.cancel()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.WarnContext(context.Background(), "Unsubscribe failed", log.FieldError, err)
		}
	}
	c.logger.InfoContext(context.Background(), "Controller stopped")
}

// run subscribes, waits for the feed to end and reconnects according to
// the policy until the controller stops.
func (c *Controller) run() {
	ctx := c.ctx
	for {
		sub, err := c.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(fmt.Errorf("%w: subscribe: %w", ErrChannelDropped, err))
			return
		}

		c.mu.Lock()
		if c.state == Stopped {
			c.mu.Unlock()
			_ = sub.Unsubscribe()
			return
		}
		c.sub = sub
		c.state = Active
		c.mu.Unlock()
		c.logger.InfoContext(ctx, "Change subscription active", log.FieldState, Active.String())

		c.refetch()

		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
		}
		if ctx.Err() != nil {
			return
		}

		cause := sub.Err()
		if cause == nil {
			cause = errors.New("feed closed")
		}
		c.logger.WarnContext(ctx, "Change feed dropped", log.FieldError, cause)

		if !c.cfg.Reconnect.Enabled() {
			c.fail(fmt.Errorf("%w: %w", ErrChannelDropped, cause))
			return
		}
		c.mu.Lock()
		if c.state == Stopped {
			c.mu.Unlock()
			return
		}
		c.sub = nil
		c.state = Subscribing
		c.mu.Unlock()
	}
}

// refetch is the change-feed callback. Each call is stamped with a
// sequence number; a result is applied only if nothing newer has been.
func (c *Controller) refetch() {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.triggered++
	seq := c.triggered
	ctx := c.ctx
	c.mu.Unlock()

	go c.fetch(ctx, seq)
}

func (c *Controller) fetch(ctx context.Context, seq uint64) {
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}
	records, err := c.fetcher.List(ctx, c.sess)

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state == Stopped || seq <= c.applied {
		c.mu.Unlock()
		c.logger.DebugContext(ctx, "Discarding superseded fetch", log.FieldSequence, seq)
		return
	}
	observers := slices.Clone(c.observers)
	if err != nil {
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "Re-fetch failed, keeping last snapshot",
			log.FieldSequence, seq,
			log.FieldError, err)
		stale := fmt.Errorf("%w: %w", ErrStale, err)
		for _, r := range observers {
			r.obs.OnError(stale)
		}
		return
	}
	c.applied = seq
	c.snapshot = records
	c.hasSnap = true
	c.mu.Unlock()

	for _, r := range observers {
		r.obs.OnSnapshot(slices.Clone(records))
	}
}

// fail reports a terminal error to every observer and stops.
func (c *Controller) fail(err error) {
	c.deliverMu.Lock()
	c.mu.Lock()
	observers := slices.Clone(c.observers)
	c.mu.Unlock()
	c.logger.ErrorContext(context.Background(), "Sync stopped", log.FieldError, err)
	for _, r := range observers {
		r.obs.OnError(err)
	}
	c.deliverMu.Unlock()

	c.Stop()
}
