package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taxledger/internal/core"
	"taxledger/internal/ledger"
	"taxledger/internal/log"
	"taxledger/internal/store"
	"taxledger/internal/store/memory"
)

const waitFor = 2 * time.Second

// recorder collects everything an observer receives.
type recorder struct {
	snaps chan []core.ExpenseRecord
	errs  chan error
}

func newRecorder() *recorder {
	return &recorder{
		snaps: make(chan []core.ExpenseRecord, 32),
		errs:  make(chan error, 32),
	}
}

func (r *recorder) OnSnapshot(records []core.ExpenseRecord) { r.snaps <- records }
func (r *recorder) OnError(err error)                       { r.errs <- err }

func (r *recorder) nextSnapshot(t *testing.T) []core.ExpenseRecord {
	t.Helper()
	select {
	case s := <-r.snaps:
		return s
	case err := <-r.errs:
		t.Fatalf("expected snapshot, got error %v", err)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case s := <-r.snaps:
		t.Fatalf("expected error, got snapshot of %d", len(s))
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func vendors(records []core.ExpenseRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Vendor
	}
	return out
}

func TestConcurrentSessionWriteReachesEveryObserver(t *testing.T) {
	mem := memory.New()
	l := ledger.New(mem, mem, ledger.WithLogger(log.Discard()))
	alice := ledger.Session{OwnerID: "alice"}
	ctx := context.Background()

	c := NewController(l, mem, alice, Config{Logger: log.Discard()})
	defer c.Stop()

	first, second := newRecorder(), newRecorder()
	if _, err := c.Register(first); err != nil {
		t.Fatal(err)
	}
	if got := first.nextSnapshot(t); len(got) != 0 {
		t.Fatalf("expected empty initial snapshot, got %v", vendors(got))
	}
	if c.State() != Active {
		t.Fatalf("expected active, got %s", c.State())
	}
	if _, err := c.Register(second); err != nil {
		t.Fatal(err)
	}
	if got := second.nextSnapshot(t); len(got) != 0 {
		t.Fatalf("late observer should get the current snapshot, got %v", vendors(got))
	}

	// Another device of the same owner writes through its own ledger.
	other := ledger.New(mem, mem, ledger.WithLogger(log.Discard()))
	rec, err := other.Create(ctx, alice, core.Draft{Vendor: "Bistro", Amount: core.Money{Cents: 4560}, Date: core.NewDate(2025, 3, 1), Category: "meals-entertainment"})
	if err != nil {
		t.Fatal(err)
	}

	for name, r := range map[string]*recorder{"first": first, "second": second} {
		snap := r.nextSnapshot(t)
		if len(snap) != 1 || snap[0].ID != rec.ID || snap[0].DeductibleAmount.Cents != 2280 {
			t.Fatalf("%s observer: unexpected snapshot %+v", name, snap)
		}
	}

	// Writes of another owner do not reach alice's observers.
	if _, err := other.Create(ctx, ledger.Session{OwnerID: "bob"}, core.Draft{Vendor: "Elsewhere", Amount: core.Money{Cents: 1}, Date: core.NewDate(2025, 1, 1)}); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-first.snaps:
		t.Fatalf("unexpected snapshot %v", vendors(s))
	case <-time.After(50 * time.Millisecond):
	}
}

// scriptedFeed hands its callback to the test.
type scriptedFeed struct {
	mu       sync.Mutex
	onChange func()
	subs     []*store.FeedSubscription
	failures int
}

func (f *scriptedFeed) Subscribe(_ context.Context, _ string, onChange func()) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("broker unavailable")
	}
	f.onChange = onChange
	sub := store.NewFeedSubscription(func() error { return nil })
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *scriptedFeed) signal() {
	f.mu.Lock()
	fn := f.onChange
	f.mu.Unlock()
	fn()
}

func (f *scriptedFeed) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fetchResult struct {
	records []core.ExpenseRecord
	err     error
}

// gatedFetcher blocks every List call until the test answers it.
type gatedFetcher struct {
	calls chan chan fetchResult
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{calls: make(chan chan fetchResult, 8)}
}

func (g *gatedFetcher) List(ctx context.Context, _ ledger.Session) ([]core.ExpenseRecord, error) {
	reply := make(chan fetchResult, 1)
	g.calls <- reply
	select {
	case r := <-reply:
		return r.records, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedFetcher) nextCall(t *testing.T) chan fetchResult {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for fetch")
	}
	return nil
}

func records(names ...string) []core.ExpenseRecord {
	out := make([]core.ExpenseRecord, len(names))
	for i, n := range names {
		out[i] = core.ExpenseRecord{ID: n, Vendor: n}
	}
	return out
}

func TestLateFetchResultIsDiscarded(t *testing.T) {
	feed := &scriptedFeed{}
	fetcher := newGatedFetcher()
	c := NewController(fetcher, feed, ledger.Session{OwnerID: "alice"}, Config{Logger: log.Discard()})
	defer c.Stop()

	obs := newRecorder()
	if _, err := c.Register(obs); err != nil {
		t.Fatal(err)
	}
	fetcher.nextCall(t) <- fetchResult{records: records("a")}
	if got := vendors(obs.nextSnapshot(t)); len(got) != 1 {
		t.Fatalf("unexpected initial snapshot %v", got)
	}

	feed.signal()
	older := fetcher.nextCall(t)
	feed.signal()
	newer := fetcher.nextCall(t)

	newer <- fetchResult{records: records("a", "b", "c")}
	if got := obs.nextSnapshot(t); len(got) != 3 {
		t.Fatalf("expected newer snapshot, got %v", vendors(got))
	}
	older <- fetchResult{records: records("a", "b")}

	feed.signal()
	fetcher.nextCall(t) <- fetchResult{records: records("x")}
	if got := vendors(obs.nextSnapshot(t)); len(got) != 1 || got[0] != "x" {
		t.Fatalf("older result leaked through: %v", got)
	}
	snap, ok := c.Snapshot()
	if !ok || len(snap) != 1 || snap[0].ID != "x" {
		t.Fatalf("unexpected stored snapshot %v", vendors(snap))
	}
}

func TestFetchErrorKeepsLastSnapshot(t *testing.T) {
	feed := &scriptedFeed{}
	fetcher := newGatedFetcher()
	c := NewController(fetcher, feed, ledger.Session{OwnerID: "alice"}, Config{Logger: log.Discard()})
	defer c.Stop()

	obs := newRecorder()
	if _, err := c.Register(obs); err != nil {
		t.Fatal(err)
	}
	fetcher.nextCall(t) <- fetchResult{records: records("a", "b")}
	obs.nextSnapshot(t)

	feed.signal()
	fetcher.nextCall(t) <- fetchResult{err: core.StoreError("list expenses", errors.New("timeout"))}
	err := obs.nextError(t)
	if !errors.Is(err, ErrStale) || !errors.Is(err, core.ErrStore) {
		t.Fatalf("expected stale store error, got %v", err)
	}
	snap, ok := c.Snapshot()
	if !ok || len(snap) != 2 {
		t.Fatalf("last good snapshot must be kept, got %v", vendors(snap))
	}
	if c.State() != Active {
		t.Fatalf("subscription should stay up, state %s", c.State())
	}

	// The next signal recovers.
	feed.signal()
	fetcher.nextCall(t) <- fetchResult{records: records("a", "b", "c")}
	if got := obs.nextSnapshot(t); len(got) != 3 {
		t.Fatalf("expected recovery snapshot, got %v", vendors(got))
	}
}

func TestFetchTimeout(t *testing.T) {
	feed := &scriptedFeed{}
	fetcher := newGatedFetcher()
	c := NewController(fetcher, feed, ledger.Session{OwnerID: "alice"}, Config{
		FetchTimeout: 20 * time.Millisecond,
		Logger:       log.Discard(),
	})
	defer c.Stop()

	obs := newRecorder()
	if _, err := c.Register(obs); err != nil {
		t.Fatal(err)
	}
	fetcher.nextCall(t) // never answered
	err := obs.nextError(t)
	if !errors.Is(err, ErrStale) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected stale deadline error, got %v", err)
	}
}

func TestUnregisterLastObserverStops(t *testing.T) {
	mem := memory.New()
	l := ledger.New(mem, mem, ledger.WithLogger(log.Discard()))
	c := NewController(l, mem, ledger.Session{OwnerID: "alice"}, Config{Logger: log.Discard()})

	a, b := newRecorder(), newRecorder()
	unregA, err := c.Register(a)
	if err != nil {
		t.Fatal(err)
	}
	a.nextSnapshot(t)
	unregB, err := c.Register(b)
	if err != nil {
		t.Fatal(err)
	}

	unregA()
	unregA()
	if c.State() != Active {
		t.Fatalf("one observer left, expected active, got %s", c.State())
	}
	unregB()
	if c.State() != Stopped {
		t.Fatalf("expected stopped, got %s", c.State())
	}
	eventually(t, func() bool { return mem.Subscribers() == 0 }, "feed subscription should be released")

	if _, err := c.Register(newRecorder()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestDroppedFeedWithoutReconnect(t *testing.T) {
	mem := memory.New()
	l := ledger.New(mem, mem, ledger.WithLogger(log.Discard()))
	c := NewController(l, mem, ledger.Session{OwnerID: "alice"}, Config{Logger: log.Discard()})

	obs := newRecorder()
	if _, err := c.Register(obs); err != nil {
		t.Fatal(err)
	}
	obs.nextSnapshot(t)

	mem.DropFeeds()
	err := obs.nextError(t)
	if !errors.Is(err, ErrChannelDropped) || !errors.Is(err, memory.ErrFeedDropped) {
		t.Fatalf("expected channel dropped, got %v", err)
	}
	eventually(t, func() bool { return c.State() == Stopped }, "controller should stop")
}

func TestDroppedFeedReconnectsAndRefetches(t *testing.T) {
	mem := memory.New()
	l := ledger.New(mem, mem, ledger.WithLogger(log.Discard()))
	alice := ledger.Session{OwnerID: "alice"}
	c := NewController(l, mem, alice, Config{
		Reconnect: BackoffReconnect{Base: time.Millisecond, Max: 5 * time.Millisecond, Attempts: 3},
		Logger:    log.Discard(),
	})
	defer c.Stop()

	obs := newRecorder()
	if _, err := c.Register(obs); err != nil {
		t.Fatal(err)
	}
	obs.nextSnapshot(t)

	// A write lands while the feed is down; the re-fetch after
	// reconnecting must pick it up.
	mem.DropFeeds()
	if _, err := l.Create(context.Background(), alice, core.Draft{Vendor: "Missed", Amount: core.Money{Cents: 100}, Date: core.NewDate(2025, 1, 1)}); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool {
		snap, _ := c.Snapshot()
		return len(snap) == 1 && c.State() == Active
	}, "controller should reconnect and re-fetch")
	if mem.Subscribers() != 1 {
		t.Fatalf("expected one live subscription, got %d", mem.Subscribers())
	}
}

func TestReconnectGivesUpAfterAttempts(t *testing.T) {
	feed := &scriptedFeed{}
	fetcher := newGatedFetcher()
	c := NewController(fetcher, feed, ledger.Session{OwnerID: "alice"}, Config{
		Reconnect: BackoffReconnect{Base: time.Millisecond, Attempts: 2},
		Logger:    log.Discard(),
	})

	obs := newRecorder()
	if _, err := c.Register(obs); err != nil {
		t.Fatal(err)
	}
	fetcher.nextCall(t) <- fetchResult{records: records("a")}
	obs.nextSnapshot(t)

	feed.mu.Lock()
	feed.failures = 10
	sub := feed.subs[0]
	feed.mu.Unlock()
	sub.Drop(errors.New("connection reset"))

	err := obs.nextError(t)
	if !errors.Is(err, ErrChannelDropped) {
		t.Fatalf("expected channel dropped after retries, got %v", err)
	}
	eventually(t, func() bool { return c.State() == Stopped }, "controller should stop")
	if feed.subscriptions() != 1 {
		t.Fatalf("no new subscription expected, got %d", feed.subscriptions())
	}
}

func TestUnauthenticatedControllerFails(t *testing.T) {
	mem := memory.New()
	l := ledger.New(mem, mem, ledger.WithLogger(log.Discard()))
	c := NewController(l, mem, ledger.Session{}, Config{Logger: log.Discard()})

	obs := newRecorder()
	if _, err := c.Register(obs); err != nil {
		t.Fatal(err)
	}
	if err := obs.nextError(t); !errors.Is(err, core.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	eventually(t, func() bool { return c.State() == Stopped }, "controller should stop")
}

func TestStateString(t *testing.T) {
	tests := map[State]string{Idle: "idle", Subscribing: "subscribing", Active: "active", Stopped: "stopped"}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d: got %q want %q", s, s.String(), want)
		}
	}
}
