package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Change operations carried by change messages.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change describes one accepted write. Subscribers treat it as a bare
// signal; the fields are there for logging and routing.
type Change struct {
	OwnerID   string    `json:"owner_id"`
	RecordID  string    `json:"record_id"`
	Op        string    `json:"op"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans a change out to the owner's subscribers.
type Publisher interface {
	PublishChange(ctx context.Context, c Change) error
}

// FeedSubscription is a Subscription backed by a cancel function. Feed
// implementations call Drop when the underlying channel goes away.
type FeedSubscription struct {
	once   sync.Once
	done   chan struct{}
	cancel func() error

	mu  sync.Mutex
	err error
}

func NewFeedSubscription(cancel func() error) *FeedSubscription {
	if cancel == nil {
		cancel = func() error { return nil }
	}
	return &FeedSubscription{done: make(chan struct{}), cancel: cancel}
}

func (s *FeedSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.cancel()
		close(s.done)
	})
	return err
}

// Drop ends the subscription with err. It is a no-op after Unsubscribe.
func (s *FeedSubscription) Drop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		_ = s.cancel()
		close(s.done)
	})
}

func (s *FeedSubscription) Done() <-chan struct{} { return s.done }

func (s *FeedSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// notifyingRecords publishes a change after every successful write.
type notifyingRecords struct {
	Records
	pub Publisher
}

// Notifying wraps records so that every accepted write is announced on
// pub. The write is the source of truth: a failed publish is logged and
// the write still succeeds.
func Notifying(records Records, pub Publisher) Records {
	if pub == nil {
		return records
	}
	return &notifyingRecords{Records: records, pub: pub}
}

func (n *notifyingRecords) Create(ctx context.Context, row Row) (Row, error) {
	created, err := n.Records.Create(ctx, row)
	if err != nil {
		return created, err
	}
	n.publish(ctx, Change{OwnerID: created.OwnerID, RecordID: created.ID, Op: OpCreate, Version: created.Version})
	return created, nil
}

func (n *notifyingRecords) Update(ctx context.Context, f Filter, p RowPatch) (Row, error) {
	updated, err := n.Records.Update(ctx, f, p)
	if err != nil {
		return updated, err
	}
	n.publish(ctx, Change{OwnerID: updated.OwnerID, RecordID: updated.ID, Op: OpUpdate, Version: updated.Version})
	return updated, nil
}

func (n *notifyingRecords) Delete(ctx context.Context, f Filter) error {
	if err := n.Records.Delete(ctx, f); err != nil {
		return err
	}
	n.publish(ctx, Change{OwnerID: f.OwnerID, RecordID: f.ID, Op: OpDelete})
	return nil
}

func (n *notifyingRecords) publish(ctx context.Context, c Change) {
	c.Timestamp = time.Now().UTC()
	if err := n.pub.PublishChange(ctx, c); err != nil {
		slog.ErrorContext(ctx, "Failed to publish change",
			"owner_id", c.OwnerID,
			"record_id", c.RecordID,
			"op", c.Op,
			"error", err)
	}
}
