package memory

import (
	"context"
	"errors"

	"taxledger/internal/store"
)

// ErrFeedDropped is the reason given to subscriptions ended by DropFeeds.
var ErrFeedDropped = errors.New("memory feed dropped")

type subscriber struct {
	ownerID  string
	onChange func()
	pending  chan struct{}
	sub      *store.FeedSubscription
}

// Subscribe registers onChange for the owner's writes. Signals are
// delivered on a dedicated goroutine; signals raised while one is still
// pending are merged into it.
func (s *Store) Subscribe(ctx context.Context, ownerID string, onChange func()) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sb := &subscriber{
		ownerID:  ownerID,
		onChange: onChange,
		pending:  make(chan struct{}, 1),
	}
	sb.sub = store.NewFeedSubscription(func() error {
		s.mu.Lock()
		delete(s.subs, sb)
		s.mu.Unlock()
		return nil
	})

	s.mu.Lock()
	s.subs[sb] = struct{}{}
	s.mu.Unlock()

	go sb.run()
	return sb.sub, nil
}

// DropFeeds ends every live subscription with ErrFeedDropped, the way a
// lost network connection would.
func (s *Store) DropFeeds() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sb := range s.subs {
		subs = append(subs, sb)
	}
	s.mu.Unlock()

	for _, sb := range subs {
		sb.sub.Drop(ErrFeedDropped)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) notify(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sb := range s.subs {
		if sb.ownerID != ownerID {
			continue
		}
		select {
		case sb.pending <- struct{}{}:
		default:
		}
	}
}

func (sb *subscriber) run() {
	for {
		select {
		case <-sb.sub.Done():
			return
		case <-sb.pending:
			sb.onChange()
		}
	}
}

// PublishChange signals the owner's subscribers. It lets a Store act as
// the in-process change hub for another Records implementation.
func (s *Store) PublishChange(_ context.Context, c store.Change) error {
	s.notify(c.OwnerID)
	return nil
}
