package postgres

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"taxledger/internal/store"
)

// Channel is the NOTIFY channel of an owner. The owner id is hashed so
// the name stays a valid identifier whatever the id looks like.
func Channel(ownerID string) string {
	sum := md5.Sum([]byte(ownerID))
	return "ledger_" + hex.EncodeToString(sum[:])
}

// Subscribe takes a connection out of the pool, LISTENs on the owner's
// channel and calls onChange for every notification. The subscription
// drops if the connection fails.
func (s *Store) Subscribe(ctx context.Context, ownerID string, onChange func()) (store.Subscription, error) {
	pooled, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	conn := pooled.Hijack()

	channel := pgx.Identifier{Channel(ownerID)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	sub := store.NewFeedSubscription(func() error {
		cancel()
		<-finished
		return nil
	})

	go func() {
		defer close(finished)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() != nil {
					return
				}
				slog.WarnContext(listenCtx, "Postgres change feed lost",
					"owner_id", ownerID,
					"error", err)
				// Drop calls the cancel func, which waits on finished; run
				// it once this goroutine has returned.
				go sub.Drop(err)
				return
			}
			slog.DebugContext(listenCtx, "Change notification", "channel", n.Channel, "payload", n.Payload)
			onChange()
		}
	}()

	slog.InfoContext(ctx, "Listening for changes", "owner_id", ownerID, "channel", channel)
	return sub, nil
}
