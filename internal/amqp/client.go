// Package amqp carries ledger change signals over RabbitMQ. Writers
// publish one message per accepted write to a direct exchange, routed by
// owner id; each sync subscription binds its own exclusive queue to the
// owner's routing key.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"

	"taxledger/internal/store"
)

// Circuit breaker states for publishing.
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type Client struct {
	url          string
	exchangeName string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	state        int32
	failureCount int64
	lastFailure  time.Time
}

// NewClient dials url, retrying with backoff, and declares the exchange.
func NewClient(ctx context.Context, url, exchangeName string) (*Client, error) {
	c := &Client{url: url, exchangeName: exchangeName}

	err := retry.Do(ctx, dialBackoff(time.Second, 30*time.Second, 5), func(ctx context.Context) error {
		if err := c.connect(); err != nil {
			slog.WarnContext(ctx, "AMQP connection failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect AMQP: %w", err)
	}
	return c, nil
}

func dialBackoff(base, max time.Duration, retries uint64) retry.Backoff {
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(max, b)
	return retry.WithMaxRetries(retries, b)
}

// connect (re)opens the connection and publishing channel and declares
// the exchange.
func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed() {
		return nil
	}
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp091.Dial(c.url)
		if err != nil {
			return fmt.Errorf("dial AMQP: %w", err)
		}
		c.conn = conn
	}

	channel, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(channel, c.exchangeName); err != nil {
		channel.Close()
		return err
	}
	c.channel = channel
	return nil
}

func declareExchange(ch *amqp091.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,     // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// PublishChange implements store.Publisher. The owner id is the routing
// key.
func (c *Client) PublishChange(ctx context.Context, change store.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isCircuitOpen() {
		return fmt.Errorf("publish change: %w", ErrCircuitOpen)
	}

	body, err := EncodeChange(change)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		c.recordFailure()
		return err
	}
	channel := c.channel
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		change.OwnerID, // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		c.recordFailure()
		if isConnectionError(err) {
			c.dropChannel()
		}
		return fmt.Errorf("publish message: %w", err)
	}
	c.recordSuccess()

	slog.DebugContext(ctx, "Published change message",
		"owner_id", change.OwnerID,
		"record_id", change.RecordID,
		"op", change.Op,
		"exchange", c.exchangeName)
	return nil
}

// Subscribe implements store.Changes. It returns once the owner's queue
// is bound and the consumer is registered with the broker.
func (c *Client) Subscribe(ctx context.Context, ownerID string, onChange func()) (store.Subscription, error) {
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	conn := c.conn
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, ownerID, c.exchangeName, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	consumer := "ledger-sync-" + uuid.NewString()
	deliveries, err := ch.Consume(
		q.Name,   // queue
		consumer, // consumer
		false,    // auto-ack (we want manual ack)
		true,     // exclusive
		false,    // no-local
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp091.Error, 1))
	var stopping atomic.Bool
	sub := store.NewFeedSubscription(func() error {
		stopping.Store(true)
		if ch.IsClosed() {
			return nil
		}
		return ch.Close()
	})

	go func() {
		for d := range deliveries {
			change, err := DecodeChange(d.Body)
			if err != nil {
				slog.Error("Failed to unmarshal change message", "error", err)
				d.Nack(false, false) // reject and don't requeue
				continue
			}
			slog.Debug("Change message received",
				"owner_id", change.OwnerID,
				"record_id", change.RecordID,
				"op", change.Op)
			onChange()
			d.Ack(false)
		}
		if stopping.Load() {
			return
		}
		var cause error = errors.New("delivery channel closed")
		select {
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				cause = amqpErr
			}
		default:
		}
		slog.Warn("AMQP change subscription dropped", "owner_id", ownerID, "error", cause)
		sub.Drop(cause)
	}()

	slog.InfoContext(ctx, "Subscribed to changes", "owner_id", ownerID, "queue", q.Name)
	return sub, nil
}

// Ping reports whether the connection is up.
func (c *Client) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) dropChannel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	c.mu.Lock()
	last := c.lastFailure
	c.mu.Unlock()
	if time.Since(last) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection", "eof", "broken pipe", "closed network"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
