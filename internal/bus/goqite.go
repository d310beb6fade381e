package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maragu.dev/goqite"
)

// Defaults for the durable bus.
const (
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxDeliveries     = 5
	DefaultPollInterval      = 250 * time.Millisecond
)

// GoqiteBus is the durable implementation on SQLite-backed goqite queues.
// One goqite queue per topic, all in the same database as the data model.
// Delivery counts live in a side table keyed by the envelope's message_id,
// which is stable across redeliveries; past MaxDeliveries the message moves
// to the topic's dead-letter queue instead of being handled again.
type GoqiteBus struct {
	db     *sql.DB
	logger *slog.Logger

	visibility    time.Duration
	maxDeliveries int
	pollInterval  time.Duration

	mu     sync.Mutex
	queues map[string]*goqite.Queue
}

// GoqiteOpts configures the durable bus. Zero values take defaults.
type GoqiteOpts struct {
	DB            *sql.DB
	Logger        *slog.Logger
	Visibility    time.Duration
	MaxDeliveries int
	PollInterval  time.Duration
}

// NewGoqite sets up the goqite schema and the delivery-count side table.
func NewGoqite(ctx context.Context, opts GoqiteOpts) (*GoqiteBus, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Visibility == 0 {
		opts.Visibility = DefaultVisibilityTimeout
	}
	if opts.MaxDeliveries == 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if err := goqite.Setup(ctx, opts.DB); err != nil {
		// Expected on every startup after the first.
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to set up queue schema: %w", err)
		}
	}
	if _, err := opts.DB.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS bus_deliveries (
			message_id TEXT PRIMARY KEY,
			count      INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		return nil, fmt.Errorf("failed to set up delivery table: %w", err)
	}

	return &GoqiteBus{
		db:            opts.DB,
		logger:        opts.Logger,
		visibility:    opts.Visibility,
		maxDeliveries: opts.MaxDeliveries,
		pollInterval:  opts.PollInterval,
		queues:        make(map[string]*goqite.Queue),
	}, nil
}

func (b *GoqiteBus) queue(topic string) *goqite.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = goqite.New(goqite.NewOpts{
			DB:      b.db,
			Name:    topic,
			Timeout: b.visibility,
		})
		b.queues[topic] = q
	}
	return q
}

// Publish enqueues an envelope on a topic.
func (b *GoqiteBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	return b.PublishAfter(ctx, topic, env, 0)
}

// PublishAfter enqueues an envelope that becomes visible after delay.
func (b *GoqiteBus) PublishAfter(ctx context.Context, topic string, env *Envelope, delay time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.queue(topic).Send(ctx, goqite.Message{Body: body, Delay: delay}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Run consumes a topic until ctx is cancelled.
func (b *GoqiteBus) Run(ctx context.Context, topic string, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consume(ctx, topic, h)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *GoqiteBus) consume(ctx context.Context, topic string, h Handler) {
	q := b.queue(topic)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("queue receive failed", "topic", topic, "error", err)
			b.sleep(ctx)
			continue
		}
		if msg == nil {
			b.sleep(ctx)
			continue
		}

		b.handleDelivery(ctx, topic, q, msg, h)
	}
}

func (b *GoqiteBus) handleDelivery(ctx context.Context, topic string, q *goqite.Queue, msg *goqite.Message, h Handler) {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		// Undecodable messages can never succeed. Straight to dead.
		b.logger.Error("dropping undecodable message", "topic", topic, "error", err)
		b.deadLetter(ctx, topic, q, msg)
		return
	}

	deliveries, err := b.recordDelivery(ctx, env.MessageID)
	if err != nil {
		b.logger.Error("failed to record delivery", "topic", topic, "error", err)
		return // redelivered after visibility timeout
	}
	if deliveries > b.maxDeliveries {
		b.logger.Warn("message exceeded delivery cap",
			"topic", topic, "message_id", env.MessageID, "deliveries", deliveries)
		b.deadLetter(ctx, topic, q, msg)
		return
	}

	if err := h(ctx, &env); err != nil {
		b.logger.Warn("handler failed, leaving for redelivery",
			"topic", topic, "message_id", env.MessageID, "error", err)
		return
	}

	if err := q.Delete(ctx, msg.ID); err != nil {
		b.logger.Error("failed to ack message", "topic", topic, "error", err)
		return
	}
	b.clearDelivery(ctx, env.MessageID)
}

func (b *GoqiteBus) deadLetter(ctx context.Context, topic string, q *goqite.Queue, msg *goqite.Message) {
	dead := b.queue(DeadTopic(topic))
	if err := dead.Send(ctx, goqite.Message{Body: msg.Body}); err != nil {
		b.logger.Error("failed to dead-letter message", "topic", topic, "error", err)
		return
	}
	if err := q.Delete(ctx, msg.ID); err != nil {
		b.logger.Error("failed to delete dead-lettered message", "topic", topic, "error", err)
	}
}

func (b *GoqiteBus) recordDelivery(ctx context.Context, messageID string) (int, error) {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO bus_deliveries (message_id, count) VALUES (?, 1)
		 ON CONFLICT(message_id) DO UPDATE SET count = count + 1`, messageID)
	if err != nil {
		return 0, err
	}
	var n int
	err = b.db.QueryRowContext(ctx,
		`SELECT count FROM bus_deliveries WHERE message_id = ?`, messageID).Scan(&n)
	return n, err
}

func (b *GoqiteBus) clearDelivery(ctx context.Context, messageID string) {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM bus_deliveries WHERE message_id = ?`, messageID); err != nil {
		b.logger.Debug("failed to clear delivery count", "error", err)
	}
}

func (b *GoqiteBus) sleep(ctx context.Context) {
	t := time.NewTimer(b.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Depth reports the number of messages currently queued on a topic,
// including ones in flight.
func (b *GoqiteBus) Depth(ctx context.Context, topic string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM goqite WHERE queue = ?`, topic).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}
