package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus with the same delivery semantics as the
// durable one: visible-after delays, redelivery on handler error, and a
// dead-letter queue past the delivery cap. Used in tests and available as a
// transport when durability is not needed.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string][]*memMsg

	maxDeliveries   int
	redeliveryDelay time.Duration
	pollInterval    time.Duration
}

type memMsg struct {
	env        *Envelope
	readyAt    time.Time
	deliveries int
}

// NewMemory builds an in-memory bus with the default delivery cap.
func NewMemory() *MemoryBus {
	return &MemoryBus{
		queues:          make(map[string][]*memMsg),
		maxDeliveries:   DefaultMaxDeliveries,
		redeliveryDelay: 10 * time.Millisecond,
		pollInterval:    time.Millisecond,
	}
}

// Publish enqueues an envelope on a topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	return b.PublishAfter(ctx, topic, env, 0)
}

// PublishAfter enqueues an envelope that becomes visible after delay.
func (b *MemoryBus) PublishAfter(ctx context.Context, topic string, env *Envelope, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[topic] = append(b.queues[topic], &memMsg{
		env:     env,
		readyAt: time.Now().Add(delay),
	})
	return nil
}

// Run consumes a topic until ctx is cancelled.
func (b *MemoryBus) Run(ctx context.Context, topic string, concurrency int, h Handler) error {
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

func (b *MemoryBus) consume(ctx context.Context, topic string, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := b.take(topic)
		if msg == nil {
			t := time.NewTimer(b.pollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		msg.deliveries++
		if msg.deliveries > b.maxDeliveries {
			b.mu.Lock()
			dead := DeadTopic(topic)
			b.queues[dead] = append(b.queues[dead], msg)
			b.mu.Unlock()
			continue
		}

		if err := h(ctx, msg.env); err != nil {
			msg.readyAt = time.Now().Add(b.redeliveryDelay)
			b.mu.Lock()
			b.queues[topic] = append(b.queues[topic], msg)
			b.mu.Unlock()
		}
	}
}

// take pops the first visible message, or nil.
func (b *MemoryBus) take(topic string) *memMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[topic]
	now := time.Now()
	for i, m := range q {
		if !m.readyAt.After(now) {
			b.queues[topic] = append(q[:i:i], q[i+1:]...)
			return m
		}
	}
	return nil
}

// Depth reports the number of messages queued on a topic.
func (b *MemoryBus) Depth(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

// DrainDead removes and returns the dead-lettered envelopes of a topic.
func (b *MemoryBus) DrainDead(topic string) []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	dead := DeadTopic(topic)
	msgs := b.queues[dead]
	delete(b.queues, dead)
	out := make([]*Envelope, len(msgs))
	for i, m := range msgs {
		out[i] = m.env
	}
	return out
}
