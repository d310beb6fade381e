package bus

import (
	"context"
	"sync"
	"time"
)

// Recorder is a Bus for tests that captures publishes instead of delivering
// them. Tests inspect what was published and feed messages to handlers by
// hand, which keeps ordering deterministic.
type Recorder struct {
	mu        sync.Mutex
	published []Published
}

// Published is one captured publish.
type Published struct {
	Topic    string
	Envelope *Envelope
	Delay    time.Duration
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish captures the envelope.
func (r *Recorder) Publish(ctx context.Context, topic string, env *Envelope) error {
	return r.PublishAfter(ctx, topic, env, 0)
}

// PublishAfter captures the envelope with its delay.
func (r *Recorder) PublishAfter(ctx context.Context, topic string, env *Envelope, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, Published{Topic: topic, Envelope: env, Delay: delay})
	return nil
}

// Run blocks until ctx is cancelled. The Recorder never delivers.
func (r *Recorder) Run(ctx context.Context, topic string, concurrency int, h Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

// All returns every captured publish in order.
func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.published))
	copy(out, r.published)
	return out
}

// ByTopic returns captured publishes for one topic in order.
func (r *Recorder) ByTopic(topic string) []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Published
	for _, p := range r.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Reset discards captured publishes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = nil
}
