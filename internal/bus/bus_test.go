package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindDiff, "task-1", "job-1", DiffTask{
		DrawingName:  "A-101",
		OldPageIndex: 2,
		NewPageIndex: 3,
		OldImageRef:  "drawings/old/pages/2.png",
		NewImageRef:  "drawings/new/pages/3.png",
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.Version != 1 || env.MessageID == "" {
		t.Errorf("envelope frame = %+v", env)
	}

	var task DiffTask
	if err := env.DecodePayload(&task); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if task.DrawingName != "A-101" || task.NewPageIndex != 3 {
		t.Errorf("payload = %+v", task)
	}
}

func TestMemoryBusDelivers(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, _ := NewEnvelope(KindOCR, "task-1", "job-1", OCRTask{PageIndex: 0})
	if err := b.Publish(ctx, TopicOCR, env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := make(chan *Envelope, 1)
	go b.Run(ctx, TopicOCR, 1, func(ctx context.Context, e *Envelope) error {
		got <- e
		return nil
	})

	select {
	case e := <-got:
		if e.PageTaskID != "task-1" {
			t.Errorf("delivered task id = %s", e.PageTaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestMemoryBusRedeliversOnError(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, _ := NewEnvelope(KindOCR, "task-1", "job-1", OCRTask{})
	b.Publish(ctx, TopicOCR, env)

	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{})
	go b.Run(ctx, TopicOCR, 1, func(ctx context.Context, e *Envelope) error {
		mu.Lock()
		deliveries++
		n := deliveries
		mu.Unlock()
		if n < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered to success")
	}
	mu.Lock()
	defer mu.Unlock()
	if deliveries != 3 {
		t.Errorf("deliveries = %d, want 3", deliveries)
	}
}

func TestMemoryBusDeadLetters(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, _ := NewEnvelope(KindSummary, "task-1", "job-1", SummaryTask{DrawingName: "A-101"})
	b.Publish(ctx, TopicSummary, env)

	go b.Run(ctx, TopicSummary, 1, func(ctx context.Context, e *Envelope) error {
		return errors.New("always fails")
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dead := b.DrainDead(TopicSummary); len(dead) == 1 {
			if dead[0].PageTaskID != "task-1" {
				t.Errorf("dead-lettered task id = %s", dead[0].PageTaskID)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message never reached the dead-letter queue")
}

func TestMemoryBusHonorsDelay(t *testing.T) {
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, _ := NewEnvelope(KindOCR, "task-1", "job-1", OCRTask{})
	b.PublishAfter(ctx, TopicOCR, env, 100*time.Millisecond)

	got := make(chan time.Time, 1)
	start := time.Now()
	go b.Run(ctx, TopicOCR, 1, func(ctx context.Context, e *Envelope) error {
		got <- time.Now()
		return nil
	})

	select {
	case at := <-got:
		if at.Sub(start) < 90*time.Millisecond {
			t.Errorf("delivered after %v, want >= ~100ms", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed message was not delivered")
	}
}

func TestRecorderCaptures(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	e1, _ := NewEnvelope(KindOCR, "t1", "j1", OCRTask{})
	e2, _ := NewEnvelope(KindDiff, "t2", "j1", DiffTask{})
	r.Publish(ctx, TopicOCR, e1)
	r.PublishAfter(ctx, TopicDiff, e2, time.Minute)

	if got := len(r.All()); got != 2 {
		t.Fatalf("captured = %d, want 2", got)
	}
	diffs := r.ByTopic(TopicDiff)
	if len(diffs) != 1 || diffs[0].Delay != time.Minute {
		t.Errorf("diff captures = %+v", diffs)
	}
}
