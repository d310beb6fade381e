package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	f := NewFeed()
	ch, cancel := f.Subscribe("job-1")
	defer cancel()

	f.Publish(Event{Type: TypePairDiffComplete, JobID: "job-1", DrawingName: "A-101"})

	select {
	case ev := <-ch:
		if ev.Type != TypePairDiffComplete || ev.DrawingName != "A-101" {
			t.Errorf("event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("event timestamp should be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestPublishIsScopedToJob(t *testing.T) {
	f := NewFeed()
	ch, cancel := f.Subscribe("job-1")
	defer cancel()

	f.Publish(Event{Type: TypeJobComplete, JobID: "job-2"})

	select {
	case ev := <-ch:
		t.Fatalf("received another job's event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	f := NewFeed()
	_, cancel := f.Subscribe("job-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody drains; the buffer fills and further events drop.
		for i := 0; i < subscriberBuffer*2; i++ {
			f.Publish(Event{Type: TypePageOCRComplete, JobID: "job-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestPublishRacesCancel(t *testing.T) {
	f := NewFeed()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					f.Publish(Event{Type: TypePageOCRComplete, JobID: "job-1"})
				}
			}
		}()
	}

	// Churn subscriptions while the publishers run; a send landing on a
	// channel that cancel already closed would panic.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		ch, cancel := f.Subscribe("job-1")
		select {
		case <-ch:
		default:
		}
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestCancelRemovesSubscriber(t *testing.T) {
	f := NewFeed()
	ch, cancel := f.Subscribe("job-1")
	if f.SubscriberCount("job-1") != 1 {
		t.Fatal("expected one subscriber")
	}

	cancel()
	cancel() // idempotent

	if f.SubscriberCount("job-1") != 0 {
		t.Error("subscriber should be removed")
	}
	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}
}
