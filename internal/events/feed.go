// Package events is the in-process progress feed. The orchestrator publishes
// one event per applied state transition; the API layer fans them out to
// streaming clients per job.
package events

import (
	"sync"
	"time"
)

// Event types emitted over a job's feed.
const (
	TypePageOCRComplete  = "page_ocr_complete"
	TypePairDiffComplete = "pair_diff_complete"
	TypeSummaryComplete  = "summary_complete"
	TypeJobComplete      = "job_complete"
)

// Event is one progress notification for a job.
type Event struct {
	Type        string    `json:"type"`
	JobID       string    `json:"job_id"`
	PageTaskID  string    `json:"page_task_id,omitempty"`
	DrawingName string    `json:"drawing_name,omitempty"`
	Status      string    `json:"status,omitempty"`
	At          time.Time `json:"at"`
}

// Feed fans events out to per-job subscribers. Publishing never blocks:
// a subscriber that stops draining loses events rather than stalling the
// orchestrator.
type Feed struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewFeed builds an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[string][]chan Event)}
}

const subscriberBuffer = 64

// Subscribe registers a listener for one job's events. The returned cancel
// function must be called to release the subscription; the channel is closed
// by cancel.
func (f *Feed) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	f.mu.Lock()
	f.subs[jobID] = append(f.subs[jobID], ch)
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			subs := f.subs[jobID]
			for i, c := range subs {
				if c == ch {
					f.subs[jobID] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(f.subs[jobID]) == 0 {
				delete(f.subs, jobID)
			}
			// Closed under the lock: Publish sends under the same lock, so
			// no send can hit the closed channel.
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its job, dropping to any
// whose buffer is full. The sends are non-blocking, so they happen under the
// lock; that serializes them against cancel closing a channel.
func (f *Feed) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many listeners a job currently has.
func (f *Feed) SubscriberCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[jobID])
}
