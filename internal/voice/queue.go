// Package voice dispatches spoken alerts through a small bounded queue.
package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driveguard/alert-server/internal/logger"
)

var log = logger.Module("Voice")

// Queue defaults
const (
	DefaultCapacity    = 3
	MinCapacity        = 2
	MaxCapacity        = 3
	DefaultIdleTimeout = 100 * time.Millisecond
	speakTimeout       = 10 * time.Second
)

// Stats are cumulative queue counters
type Stats struct {
	Enqueued uint64
	Dropped  uint64
	Cleared  uint64
	Spoken   uint64
	Failed   uint64
}

// Queue is a best-effort, bounded utterance queue with one consumer.
// Producers never block: SpeakAsync drops when full and SpeakNow discards
// whatever is pending so the urgent message is spoken next.
type Queue struct {
	speaker Speaker
	pending chan string
	idle    time.Duration

	// mu serializes producers so SpeakNow's drain and enqueue are not interleaved
	mu sync.Mutex

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	cleared  atomic.Uint64
	spoken   atomic.Uint64
	failed   atomic.Uint64
}

// NewQueue creates a queue. A nil speaker yields a disabled queue that drops everything.
func NewQueue(speaker Speaker, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		speaker: speaker,
		pending: make(chan string, capacity),
		idle:    DefaultIdleTimeout,
	}
}

// Enabled reports whether a speaker is attached
func (q *Queue) Enabled() bool {
	return q != nil && q.speaker != nil
}

// SpeakAsync queues text unless the queue is full. It reports whether text was queued.
func (q *Queue) SpeakAsync(text string) bool {
	if !q.Enabled() || text == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offer(text)
}

// SpeakNow discards pending utterances and queues text
func (q *Queue) SpeakNow(text string) bool {
	if !q.Enabled() || text == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		select {
		case <-q.pending:
			q.cleared.Add(1)
			continue
		default:
		}
		break
	}
	return q.offer(text)
}

func (q *Queue) offer(text string) bool {
	select {
	case q.pending <- text:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		log.Debug("Queue full, dropped: %q", text)
		return false
	}
}

// Len returns the number of pending utterances
func (q *Queue) Len() int {
	return len(q.pending)
}

// Stats returns a snapshot of the counters
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Cleared:  q.cleared.Load(),
		Spoken:   q.spoken.Load(),
		Failed:   q.failed.Load(),
	}
}

// Run speaks queued utterances one at a time until ctx is cancelled
func (q *Queue) Run(ctx context.Context) {
	if !q.Enabled() {
		log.Info("No speaker configured, voice alerts disabled")
		return
	}
	log.Info("Voice consumer started (capacity=%d)", cap(q.pending))

	timer := time.NewTimer(q.idle)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.idle)

		select {
		case <-ctx.Done():
			return
		case text := <-q.pending:
			q.speak(ctx, text)
		case <-timer.C:
			// idle
		}
	}
}

func (q *Queue) speak(ctx context.Context, text string) {
	speakCtx, cancel := context.WithTimeout(ctx, speakTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			q.failed.Add(1)
			log.Error("Speaker panicked on %q: %v", text, rec)
		}
	}()

	if err := q.speaker.Speak(speakCtx, text); err != nil {
		q.failed.Add(1)
		log.Warn("Speak failed: %v", err)
		return
	}
	q.spoken.Add(1)
	log.Debug("Spoke: %q", text)
}
