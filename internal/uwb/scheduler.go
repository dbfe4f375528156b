package uwb

import (
	"context"
	"log"
	"time"
)

// Publisher receives each tick's roster snapshot.
type Publisher interface {
	Publish(Snapshot)
}

// SnapshotRecorder persists snapshots (position history). Recording failures
// are logged and never interfere with the broadcast cadence.
type SnapshotRecorder interface {
	RecordSnapshot(Snapshot) error
}

// Scheduler drives the fixed-cadence broadcast loop. Each tick evicts stale
// trackers, recomputes positions, and publishes the full roster. The cadence
// is independent of measurement arrival: bursty or missing reports only
// degrade individual trackers, never skip a tick.
type Scheduler struct {
	store     *TrackerStore
	publisher Publisher
	recorder  SnapshotRecorder // optional
	interval  time.Duration
	clock     func() time.Time
}

// NewScheduler builds a scheduler over the store. recorder may be nil.
func NewScheduler(store *TrackerStore, publisher Publisher, recorder SnapshotRecorder, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:     store,
		publisher: publisher,
		recorder:  recorder,
		interval:  interval,
		clock:     time.Now,
	}
}

// SetClock injects a clock for tests.
func (s *Scheduler) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("[Scheduler] broadcast loop started, interval %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Print("[Scheduler] broadcast loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.TickOnce()
		}
	}
}

// TickOnce performs one evict → recompute → publish cycle.
func (s *Scheduler) TickOnce() Snapshot {
	now := s.clock()
	snap, evicted := s.store.Tick(now)
	for _, id := range evicted {
		log.Printf("[Scheduler] tracker %s timed out, removed", id)
	}

	s.publisher.Publish(snap)
	if s.recorder != nil {
		if err := s.recorder.RecordSnapshot(snap); err != nil {
			log.Printf("[Scheduler] failed to record snapshot: %v", err)
		}
	}
	return snap
}
