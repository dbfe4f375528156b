package uwb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	snaps []Snapshot
}

func (p *capturePublisher) Publish(s Snapshot) { p.snaps = append(p.snaps, s) }

type failingRecorder struct {
	calls int
}

func (r *failingRecorder) RecordSnapshot(Snapshot) error {
	r.calls++
	return errors.New("disk full")
}

func TestSchedulerTickPublishesRoster(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	feedTag(s, "T0", Vec3{X: 250, Y: 250, Z: 100}, now)

	pub := &capturePublisher{}
	sched := NewScheduler(s, pub, nil, 200*time.Millisecond)
	sched.SetClock(func() time.Time { return now })

	snap := sched.TickOnce()
	require.Len(t, pub.snaps, 1)
	assert.Equal(t, snap, pub.snaps[0])
	require.Len(t, snap.Trackers, 1)
	assert.Equal(t, StatusActive, snap.Trackers[0].Status)
	assert.Equal(t, now, snap.ServerTime)
}

func TestSchedulerEmptyRosterStillTicks(t *testing.T) {
	s := newTestStore(nil)
	pub := &capturePublisher{}
	sched := NewScheduler(s, pub, nil, 200*time.Millisecond)

	snap := sched.TickOnce()
	require.Len(t, pub.snaps, 1)
	assert.Empty(t, snap.Trackers)
}

func TestSchedulerEvictsAcrossTicks(t *testing.T) {
	s := newTestStore(nil)
	start := time.Now()
	feedTag(s, "T0", Vec3{X: 250, Y: 250, Z: 100}, start)

	pub := &capturePublisher{}
	sched := NewScheduler(s, pub, nil, 200*time.Millisecond)

	now := start
	sched.SetClock(func() time.Time { return now })
	sched.TickOnce()
	require.Len(t, pub.snaps[0].Trackers, 1)

	now = start.Add(11 * time.Second)
	snap := sched.TickOnce()
	assert.Empty(t, snap.Trackers)
	assert.Equal(t, 0, s.TrackerCount())
}

func TestSchedulerRecorderFailureDoesNotBlockPublish(t *testing.T) {
	s := newTestStore(nil)
	pub := &capturePublisher{}
	rec := &failingRecorder{}
	sched := NewScheduler(s, pub, rec, 200*time.Millisecond)

	sched.TickOnce()
	sched.TickOnce()
	assert.Equal(t, 2, rec.calls)
	assert.Len(t, pub.snaps, 2)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s := newTestStore(nil)
	pub := &capturePublisher{}
	sched := NewScheduler(s, pub, nil, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sched.Run(ctx)
	assert.Error(t, err)
	// The ticker fired a few times before cancellation.
	assert.NotEmpty(t, pub.snaps)
}
