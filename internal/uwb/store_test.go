package uwb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeTestAnchors = map[string]Vec3{
	"A0": {X: 0, Y: 0, Z: 0},
	"A1": {X: 500, Y: 0, Z: 0},
	"A2": {X: 0, Y: 500, Z: 0},
	"A3": {X: 0, Y: 0, Z: 300},
}

func newTestStore(screen *ScreenCalibration) *TrackerStore {
	return NewTrackerStore(DefaultStoreConfig(), NewAnchorRegistry(storeTestAnchors), screen)
}

// feedTag reports true distances from truth to every anchor.
func feedTag(s *TrackerStore, tagID string, truth Vec3, now time.Time) {
	ms := make([]Measurement, 0, len(storeTestAnchors))
	for id, pos := range storeTestAnchors {
		ms = append(ms, Measurement{
			TagID:      tagID,
			AnchorID:   id,
			DistanceCm: truth.DistanceTo(pos),
			ReceivedAt: now,
		})
	}
	s.UpsertMeasurements(tagID, ms, now)
}

func findTracker(t *testing.T, snap Snapshot, tagID string) TrackerSnapshot {
	t.Helper()
	for _, tr := range snap.Trackers {
		if tr.TagID == tagID {
			return tr
		}
	}
	t.Fatalf("tag %s not in snapshot", tagID)
	return TrackerSnapshot{}
}

func TestStoreSolvesOnTick(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	truth := Vec3{X: 250, Y: 250, Z: 100}
	feedTag(s, "T0", truth, now)

	snap, evicted := s.Tick(now)
	assert.Empty(t, evicted)

	tr := findTracker(t, snap, "T0")
	assert.Equal(t, StatusActive, tr.Status)
	require.NotNil(t, tr.Position3D)
	assert.InDelta(t, 0, tr.Position3D.DistanceTo(truth), 1e-6)
	// No calibration installed: 3D only.
	assert.Nil(t, tr.Position2D)
}

func TestStoreDegradedKeepsLastPosition(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	truth := Vec3{X: 250, Y: 250, Z: 100}
	feedTag(s, "T0", truth, now)

	snap, _ := s.Tick(now)
	require.NotNil(t, findTracker(t, snap, "T0").Position3D)

	// 5s later the measurements are past the fresh window but the tracker is
	// not yet stale: it degrades and keeps the last good position.
	later := now.Add(5 * time.Second)
	snap, evicted := s.Tick(later)
	assert.Empty(t, evicted)

	tr := findTracker(t, snap, "T0")
	assert.Equal(t, StatusDegraded, tr.Status)
	require.NotNil(t, tr.Position3D)
	assert.InDelta(t, 0, tr.Position3D.DistanceTo(truth), 1e-6)
}

func TestStoreEvictionBoundary(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	feedTag(s, "T0", Vec3{X: 250, Y: 250, Z: 100}, now)

	// Exactly at the threshold the tracker survives; eviction requires
	// strictly older.
	_, evicted := s.Tick(now.Add(10 * time.Second))
	assert.Empty(t, evicted)
	assert.Equal(t, 1, s.TrackerCount())

	_, evicted = s.Tick(now.Add(10*time.Second + time.Nanosecond))
	assert.Equal(t, []string{"T0"}, evicted)
	assert.Equal(t, 0, s.TrackerCount())
}

func TestStoreEvictedTagReturnsFresh(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	feedTag(s, "T0", Vec3{X: 250, Y: 250, Z: 100}, now)
	s.Tick(now.Add(11 * time.Second))
	require.Equal(t, 0, s.TrackerCount())

	// A later report recreates the tracker with no memory of the old one.
	later := now.Add(20 * time.Second)
	feedTag(s, "T0", Vec3{X: 100, Y: 100, Z: 50}, later)
	snap, _ := s.Tick(later)
	tr := findTracker(t, snap, "T0")
	assert.Equal(t, StatusActive, tr.Status)
	require.NotNil(t, tr.Position3D)
	assert.InDelta(t, 0, tr.Position3D.DistanceTo(Vec3{X: 100, Y: 100, Z: 50}), 1e-6)
}

func TestStoreProjectionStatuses(t *testing.T) {
	// Screen occupies x ∈ [100, 300], y ∈ [100, 200] on the floor plane.
	screen, err := ManualScreenCalibration(Vec3{X: 100, Y: 100, Z: 0}, 200, 100)
	require.NoError(t, err)
	s := newTestStore(&screen)
	now := time.Now()

	feedTag(s, "on", Vec3{X: 150, Y: 150, Z: 40}, now)
	feedTag(s, "off", Vec3{X: 400, Y: 150, Z: 40}, now)
	snap, _ := s.Tick(now)

	on := findTracker(t, snap, "on")
	assert.Equal(t, StatusActive, on.Status)
	require.NotNil(t, on.Position2D)
	assert.InDelta(t, 50, on.Position2D.U, 1e-6)
	assert.InDelta(t, 50, on.Position2D.V, 1e-6)

	off := findTracker(t, snap, "off")
	assert.Equal(t, StatusOutOfBounds, off.Status)
	require.NotNil(t, off.Position2D)
	// Unclamped: 300cm past the origin on a 200cm-wide plane.
	assert.InDelta(t, 300, off.Position2D.U, 1e-6)
}

func TestStorePerTrackerIsolation(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	feedTag(s, "good", Vec3{X: 250, Y: 250, Z: 100}, now)
	// Only two anchors: unsolvable, but must not affect the other tag.
	s.UpsertMeasurements("bad", []Measurement{
		{TagID: "bad", AnchorID: "A0", DistanceCm: 100, ReceivedAt: now},
		{TagID: "bad", AnchorID: "A1", DistanceCm: 400, ReceivedAt: now},
	}, now)

	snap, _ := s.Tick(now)
	assert.Equal(t, StatusActive, findTracker(t, snap, "good").Status)
	bad := findTracker(t, snap, "bad")
	assert.Equal(t, StatusDegraded, bad.Status)
	assert.Nil(t, bad.Position3D)
}

func TestStoreLatestMeasurementWins(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	truthOld := Vec3{X: 250, Y: 250, Z: 100}
	truthNew := Vec3{X: 120, Y: 300, Z: 80}
	feedTag(s, "T0", truthOld, now)
	feedTag(s, "T0", truthNew, now.Add(100*time.Millisecond))

	snap, _ := s.Tick(now.Add(200 * time.Millisecond))
	tr := findTracker(t, snap, "T0")
	require.NotNil(t, tr.Position3D)
	assert.InDelta(t, 0, tr.Position3D.DistanceTo(truthNew), 1e-6)
}

func TestStoreReplaceAnchorsClearsScreen(t *testing.T) {
	screen, err := ManualScreenCalibration(Vec3{}, 200, 100)
	require.NoError(t, err)
	s := newTestStore(&screen)
	require.NotNil(t, s.Screen())

	s.ReplaceAnchors(NewAnchorRegistry(map[string]Vec3{
		"B0": {}, "B1": {X: 100}, "B2": {Y: 100}, "B3": {Z: 100},
	}))
	assert.Nil(t, s.Screen())
	assert.Equal(t, []string{"B0", "B1", "B2", "B3"}, s.Registry().IDs())
}

func TestStoreSolveTag(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	truth := Vec3{X: 200, Y: 180, Z: 90}
	feedTag(s, "T0", truth, now)

	pos, err := s.SolveTag("T0", now)
	require.NoError(t, err)
	assert.InDelta(t, 0, pos.DistanceTo(truth), 1e-6)

	_, err = s.SolveTag("unknown", now)
	assert.ErrorIs(t, err, ErrInsufficientAnchors)
}

func TestStoreSnapshotSortedAndDeepCopied(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	feedTag(s, "b", Vec3{X: 250, Y: 250, Z: 100}, now)
	feedTag(s, "a", Vec3{X: 200, Y: 200, Z: 100}, now)

	snap, _ := s.Tick(now)
	require.Len(t, snap.Trackers, 2)
	assert.Equal(t, "a", snap.Trackers[0].TagID)
	assert.Equal(t, "b", snap.Trackers[1].TagID)

	// Mutating the snapshot must not leak back into the store.
	snap.Trackers[0].Position3D.X = -1
	again, _ := s.Tick(now)
	assert.NotEqual(t, -1.0, findTracker(t, again, "a").Position3D.X)
}

func TestStoreMeasurementFromUnknownAnchorIgnoredInSolve(t *testing.T) {
	s := newTestStore(nil)
	now := time.Now()
	truth := Vec3{X: 250, Y: 250, Z: 100}
	feedTag(s, "T0", truth, now)
	// A stray measurement for an unregistered anchor is retained but never
	// feeds the solver.
	s.UpsertMeasurements("T0", []Measurement{
		{TagID: "T0", AnchorID: "ghost", DistanceCm: 1, ReceivedAt: now},
	}, now)

	pos, err := s.SolveTag("T0", now)
	require.NoError(t, err)
	assert.InDelta(t, 0, pos.DistanceTo(truth), 1e-6)
}
