package uwb

import (
	"sort"
	"sync"
	"time"
)

// StoreConfig holds the tracker store's timing and solver bounds.
type StoreConfig struct {
	// StaleThreshold evicts trackers not heard from for this long.
	StaleThreshold time.Duration
	// FreshWindow is the maximum measurement age used for a solve.
	FreshWindow time.Duration
	Solver      SolverConfig
}

// DefaultStoreConfig returns the store timing defaults: 10s eviction, 2s
// measurement freshness.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		StaleThreshold: 10 * time.Second,
		FreshWindow:    2 * time.Second,
		Solver:         DefaultSolverConfig(),
	}
}

// TrackerStore is the authoritative per-tag record set. One mutex guards the
// tracker map, the anchor registry pointer, and the installed screen
// calibration: ingress upserts and the scheduler tick both run inside bounded
// critical sections, so a concurrent reader observes either the pre-tick or
// post-tick state, never an interleaving.
type TrackerStore struct {
	mu       sync.Mutex
	cfg      StoreConfig
	registry *AnchorRegistry
	screen   *ScreenCalibration
	trackers map[string]*Tracker
}

// NewTrackerStore builds a store over the given registry. screen may be nil,
// in which case 2D projection is disabled until a calibration is installed.
func NewTrackerStore(cfg StoreConfig, registry *AnchorRegistry, screen *ScreenCalibration) *TrackerStore {
	if registry == nil {
		registry = NewAnchorRegistry(nil)
	}
	return &TrackerStore{
		cfg:      cfg,
		registry: registry,
		screen:   screen,
		trackers: make(map[string]*Tracker),
	}
}

// Registry returns the current anchor registry.
func (s *TrackerStore) Registry() *AnchorRegistry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// ReplaceAnchors swaps in a new registry. The installed screen calibration is
// dropped: it was fitted against the old anchor geometry and must be redone.
func (s *TrackerStore) ReplaceAnchors(registry *AnchorRegistry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = registry
	s.screen = nil
}

// Screen returns a copy of the installed calibration, or nil.
func (s *TrackerStore) Screen() *ScreenCalibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen == nil {
		return nil
	}
	cal := *s.screen
	return &cal
}

// InstallScreen atomically replaces the active calibration.
func (s *TrackerStore) InstallScreen(cal ScreenCalibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen = &cal
}

// UpsertMeasurements records validated measurements for one tag, creating
// the tracker on first sight. O(len(ms)); never blocked by anything longer
// than one scheduler tick's critical section.
func (s *TrackerStore) UpsertMeasurements(tagID string, ms []Measurement, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.trackers[tagID]
	if !ok {
		tr = &Tracker{
			TagID:        tagID,
			Measurements: make(map[string]Measurement),
			Status:       StatusActive,
		}
		s.trackers[tagID] = tr
	}
	for _, m := range ms {
		tr.Measurements[m.AnchorID] = m
	}
	tr.LastSeen = now
	tr.Status = StatusActive
}

// TrackerCount returns the current roster size.
func (s *TrackerStore) TrackerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}

// SolveTag solves the tag's position from its currently fresh measurements,
// without touching tracker state. Used by the calibration engine.
func (s *TrackerStore) SolveTag(tagID string, now time.Time) (Vec3, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.trackers[tagID]
	if !ok {
		return Vec3{}, ErrInsufficientAnchors
	}
	obs := s.freshObservationsLocked(tr, now)
	return Solve(obs, s.cfg.Solver)
}

// EvictStale removes trackers whose lastSeen is strictly older than the
// stale threshold. Removal is destructive; a later report from the same tag
// recreates a fresh tracker.
func (s *TrackerStore) EvictStale(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictStaleLocked(now)
}

func (s *TrackerStore) evictStaleLocked(now time.Time) []string {
	var evicted []string
	for id, tr := range s.trackers {
		if now.Sub(tr.LastSeen) > s.cfg.StaleThreshold {
			delete(s.trackers, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// RecomputeAll runs solver and projector for every tracker with enough fresh
// multi-anchor data, leaving the rest degraded. Failures are per-tracker: one
// unsolvable tag never aborts the pass.
func (s *TrackerStore) RecomputeAll(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.trackers {
		s.recomputeLocked(tr, now)
	}
}

func (s *TrackerStore) recomputeLocked(tr *Tracker, now time.Time) {
	obs := s.freshObservationsLocked(tr, now)
	pos, err := Solve(obs, s.cfg.Solver)
	if err != nil {
		// Keep the last good position for downstream continuity.
		tr.Status = StatusDegraded
		return
	}

	p := pos
	tr.Position3D = &p
	if s.screen == nil {
		tr.Position2D = nil
		tr.Status = StatusActive
		return
	}

	pt, inBounds, err := s.screen.Project(pos)
	if err != nil {
		tr.Position2D = nil
		tr.Status = StatusActive
		return
	}
	tr.Position2D = &pt
	if inBounds {
		tr.Status = StatusActive
	} else {
		tr.Status = StatusOutOfBounds
	}
}

// freshObservationsLocked collects the tracker's measurements that are still
// inside the freshness window and reference a registered anchor, in anchor-id
// order for deterministic solves.
func (s *TrackerStore) freshObservationsLocked(tr *Tracker, now time.Time) []RangeObservation {
	ids := make([]string, 0, len(tr.Measurements))
	for id := range tr.Measurements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	obs := make([]RangeObservation, 0, len(ids))
	for _, id := range ids {
		m := tr.Measurements[id]
		if now.Sub(m.ReceivedAt) > s.cfg.FreshWindow {
			continue
		}
		pos, ok := s.registry.Position(id)
		if !ok {
			continue
		}
		obs = append(obs, RangeObservation{Anchor: pos, DistanceCm: m.DistanceCm})
	}
	return obs
}

// Snapshot returns the published view of the roster, sorted by tag id.
func (s *TrackerStore) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(now)
}

func (s *TrackerStore) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		ServerTime: now,
		Trackers:   make([]TrackerSnapshot, 0, len(s.trackers)),
	}
	for _, tr := range s.trackers {
		ts := TrackerSnapshot{
			TagID:    tr.TagID,
			Status:   tr.Status,
			LastSeen: tr.LastSeen,
		}
		if tr.Position3D != nil {
			p := *tr.Position3D
			ts.Position3D = &p
		}
		if tr.Position2D != nil {
			p := *tr.Position2D
			ts.Position2D = &p
		}
		snap.Trackers = append(snap.Trackers, ts)
	}
	sort.Slice(snap.Trackers, func(i, j int) bool {
		return snap.Trackers[i].TagID < snap.Trackers[j].TagID
	})
	return snap
}

// Tick performs the scheduler's evict → recompute → snapshot sequence under
// a single critical section so concurrent ingress observes it atomically.
func (s *TrackerStore) Tick(now time.Time) (Snapshot, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := s.evictStaleLocked(now)
	for _, tr := range s.trackers {
		s.recomputeLocked(tr, now)
	}
	return s.snapshotLocked(now), evicted
}
