package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/uwb"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.MigrateUp("../../migrations"))
	return db
}

func TestMigrateVersion(t *testing.T) {
	db := newTestDB(t)
	version, dirty, err := db.MigrateVersion("../../migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestRecordSnapshotAndQuery(t *testing.T) {
	db := newTestDB(t)

	now := time.Now()
	pos3 := uwb.Vec3{X: 250, Y: 250, Z: 100}
	pos2 := uwb.Point2{U: 120, V: 60}
	snap := uwb.Snapshot{
		ServerTime: now,
		Trackers: []uwb.TrackerSnapshot{
			{TagID: "T0", Position3D: &pos3, Position2D: &pos2, Status: uwb.StatusActive, LastSeen: now},
			{TagID: "T1", Status: uwb.StatusDegraded, LastSeen: now},
		},
	}
	require.NoError(t, db.RecordSnapshot(snap))

	records, err := db.PositionsInRange("", now.Add(-time.Minute).UnixNano(), now.Add(time.Minute).UnixNano(), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byTag := map[string]PositionRecord{}
	for _, r := range records {
		byTag[r.Tag] = r
	}

	t0 := byTag["T0"]
	require.True(t, t0.X.Valid)
	assert.Equal(t, 250.0, t0.X.Float64)
	require.True(t, t0.U.Valid)
	assert.Equal(t, 120.0, t0.U.Float64)
	assert.Equal(t, "active", t0.Status)

	// A degraded tracker with no solution stores NULL coordinates.
	t1 := byTag["T1"]
	assert.False(t, t1.X.Valid)
	assert.False(t, t1.U.Valid)
	assert.Equal(t, "degraded", t1.Status)
}

func TestRecordSnapshotEmptyIsNoop(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.RecordSnapshot(uwb.Snapshot{ServerTime: time.Now()}))
}

func TestPositionsInRangeFilters(t *testing.T) {
	db := newTestDB(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		pos := uwb.Vec3{X: float64(i * 10)}
		require.NoError(t, db.RecordSnapshot(uwb.Snapshot{
			ServerTime: base.Add(time.Duration(i) * time.Second),
			Trackers: []uwb.TrackerSnapshot{
				{TagID: "T0", Position3D: &pos, Status: uwb.StatusActive},
				{TagID: "T1", Position3D: &pos, Status: uwb.StatusActive},
			},
		}))
	}

	// Tag filter.
	records, err := db.PositionsInRange("T0", base.Add(-time.Second).UnixNano(), base.Add(time.Minute).UnixNano(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, "T0", r.Tag)
	}

	// Newest first.
	assert.GreaterOrEqual(t, records[0].TSUnixNanos, records[1].TSUnixNanos)

	// Limit.
	records, err = db.PositionsInRange("", base.Add(-time.Second).UnixNano(), base.Add(time.Minute).UnixNano(), 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// Window excluding everything.
	records, err = db.PositionsInRange("", 0, base.Add(-time.Hour).UnixNano(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordCalibrationRoundTrip(t *testing.T) {
	db := newTestDB(t)

	cal, err := uwb.ManualScreenCalibration(uwb.Vec3{X: 50, Y: 200, Z: 30}, 400, 225)
	require.NoError(t, err)
	require.NoError(t, db.RecordCalibration(cal, 7.5))

	records, err := db.Calibrations(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, cal, records[0].Calibration)
	assert.Equal(t, 7.5, records[0].MaxResidualCm)
	assert.NotZero(t, records[0].TSUnixNanos)
}
