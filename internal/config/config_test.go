package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/uwb"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "position.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position.json")
	cfg, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Anchors, 4)
	assert.Nil(t, cfg.Screen)

	// The file exists now; a second call loads rather than recreates.
	again, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Anchors, again.Anchors)
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeConfig(t, `{"broadcast_interval":"fast"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	bad := 6000.0
	low := 100.0
	cfg := &Config{MinDistanceCm: &bad, MaxDistanceCm: &low}
	assert.Error(t, cfg.Validate(), "min above max must fail")

	tight := 0.5
	cfg = &Config{MaxSolverCondition: &tight}
	assert.Error(t, cfg.Validate(), "condition bound at or below 1 must fail")

	cfg = &Config{Anchors: map[string]uwb.Vec3{"": {}}}
	assert.Error(t, cfg.Validate(), "empty anchor id must fail")

	cfg = &Config{Screen: &uwb.ScreenCalibration{}}
	assert.Error(t, cfg.Validate(), "degenerate screen must fail")
}

func TestDefaultsFromEmptyConfig(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, ":16061", cfg.GetUDPListen())
	assert.Equal(t, ":8080", cfg.GetHTTPListen())
	assert.Equal(t, 200*time.Millisecond, cfg.GetBroadcastInterval())
	assert.Equal(t, 10*time.Second, cfg.GetStaleThreshold())
	assert.Equal(t, 2*time.Second, cfg.GetFreshWindow())
	assert.Equal(t, 10.0, cfg.GetMinDistanceCm())
	assert.Equal(t, 5000.0, cfg.GetMaxDistanceCm())
	assert.Equal(t, 1e4, cfg.GetMaxSolverCondition())
	assert.Equal(t, 30.0, cfg.GetMaxSolveResidualCm())
	assert.Equal(t, 15.0, cfg.GetMaxFitResidualCm())
}

func TestOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"udp_listen": ":26061",
		"broadcast_interval": "100ms",
		"stale_threshold": "30s",
		"max_solve_residual_cm": 50
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":26061", cfg.GetUDPListen())
	assert.Equal(t, 100*time.Millisecond, cfg.GetBroadcastInterval())
	assert.Equal(t, 30*time.Second, cfg.GetStaleThreshold())
	assert.Equal(t, 50.0, cfg.GetMaxSolveResidualCm())
	// Untouched tunables keep their defaults.
	assert.Equal(t, 15.0, cfg.GetMaxFitResidualCm())
}

func TestManagerSaveAnchorsClearsScreen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position.json")
	screen, err := uwb.ManualScreenCalibration(uwb.Vec3{X: 50}, 200, 100)
	require.NoError(t, err)
	cfg := &Config{Anchors: DefaultAnchors(), Screen: &screen}
	require.NoError(t, Save(path, cfg))

	m := NewManager(path, cfg)
	newAnchors := map[string]uwb.Vec3{
		"B0": {}, "B1": {X: 100}, "B2": {Y: 100}, "B3": {Z: 100},
	}
	require.NoError(t, m.SaveAnchors(newAnchors))

	reloaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(newAnchors, reloaded.Anchors); diff != "" {
		t.Fatalf("anchor round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, reloaded.Screen, "stale calibration must not survive an anchor swap")
}

func TestManagerSaveScreenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position.json")
	cfg := &Config{Anchors: DefaultAnchors()}
	require.NoError(t, Save(path, cfg))

	m := NewManager(path, cfg)
	screen, err := uwb.ManualScreenCalibration(uwb.Vec3{X: 50, Y: 200, Z: 30}, 400, 225)
	require.NoError(t, err)
	require.NoError(t, m.SaveScreen(&screen))

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, reloaded.Screen)
	assert.Equal(t, 400.0, reloaded.Screen.WidthCm)
	assert.Equal(t, uwb.Vec3{X: 50, Y: 200, Z: 30}, reloaded.Screen.Origin)
}
