// Package config loads and persists the site configuration: listen
// addresses, pipeline tunables, the anchor registry, and the screen plane.
// The file is JSON; omitted tunables fall back to defaults via the Get*
// accessors, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/uwb"
)

// Config is the on-disk configuration schema. Anchors and Screen are the two
// sections rewritten at runtime (anchor save, successful calibration); the
// rest is operator-edited.
type Config struct {
	UDPListen  *string `json:"udp_listen,omitempty"`
	HTTPListen *string `json:"http_listen,omitempty"`

	BroadcastInterval *string `json:"broadcast_interval,omitempty"` // duration string like "200ms"
	StaleThreshold    *string `json:"stale_threshold,omitempty"`    // duration string like "10s"
	FreshWindow       *string `json:"fresh_window,omitempty"`       // duration string like "2s"

	MinDistanceCm      *float64 `json:"min_distance_cm,omitempty"`
	MaxDistanceCm      *float64 `json:"max_distance_cm,omitempty"`
	MaxSolverCondition *float64 `json:"max_solver_condition,omitempty"`
	MaxSolveResidualCm *float64 `json:"max_solve_residual_cm,omitempty"`
	MaxFitResidualCm   *float64 `json:"max_fit_residual_cm,omitempty"`

	Anchors map[string]uwb.Vec3    `json:"anchors,omitempty"`
	Screen  *uwb.ScreenCalibration `json:"screen,omitempty"`
}

// DefaultAnchors is the bootstrap four-anchor layout written when no config
// file exists, in centimetres.
func DefaultAnchors() map[string]uwb.Vec3 {
	return map[string]uwb.Vec3{
		"A0": {X: 0, Y: 0, Z: 250},
		"A1": {X: 435, Y: 250, Z: 150},
		"A2": {X: 435, Y: 0, Z: 250},
		"A3": {X: 0, Y: 250, Z: 150},
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrCreate loads the config, writing a default file first when none
// exists (so a fresh install starts with the bootstrap anchor layout and no
// screen plane).
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{Anchors: DefaultAnchors()}
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Save writes the config atomically (temp file + rename) so readers never
// observe a partial file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	for _, field := range []struct {
		name  string
		value *string
	}{
		{"broadcast_interval", c.BroadcastInterval},
		{"stale_threshold", c.StaleThreshold},
		{"fresh_window", c.FreshWindow},
	} {
		if field.value != nil && *field.value != "" {
			if _, err := time.ParseDuration(*field.value); err != nil {
				return fmt.Errorf("invalid %s %q: %w", field.name, *field.value, err)
			}
		}
	}

	if c.MinDistanceCm != nil && *c.MinDistanceCm < 0 {
		return fmt.Errorf("min_distance_cm must be non-negative, got %f", *c.MinDistanceCm)
	}
	if c.MinDistanceCm != nil && c.MaxDistanceCm != nil && *c.MinDistanceCm >= *c.MaxDistanceCm {
		return fmt.Errorf("min_distance_cm %f must be below max_distance_cm %f", *c.MinDistanceCm, *c.MaxDistanceCm)
	}
	if c.MaxSolverCondition != nil && *c.MaxSolverCondition <= 1 {
		return fmt.Errorf("max_solver_condition must exceed 1, got %f", *c.MaxSolverCondition)
	}

	for id, pos := range c.Anchors {
		if id == "" {
			return fmt.Errorf("anchor with empty id")
		}
		for _, coord := range []float64{pos.X, pos.Y, pos.Z} {
			if math.IsNaN(coord) || math.IsInf(coord, 0) {
				return fmt.Errorf("anchor %s has non-finite coordinates", id)
			}
		}
	}

	if c.Screen != nil {
		if err := c.Screen.Validate(); err != nil {
			return fmt.Errorf("screen: %w", err)
		}
	}
	return nil
}

// GetUDPListen returns the UDP listen address or the default.
func (c *Config) GetUDPListen() string {
	if c.UDPListen == nil || *c.UDPListen == "" {
		return ":16061"
	}
	return *c.UDPListen
}

// GetHTTPListen returns the HTTP listen address or the default.
func (c *Config) GetHTTPListen() string {
	if c.HTTPListen == nil || *c.HTTPListen == "" {
		return ":8080"
	}
	return *c.HTTPListen
}

// GetBroadcastInterval returns the broadcast cadence or the default.
func (c *Config) GetBroadcastInterval() time.Duration {
	return c.duration(c.BroadcastInterval, 200*time.Millisecond)
}

// GetStaleThreshold returns the tracker eviction threshold or the default.
func (c *Config) GetStaleThreshold() time.Duration {
	return c.duration(c.StaleThreshold, 10*time.Second)
}

// GetFreshWindow returns the measurement freshness window or the default.
func (c *Config) GetFreshWindow() time.Duration {
	return c.duration(c.FreshWindow, 2*time.Second)
}

func (c *Config) duration(v *string, fallback time.Duration) time.Duration {
	if v == nil || *v == "" {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fallback
	}
	return d
}

// GetMinDistanceCm returns the lower plausible range bound or the default.
func (c *Config) GetMinDistanceCm() float64 {
	if c.MinDistanceCm == nil {
		return 10
	}
	return *c.MinDistanceCm
}

// GetMaxDistanceCm returns the upper plausible range bound or the default.
func (c *Config) GetMaxDistanceCm() float64 {
	if c.MaxDistanceCm == nil {
		return 5000
	}
	return *c.MaxDistanceCm
}

// GetMaxSolverCondition returns the solver condition bound or the default.
func (c *Config) GetMaxSolverCondition() float64 {
	if c.MaxSolverCondition == nil {
		return 1e4
	}
	return *c.MaxSolverCondition
}

// GetMaxSolveResidualCm returns the solve verification bound or the default.
func (c *Config) GetMaxSolveResidualCm() float64 {
	if c.MaxSolveResidualCm == nil {
		return 30
	}
	return *c.MaxSolveResidualCm
}

// GetMaxFitResidualCm returns the calibration fit bound or the default.
func (c *Config) GetMaxFitResidualCm() float64 {
	if c.MaxFitResidualCm == nil {
		return 15
	}
	return *c.MaxFitResidualCm
}

// Manager serializes runtime rewrites of the anchor and screen sections.
type Manager struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// NewManager wraps a loaded config for runtime persistence.
func NewManager(path string, cfg *Config) *Manager {
	return &Manager{path: path, cfg: cfg}
}

// Config returns the wrapped config.
func (m *Manager) Config() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SaveAnchors persists a replaced anchor registry. The screen section is
// cleared: a calibration fitted against old anchor geometry is invalid.
func (m *Manager) SaveAnchors(anchors map[string]uwb.Vec3) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Anchors = anchors
	m.cfg.Screen = nil
	return Save(m.path, m.cfg)
}

// SaveScreen persists a newly installed screen calibration.
func (m *Manager) SaveScreen(cal *uwb.ScreenCalibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Screen = cal
	return Save(m.path, m.cfg)
}
