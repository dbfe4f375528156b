// Package uwb implements the real-time positioning core: per-tag range
// measurements against fixed anchors, 3D multilateration, screen-plane
// calibration and projection, and the tracker roster that feeds the
// broadcast loop.
package uwb

import (
	"math"
	"time"
)

// TrackerStatus is the lifecycle state of a tracked tag.
type TrackerStatus string

const (
	// StatusActive means the tag has a current solved position.
	StatusActive TrackerStatus = "active"
	// StatusDegraded means the last solve failed or data is insufficient;
	// the previous good position is retained.
	StatusDegraded TrackerStatus = "degraded"
	// StatusOutOfBounds means the solved position projects outside the
	// calibrated screen extents.
	StatusOutOfBounds TrackerStatus = "out_of_bounds"
)

// Vec3 is a 3D point or vector in centimetres.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v.X * s, v.Y * s, v.Z * s}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// DistanceTo returns the Euclidean distance between two points.
func (v Vec3) DistanceTo(o Vec3) float64 {
	return v.Sub(o).Norm()
}

// Point2 is a position on the calibrated screen plane in centimetres.
type Point2 struct {
	U float64 `json:"u"`
	V float64 `json:"v"`
}

// Measurement is the latest range report for one (tag, anchor) pair.
// Only the most recent measurement per pair is retained.
type Measurement struct {
	TagID      string
	AnchorID   string
	DistanceCm float64
	ReceivedAt time.Time
}

// Tracker is the server-side record for one mobile tag.
type Tracker struct {
	TagID        string
	Measurements map[string]Measurement // keyed by anchor id
	Position3D   *Vec3
	Position2D   *Point2
	Status       TrackerStatus
	LastSeen     time.Time
}

// TrackerSnapshot is the published view of a tracker.
type TrackerSnapshot struct {
	TagID      string        `json:"tag"`
	Position3D *Vec3         `json:"position_3d"`
	Position2D *Point2       `json:"position_2d"`
	Status     TrackerStatus `json:"status"`
	LastSeen   time.Time     `json:"last_seen"`
}

// Snapshot is a full-roster view published to every subscribed viewer.
type Snapshot struct {
	ServerTime time.Time         `json:"server_time"`
	Trackers   []TrackerSnapshot `json:"trackers"`
}
