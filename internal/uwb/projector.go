package uwb

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDegenerateBasis reports a screen plane whose basis vectors cannot
	// span a 2D coordinate system.
	ErrDegenerateBasis = errors.New("screen basis vectors are degenerate")
	// ErrNoCalibration reports that no screen plane is installed.
	ErrNoCalibration = errors.New("no screen calibration installed")
)

// minBasisSin is the smallest allowed |sin| of the angle between the basis
// vectors; below this the Gram system is too close to singular to trust.
const minBasisSin = 0.05

// ScreenCalibration describes the display surface as a 3D plane: an origin,
// two (unit, possibly non-orthogonal) basis directions, and the extents in
// centimetres along each. Values are installed atomically; readers always
// observe a complete plane.
type ScreenCalibration struct {
	Origin   Vec3    `json:"origin"`
	BasisU   Vec3    `json:"basis_u"`
	BasisV   Vec3    `json:"basis_v"`
	WidthCm  float64 `json:"width_cm"`
	HeightCm float64 `json:"height_cm"`
}

// ManualScreenCalibration builds an axis-aligned plane from an origin and
// extents, for installations where the screen is flat against the world axes.
func ManualScreenCalibration(origin Vec3, widthCm, heightCm float64) (ScreenCalibration, error) {
	cal := ScreenCalibration{
		Origin:   origin,
		BasisU:   Vec3{X: 1},
		BasisV:   Vec3{Y: 1},
		WidthCm:  widthCm,
		HeightCm: heightCm,
	}
	if err := cal.Validate(); err != nil {
		return ScreenCalibration{}, err
	}
	return cal, nil
}

// Validate rejects planes with zero-length or near-parallel basis vectors or
// non-positive extents.
func (c *ScreenCalibration) Validate() error {
	lu := c.BasisU.Norm()
	lv := c.BasisV.Norm()
	if lu < 1e-9 || lv < 1e-9 {
		return fmt.Errorf("%w: zero-length basis vector", ErrDegenerateBasis)
	}
	// Gram determinant = (|u||v| sinθ)², so sin²θ falls out directly.
	guu := c.BasisU.Dot(c.BasisU)
	guv := c.BasisU.Dot(c.BasisV)
	gvv := c.BasisV.Dot(c.BasisV)
	sinSq := (guu*gvv - guv*guv) / (guu * gvv)
	if sinSq < minBasisSin*minBasisSin {
		return fmt.Errorf("%w: basis vectors are near-parallel (sin²θ=%.3g)", ErrDegenerateBasis, sinSq)
	}
	if c.WidthCm <= 0 || c.HeightCm <= 0 {
		return fmt.Errorf("%w: non-positive extents %gx%g", ErrDegenerateBasis, c.WidthCm, c.HeightCm)
	}
	return nil
}

// Project maps a solved 3D position into plane coordinates by least-squares
// projection onto the basis (exact for points on the plane, nearest-point
// otherwise; handles non-orthogonal bases via the 2x2 Gram system). The
// returned coordinates are never clamped; inBounds reports whether they fall
// within [0,width]x[0,height].
func (c *ScreenCalibration) Project(p Vec3) (pt Point2, inBounds bool, err error) {
	offset := p.Sub(c.Origin)

	guu := c.BasisU.Dot(c.BasisU)
	guv := c.BasisU.Dot(c.BasisV)
	gvv := c.BasisV.Dot(c.BasisV)
	det := guu*gvv - guv*guv
	if math.Abs(det) < 1e-9 {
		return Point2{}, false, fmt.Errorf("%w: gram determinant %.3g", ErrDegenerateBasis, det)
	}

	du := offset.Dot(c.BasisU)
	dv := offset.Dot(c.BasisV)
	u := (gvv*du - guv*dv) / det
	v := (guu*dv - guv*du) / det

	pt = Point2{U: u, V: v}
	inBounds = u >= 0 && u <= c.WidthCm && v >= 0 && v <= c.HeightCm
	return pt, inBounds, nil
}
