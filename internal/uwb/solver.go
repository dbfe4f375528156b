package uwb

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Solver failure taxonomy. Callers must treat every failure as Unsolvable:
// never overwrite a tracker's last good position with a failed solve.
var (
	ErrInsufficientAnchors = errors.New("multilateration needs at least 4 usable anchors")
	ErrDegenerateGeometry  = errors.New("anchor geometry is rank-deficient or ill-conditioned")
	ErrResidualTooLarge    = errors.New("solution residual exceeds tolerance")
)

// SolverConfig bounds when a multilateration result is accepted.
type SolverConfig struct {
	// MaxCondition rejects systems whose condition number (largest over
	// smallest singular value) exceeds this bound. Catches collinear and
	// near-coplanar anchor layouts before they produce wild solutions.
	MaxCondition float64
	// MaxResidualCm rejects solutions whose worst predicted-vs-measured
	// distance mismatch exceeds this bound.
	MaxResidualCm float64
}

// DefaultSolverConfig returns the solver acceptance bounds used when the
// config file does not override them.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		MaxCondition:  1e4,
		MaxResidualCm: 30,
	}
}

// RangeObservation pairs a fixed anchor position with a measured distance.
type RangeObservation struct {
	Anchor     Vec3
	DistanceCm float64
}

// minSingularValue is the floor below which the linear system is treated as
// outright rank-deficient rather than merely ill-conditioned.
const minSingularValue = 1e-9

// Solve estimates a 3D position from anchor distances by linearized
// multilateration: the first observation is the reference; subtracting its
// squared-distance equation from every other cancels the quadratic term,
// leaving 2(ai-a0)·p = |ai|² - |a0|² - (di² - d0²). Exactly three remaining
// equations solve exactly; more solve by least squares. The solution is
// verified against every measured distance before being returned.
func Solve(obs []RangeObservation, cfg SolverConfig) (Vec3, error) {
	if len(obs) < 4 {
		return Vec3{}, fmt.Errorf("%w: got %d", ErrInsufficientAnchors, len(obs))
	}

	ref := obs[0]
	refSq := ref.Anchor.Dot(ref.Anchor)
	rows := len(obs) - 1

	a := mat.NewDense(rows, 3, nil)
	b := mat.NewVecDense(rows, nil)
	for i := 1; i < len(obs); i++ {
		d := obs[i].Anchor.Sub(ref.Anchor)
		a.SetRow(i-1, []float64{2 * d.X, 2 * d.Y, 2 * d.Z})

		anchorSq := obs[i].Anchor.Dot(obs[i].Anchor)
		distSq := obs[i].DistanceCm * obs[i].DistanceCm
		refDistSq := ref.DistanceCm * ref.DistanceCm
		b.SetVec(i-1, anchorSq-refSq-(distSq-refDistSq))
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return Vec3{}, fmt.Errorf("%w: SVD failed", ErrDegenerateGeometry)
	}
	vals := svd.Values(nil)
	smin := vals[len(vals)-1]
	if smin < minSingularValue {
		return Vec3{}, fmt.Errorf("%w: rank deficient (smallest singular value %.3g)", ErrDegenerateGeometry, smin)
	}
	if cond := vals[0] / smin; cond > cfg.MaxCondition {
		return Vec3{}, fmt.Errorf("%w: condition number %.3g exceeds %.3g", ErrDegenerateGeometry, cond, cfg.MaxCondition)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Vec3{}, fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
	}
	p := Vec3{sol.AtVec(0), sol.AtVec(1), sol.AtVec(2)}

	// Verify against the original (non-linearized) distances. A well-posed
	// linear solve can still be geometrically inconsistent with the ranges.
	var worst float64
	for _, o := range obs {
		residual := math.Abs(p.DistanceTo(o.Anchor) - o.DistanceCm)
		if residual > worst {
			worst = residual
		}
	}
	if worst > cfg.MaxResidualCm {
		return Vec3{}, fmt.Errorf("%w: %.1fcm > %.1fcm", ErrResidualTooLarge, worst, cfg.MaxResidualCm)
	}

	return p, nil
}
