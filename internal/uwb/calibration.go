package uwb

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// CalibrationState is a state of the screen calibration procedure.
type CalibrationState string

const (
	CalibrationIdle       CalibrationState = "idle"
	CalibrationCollecting CalibrationState = "collecting"
	CalibrationReady      CalibrationState = "ready"
	CalibrationFailed     CalibrationState = "failed"
)

var (
	// ErrCalibrationConflict reports a start request while a collection is
	// already in progress. The running collection is left untouched.
	ErrCalibrationConflict = errors.New("calibration already in progress")
	// ErrCalibrationNotRunning reports capture/abort outside COLLECTING.
	ErrCalibrationNotRunning = errors.New("no calibration in progress")
	// ErrCalibrationFit reports a rejected fit; the previously installed
	// calibration remains in effect.
	ErrCalibrationFit = errors.New("calibration fit rejected")
)

// CalibrationSampleCount is the number of correspondences collected per run.
const CalibrationSampleCount = 10

// CalibrationTargets is the scripted target layout the operator walks the
// reference tag through, in normalized screen coordinates. Ordered
// left-to-right so the operator sweeps the screen once.
var CalibrationTargets = [CalibrationSampleCount]Point2{
	{U: 0.05, V: 0.95}, // top-left
	{U: 0.05, V: 0.5},  // left-mid
	{U: 0.05, V: 0.05}, // bottom-left
	{U: 0.25, V: 0.75}, // inner top-left quadrant
	{U: 0.5, V: 0.95},  // top-mid
	{U: 0.5, V: 0.5},   // center
	{U: 0.5, V: 0.05},  // bottom-mid
	{U: 0.95, V: 0.95}, // top-right
	{U: 0.95, V: 0.5},  // right-mid
	{U: 0.95, V: 0.05}, // bottom-right
}

// CalibrationSample is one correspondence between a scripted 2D target and
// the solved 3D position of the reference tag held at it.
type CalibrationSample struct {
	Index    int
	Target   Point2 // normalized [0,1] coordinates
	Observed Vec3
}

// CalibrationStatus is the externally visible engine state.
type CalibrationStatus struct {
	State        CalibrationState `json:"state"`
	ReferenceTag string           `json:"reference_tag,omitempty"`
	NextStep     int              `json:"next_step"`
	TotalSteps   int              `json:"total_steps"`
	NextTarget   *Point2          `json:"next_target,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
}

// CalibrationEngine drives the assisted ten-point procedure:
// IDLE → COLLECTING(0..9) → READY or FAILED, with abort back to IDLE.
// Collection is exclusive; a second start fails with a conflict. A failed or
// aborted run never disturbs the installed calibration.
type CalibrationEngine struct {
	mu sync.Mutex

	maxResidualCm float64
	solvePosition func(tagID string) (Vec3, error)
	install       func(cal ScreenCalibration, residualCm float64) error

	state        CalibrationState
	referenceTag string
	samples      []CalibrationSample
	lastErr      error
}

// NewCalibrationEngine wires the engine to a position source (the tracker
// store's on-demand solve) and an installer (store swap + persistence).
func NewCalibrationEngine(maxResidualCm float64, solvePosition func(string) (Vec3, error), install func(ScreenCalibration, float64) error) *CalibrationEngine {
	return &CalibrationEngine{
		maxResidualCm: maxResidualCm,
		solvePosition: solvePosition,
		install:       install,
		state:         CalibrationIdle,
	}
}

// Start begins a new collection for the given reference tag.
func (e *CalibrationEngine) Start(referenceTag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == CalibrationCollecting {
		return ErrCalibrationConflict
	}
	e.state = CalibrationCollecting
	e.referenceTag = referenceTag
	e.samples = e.samples[:0]
	e.lastErr = nil
	log.Printf("[Calibration] started: reference tag %s, %d targets", referenceTag, CalibrationSampleCount)
	return nil
}

// Capture solves the reference tag's current position and records it against
// the current step's target. A solve failure leaves the step unchanged so the
// caller can retry. The tenth capture runs the fit.
func (e *CalibrationEngine) Capture() (step int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != CalibrationCollecting {
		return 0, ErrCalibrationNotRunning
	}

	step = len(e.samples)
	pos, err := e.solvePosition(e.referenceTag)
	if err != nil {
		return step, fmt.Errorf("solve reference tag %s: %w", e.referenceTag, err)
	}

	e.samples = append(e.samples, CalibrationSample{
		Index:    step,
		Target:   CalibrationTargets[step],
		Observed: pos,
	})
	log.Printf("[Calibration] captured point %d/%d at (%.1f, %.1f, %.1f)",
		step+1, CalibrationSampleCount, pos.X, pos.Y, pos.Z)

	if len(e.samples) < CalibrationSampleCount {
		return step + 1, nil
	}
	return step + 1, e.finishLocked()
}

// finishLocked runs the fit over the collected samples and installs the
// result. Samples are discarded either way.
func (e *CalibrationEngine) finishLocked() error {
	samples := e.samples
	e.samples = nil

	cal, residual, err := FitScreenCalibration(samples, e.maxResidualCm)
	if err != nil {
		e.state = CalibrationFailed
		e.lastErr = err
		log.Printf("[Calibration] fit rejected: %v", err)
		return err
	}
	if err := e.install(cal, residual); err != nil {
		e.state = CalibrationFailed
		e.lastErr = err
		return fmt.Errorf("install calibration: %w", err)
	}
	e.state = CalibrationReady
	log.Printf("[Calibration] installed: %.0fx%.0fcm plane, max residual %.1fcm",
		cal.WidthCm, cal.HeightCm, residual)
	return nil
}

// Abort discards collected samples and returns to IDLE. The installed
// calibration is untouched.
func (e *CalibrationEngine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != CalibrationCollecting {
		return ErrCalibrationNotRunning
	}
	e.state = CalibrationIdle
	e.referenceTag = ""
	e.samples = nil
	log.Print("[Calibration] aborted, samples discarded")
	return nil
}

// Status reports the current engine state.
func (e *CalibrationEngine) Status() CalibrationStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := CalibrationStatus{
		State:      e.state,
		NextStep:   len(e.samples),
		TotalSteps: CalibrationSampleCount,
	}
	if e.state == CalibrationCollecting {
		st.ReferenceTag = e.referenceTag
		target := CalibrationTargets[len(e.samples)]
		st.NextTarget = &target
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// FitScreenCalibration fits the affine map P = O + u·X + v·Y over the
// collected correspondences by least squares: ten samples give a 30x9 linear
// system in the nine unknown vector components. The extents fall out of the
// fitted basis lengths because targets are normalized; the stored basis is
// unit-length so projected coordinates come out in centimetres.
func FitScreenCalibration(samples []CalibrationSample, maxResidualCm float64) (ScreenCalibration, float64, error) {
	if len(samples) < 4 {
		return ScreenCalibration{}, 0, fmt.Errorf("%w: need at least 4 samples, got %d", ErrCalibrationFit, len(samples))
	}

	rows := len(samples) * 3
	a := mat.NewDense(rows, 9, nil)
	b := mat.NewVecDense(rows, nil)
	for i, s := range samples {
		u, v := s.Target.U, s.Target.V
		// Px = Ox + u·Xx + v·Yx, and likewise for Y and Z components.
		a.Set(i*3+0, 0, 1)
		a.Set(i*3+0, 3, u)
		a.Set(i*3+0, 6, v)
		b.SetVec(i*3+0, s.Observed.X)

		a.Set(i*3+1, 1, 1)
		a.Set(i*3+1, 4, u)
		a.Set(i*3+1, 7, v)
		b.SetVec(i*3+1, s.Observed.Y)

		a.Set(i*3+2, 2, 1)
		a.Set(i*3+2, 5, u)
		a.Set(i*3+2, 8, v)
		b.SetVec(i*3+2, s.Observed.Z)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return ScreenCalibration{}, 0, fmt.Errorf("%w: %v", ErrCalibrationFit, err)
	}

	origin := Vec3{sol.AtVec(0), sol.AtVec(1), sol.AtVec(2)}
	vecX := Vec3{sol.AtVec(3), sol.AtVec(4), sol.AtVec(5)}
	vecY := Vec3{sol.AtVec(6), sol.AtVec(7), sol.AtVec(8)}

	width := vecX.Norm()
	height := vecY.Norm()
	if width < 1e-9 || height < 1e-9 {
		return ScreenCalibration{}, 0, fmt.Errorf("%w: %v", ErrCalibrationFit, ErrDegenerateBasis)
	}

	cal := ScreenCalibration{
		Origin:   origin,
		BasisU:   vecX.Scale(1 / width),
		BasisV:   vecY.Scale(1 / height),
		WidthCm:  width,
		HeightCm: height,
	}
	if err := cal.Validate(); err != nil {
		return ScreenCalibration{}, 0, fmt.Errorf("%w: %v", ErrCalibrationFit, err)
	}

	// Reprojection check: the fitted plane must reproduce every observed
	// point from its target coordinates within tolerance.
	var worst float64
	for _, s := range samples {
		predicted := origin.Add(vecX.Scale(s.Target.U)).Add(vecY.Scale(s.Target.V))
		if r := predicted.DistanceTo(s.Observed); r > worst {
			worst = r
		}
	}
	if worst > maxResidualCm {
		return ScreenCalibration{}, 0, fmt.Errorf("%w: max reprojection residual %.1fcm > %.1fcm", ErrCalibrationFit, worst, maxResidualCm)
	}

	return cal, worst, nil
}
