package ukf

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotPositiveDefinite reports a covariance matrix whose Cholesky
	// factorization failed. The filter state is left untouched.
	ErrNotPositiveDefinite = errors.New("ukf: covariance not positive definite")

	// ErrInvalidStep reports a negative or non-finite time step.
	ErrInvalidStep = errors.New("ukf: time step must be finite and non-negative")

	// ErrNoPrediction reports an Innovate call without a preceding Predict.
	ErrNoPrediction = errors.New("ukf: no prediction available")

	// ErrNoInnovation reports a Commit call without a preceding Innovate.
	ErrNoInnovation = errors.New("ukf: no innovation available")

	// ErrEmptyMeasurement reports an Innovate call with a zero-length
	// measurement vector.
	ErrEmptyMeasurement = errors.New("ukf: empty measurement vector")
)

// SigmaParams are the scaled unscented transform parameters.
type SigmaParams struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Kappa float64 `json:"kappa"`
}

// DefaultSigmaParams returns the cubature configuration: a zero-weight
// center point and uniform 1/(2n) weights, which keeps every covariance
// weight non-negative.
func DefaultSigmaParams() SigmaParams {
	return SigmaParams{Alpha: 1, Beta: 0, Kappa: 0}
}

// Validate checks the parameters against an error-space dimension n.
func (p SigmaParams) Validate(n int) error {
	_, err := computeWeights(p, n)
	return err
}

type sigmaWeights struct {
	scale float64
	mean  []float64
	cov   []float64
}

func computeWeights(p SigmaParams, n int) (sigmaWeights, error) {
	if n <= 0 {
		return sigmaWeights{}, fmt.Errorf("ukf: error-space dimension %d out of range", n)
	}
	lambda := p.Alpha*p.Alpha*(float64(n)+p.Kappa) - float64(n)
	denom := float64(n) + lambda
	if !(denom > 0) || math.IsInf(denom, 0) {
		return sigmaWeights{}, fmt.Errorf("ukf: sigma parameters alpha=%g kappa=%g degenerate for dimension %d", p.Alpha, p.Kappa, n)
	}
	k := 2*n + 1
	w := sigmaWeights{
		scale: math.Sqrt(denom),
		mean:  make([]float64, k),
		cov:   make([]float64, k),
	}
	w.mean[0] = lambda / denom
	w.cov[0] = w.mean[0] + 1 - p.Alpha*p.Alpha + p.Beta
	wi := 1 / (2 * denom)
	for i := 1; i < k; i++ {
		w.mean[i] = wi
		w.cov[i] = wi
	}
	return w, nil
}

// Filter is one sigma-point Kalman filter. State and Covariance are the
// current estimate; Innovation and InnovationCov hold the artifacts of the
// most recent Innovate call and stay valid until the next Predict, so a
// caller may inflate InnovationCov before Commit.
type Filter struct {
	Model      StateModel
	Integrator Integrator

	State      []float64
	Covariance *mat.SymDense

	Innovation    []float64
	InnovationCov *mat.SymDense

	wts       sigmaWeights
	points    *mat.Dense // propagated sigma states, (2n+1) x StateDim
	deltas    *mat.Dense // error-space deltas vs the predicted mean, (2n+1) x CovarianceDim
	crossCov  *mat.Dense
	predicted bool
	innovated bool
}

// NewFilter builds a filter from an initial state and a diagonal initial
// covariance (length CovarianceDim).
func NewFilter(model StateModel, integ Integrator, params SigmaParams, state, covDiag []float64) (*Filter, error) {
	if len(state) != model.StateDim() {
		return nil, fmt.Errorf("ukf: initial state length %d, model wants %d", len(state), model.StateDim())
	}
	n := model.CovarianceDim()
	if len(covDiag) != n {
		return nil, fmt.Errorf("ukf: initial covariance diagonal length %d, model wants %d", len(covDiag), n)
	}
	wts, err := computeWeights(params, n)
	if err != nil {
		return nil, err
	}
	cov := mat.NewSymDense(n, nil)
	for i, v := range covDiag {
		cov.SetSym(i, i, v)
	}
	return &Filter{
		Model:      model,
		Integrator: integ,
		State:      slices.Clone(state),
		Covariance: cov,
		wts:        wts,
	}, nil
}

// Predict runs the a-priori step: sigma points are drawn from the current
// estimate, propagated through the process model over dt, and recombined
// into the predicted mean and covariance (plus process noise). On failure
// the estimate is untouched.
func (f *Filter) Predict(dt float64) error {
	if math.IsNaN(dt) || math.IsInf(dt, 0) || dt < 0 {
		return ErrInvalidStep
	}
	n := f.Model.CovarianceDim()
	sd := f.Model.StateDim()
	k := 2*n + 1

	var chol mat.Cholesky
	if !chol.Factorize(f.Covariance) {
		f.predicted = false
		f.innovated = false
		return ErrNotPositiveDefinite
	}
	var l mat.TriDense
	chol.LTo(&l)

	if f.points == nil {
		f.points = mat.NewDense(k, sd, nil)
		f.deltas = mat.NewDense(k, n, nil)
	}

	delta := make([]float64, n)
	perturbed := make([]float64, sd)
	prop := make([]float64, sd)

	f.Integrator.Step(f.Model, prop, f.State, dt)
	f.points.SetRow(0, prop)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			delta[j] = f.wts.scale * l.At(j, i)
		}
		f.Model.Perturb(perturbed, f.State, delta)
		f.Integrator.Step(f.Model, prop, perturbed, dt)
		f.points.SetRow(1+i, prop)

		for j := range delta {
			delta[j] = -delta[j]
		}
		f.Model.Perturb(perturbed, f.State, delta)
		f.Integrator.Step(f.Model, prop, perturbed, dt)
		f.points.SetRow(1+n+i, prop)
	}

	mean := make([]float64, sd)
	f.Model.Mean(mean, f.points, f.wts.mean)

	cov := mat.NewDense(n, n, nil)
	for j := 0; j < k; j++ {
		f.Model.Difference(delta, f.points.RawRowView(j), mean)
		f.deltas.SetRow(j, delta)
		w := f.wts.cov[j]
		if w == 0 {
			continue
		}
		for r := 0; r < n; r++ {
			row := cov.RawRowView(r)
			wr := w * delta[r]
			for c := 0; c < n; c++ {
				row[c] += wr * delta[c]
			}
		}
	}

	q := f.Model.ProcessNoise(dt)
	copy(f.State, mean)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			v := 0.5 * (cov.At(r, c) + cov.At(c, r))
			if r == c {
				v += q[r]
			}
			f.Covariance.SetSym(r, c, v)
		}
	}
	f.predicted = true
	f.innovated = false
	return nil
}

// Innovate runs the innovation step against measurement z with noise
// diagonal rdiag, evaluating h on the propagated sigma points. aux is
// passed through to h unchanged. The innovation, its covariance and the
// state-measurement cross covariance are retained for Commit.
func (f *Filter) Innovate(z, rdiag []float64, h MeasurementFunc, aux []float64) error {
	if !f.predicted {
		return ErrNoPrediction
	}
	m := len(z)
	if m == 0 {
		return ErrEmptyMeasurement
	}
	if len(rdiag) != m {
		return fmt.Errorf("ukf: noise diagonal length %d does not match measurement length %d", len(rdiag), m)
	}
	n := f.Model.CovarianceDim()
	k := 2*n + 1

	zPts := mat.NewDense(k, m, nil)
	row := make([]float64, m)
	for j := 0; j < k; j++ {
		h(row, f.points.RawRowView(j), aux)
		zPts.SetRow(j, row)
	}

	zHat := make([]float64, m)
	for j := 0; j < k; j++ {
		w := f.wts.mean[j]
		if w == 0 {
			continue
		}
		zr := zPts.RawRowView(j)
		for c := range zHat {
			zHat[c] += w * zr[c]
		}
	}

	s := mat.NewDense(m, m, nil)
	pxz := mat.NewDense(n, m, nil)
	zd := make([]float64, m)
	for j := 0; j < k; j++ {
		w := f.wts.cov[j]
		if w == 0 {
			continue
		}
		zr := zPts.RawRowView(j)
		for c := range zd {
			zd[c] = zr[c] - zHat[c]
		}
		for r := 0; r < m; r++ {
			sr := s.RawRowView(r)
			wr := w * zd[r]
			for c := 0; c < m; c++ {
				sr[c] += wr * zd[c]
			}
		}
		xd := f.deltas.RawRowView(j)
		for r := 0; r < n; r++ {
			pr := pxz.RawRowView(r)
			wr := w * xd[r]
			for c := 0; c < m; c++ {
				pr[c] += wr * zd[c]
			}
		}
	}

	f.InnovationCov = mat.NewSymDense(m, nil)
	for r := 0; r < m; r++ {
		for c := r; c < m; c++ {
			v := 0.5 * (s.At(r, c) + s.At(c, r))
			if r == c {
				v += rdiag[r]
			}
			f.InnovationCov.SetSym(r, c, v)
		}
	}
	f.Innovation = make([]float64, m)
	for c := range f.Innovation {
		f.Innovation[c] = z[c] - zHat[c]
	}
	f.crossCov = pxz
	f.innovated = true
	return nil
}

// Commit applies the retained innovation: the Kalman gain is solved from
// the (possibly inflated) innovation covariance, the state is corrected
// through the model's Perturb, and the covariance is reduced. On failure
// the a-priori estimate is kept.
func (f *Filter) Commit() error {
	if !f.innovated {
		return ErrNoInnovation
	}
	m := len(f.Innovation)
	n := f.Model.CovarianceDim()

	var chol mat.Cholesky
	if !chol.Factorize(f.InnovationCov) {
		f.innovated = false
		return ErrNotPositiveDefinite
	}

	// K = Pxz S^-1, solved as S K^T = Pxz^T.
	kt := mat.NewDense(m, n, nil)
	if err := chol.SolveTo(kt, f.crossCov.T()); err != nil {
		f.innovated = false
		return fmt.Errorf("ukf: solving kalman gain: %w", err)
	}
	gain := mat.NewDense(n, m, nil)
	gain.Copy(kt.T())

	delta := make([]float64, n)
	for r := 0; r < n; r++ {
		row := gain.RawRowView(r)
		sum := 0.0
		for c := 0; c < m; c++ {
			sum += row[c] * f.Innovation[c]
		}
		delta[r] = sum
	}

	updated := make([]float64, f.Model.StateDim())
	f.Model.Perturb(updated, f.State, delta)
	copy(f.State, updated)

	var ks, ksk mat.Dense
	ks.Mul(gain, f.InnovationCov)
	ksk.Mul(&ks, gain.T())
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			v := f.Covariance.At(r, c) - 0.5*(ksk.At(r, c)+ksk.At(c, r))
			f.Covariance.SetSym(r, c, v)
		}
	}
	f.predicted = false
	f.innovated = false
	return nil
}
