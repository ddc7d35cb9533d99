// Package ukf implements a sigma-point (unscented) Kalman filter engine
// for states that may live on a manifold, such as unit quaternions. The
// covariance is carried in a reduced error space whose algebra the state
// model defines through Perturb, Difference and Mean. Plain vector states
// embed VectorModel for the Euclidean defaults.
package ukf

import "gonum.org/v1/gonum/mat"

// StateModel describes an estimated process: its state layout, the error
// space its covariance lives in, and its continuous-time dynamics.
type StateModel interface {
	// StateDim is the length of the state vector.
	StateDim() int

	// CovarianceDim is the dimension of the error space. It may be
	// smaller than StateDim when part of the state is non-Euclidean.
	CovarianceDim() int

	// Derivative writes the continuous-time derivative of state x into
	// dst. len(dst) == len(x) == StateDim.
	Derivative(dst, x []float64)

	// ProcessNoise returns the process noise diagonal for a step of dt,
	// length CovarianceDim.
	ProcessNoise(dt float64) []float64

	// Perturb applies the error-space delta (length CovarianceDim) to
	// state x and writes the result to dst.
	Perturb(dst, x, delta []float64)

	// Difference writes the error-space difference a minus b into dst.
	Difference(dst, a, b []float64)

	// Mean computes the weighted mean of the sigma-point states stored
	// as rows of points, writing a StateDim-length state to dst.
	Mean(dst []float64, points *mat.Dense, weights []float64)
}

// MeasurementFunc predicts a measurement from a state. Conditioned
// measurement models read a second state from aux; unconditioned models
// accept nil.
type MeasurementFunc func(dst, state, aux []float64)

// VectorModel supplies the Euclidean error-space operations for models
// whose state is a plain vector. Embedding types still provide StateDim,
// Derivative and ProcessNoise when they differ from the defaults.
type VectorModel struct {
	Dim int
}

func (m VectorModel) StateDim() int      { return m.Dim }
func (m VectorModel) CovarianceDim() int { return m.Dim }

func (m VectorModel) Perturb(dst, x, delta []float64) {
	for i := range dst {
		dst[i] = x[i] + delta[i]
	}
}

func (m VectorModel) Difference(dst, a, b []float64) {
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
}

func (m VectorModel) Mean(dst []float64, points *mat.Dense, weights []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for j, w := range weights {
		if w == 0 {
			continue
		}
		row := points.RawRowView(j)
		for i := range dst {
			dst[i] += w * row[i]
		}
	}
}
