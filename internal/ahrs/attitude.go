// Package ahrs estimates vehicle attitude from raw accelerometer,
// gyroscope and magnetometer readings. Two coupled sigma-point filters
// run per cycle: a 9-DOF attitude filter and a 24-DOF sensor calibration
// filter, each correcting with measurement models conditioned on the
// other's state.
package ahrs

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// GravityAccel is standard gravity in m/s^2.
	GravityAccel = 9.80665

	// EarthMagField is the assumed geomagnetic field strength in uT. It
	// seeds the magnetometer scale matrix; the calibration filter
	// estimates the true per-axis field from there.
	EarthMagField = 45.0
)

// Attitude filter state layout: quaternion (w,x,y,z, navigation frame to
// body frame), angular velocity (body, rad/s), linear acceleration
// (body, m/s^2). The covariance runs over the reduced 9-DOF error space
// [attitude error, angular velocity, acceleration].
const (
	attQW = 0
	attQX = 1
	attQY = 2
	attQZ = 3
	attWX = 4
	attWY = 5
	attWZ = 6
	attAX = 7
	attAY = 8
	attAZ = 9

	// AttitudeStateDim is the length of the attitude state vector.
	AttitudeStateDim = 10

	// AttitudeCovarianceDim is the attitude filter's error-space
	// dimension.
	AttitudeCovarianceDim = 9
)

// DefaultAttitudeProcessNoise returns the attitude filter's base process
// noise diagonal, scaled by dt each predict step.
func DefaultAttitudeProcessNoise() [AttitudeCovarianceDim]float64 {
	return [AttitudeCovarianceDim]float64{
		7e-5, 7e-5, 7e-5,
		1e0, 1e0, 1e0,
		2e1, 2e1, 2e1,
	}
}

// DefaultAttitudeInitialCovariance returns the attitude filter's initial
// covariance diagonal.
func DefaultAttitudeInitialCovariance() [AttitudeCovarianceDim]float64 {
	return [AttitudeCovarianceDim]float64{1, 1, 1, 1, 1, 1, 5, 5, 5}
}

func initialAttitudeState() []float64 {
	s := make([]float64, AttitudeStateDim)
	s[attQW] = 1
	return s
}

// AttitudeModel is the attitude filter's process model: quaternion
// kinematics driven by the estimated angular velocity, with constant
// angular velocity and acceleration between cycles.
type AttitudeModel struct {
	noise [AttitudeCovarianceDim]float64
}

// NewAttitudeModel returns a model carrying the default process noise.
func NewAttitudeModel() *AttitudeModel {
	m := &AttitudeModel{}
	m.SetProcessNoise(DefaultAttitudeProcessNoise())
	return m
}

// SetProcessNoise replaces the base process noise diagonal.
func (m *AttitudeModel) SetProcessNoise(diag [AttitudeCovarianceDim]float64) {
	m.noise = diag
}

// ProcessNoiseDiagonal returns the current base diagonal.
func (m *AttitudeModel) ProcessNoiseDiagonal() [AttitudeCovarianceDim]float64 {
	return m.noise
}

func (m *AttitudeModel) StateDim() int      { return AttitudeStateDim }
func (m *AttitudeModel) CovarianceDim() int { return AttitudeCovarianceDim }

func (m *AttitudeModel) Derivative(dst, x []float64) {
	omega := quat.Number{Imag: x[attWX] / 2, Jmag: x[attWY] / 2, Kmag: x[attWZ] / 2}
	qd := quat.Mul(quat.Conj(omega), quatAt(x))
	dst[attQW] = qd.Real
	dst[attQX] = qd.Imag
	dst[attQY] = qd.Jmag
	dst[attQZ] = qd.Kmag
	for i := attWX; i <= attAZ; i++ {
		dst[i] = 0
	}
}

func (m *AttitudeModel) ProcessNoise(dt float64) []float64 {
	q := make([]float64, AttitudeCovarianceDim)
	for i, v := range m.noise {
		q[i] = v * dt
	}
	return q
}

// Perturb composes a rotation-vector perturbation onto the quaternion and
// adds the remaining components. The result is renormalized, which is
// what keeps the quaternion estimate on the unit sphere through sigma
// regeneration and correction.
func (m *AttitudeModel) Perturb(dst, x, delta []float64) {
	dq := rotationQuat(delta[0], delta[1], delta[2])
	q := normalize(quat.Mul(dq, quatAt(x)))
	putQuat(dst, q)
	for i := 0; i < 3; i++ {
		dst[attWX+i] = x[attWX+i] + delta[3+i]
		dst[attAX+i] = x[attAX+i] + delta[6+i]
	}
}

// Difference maps the relative rotation between two states to a rotation
// vector, choosing the short way around.
func (m *AttitudeModel) Difference(dst, a, b []float64) {
	dq := normalize(quat.Mul(quatAt(a), quat.Conj(quatAt(b))))
	if dq.Real < 0 {
		dq = quat.Scale(-1, dq)
	}
	v := math.Sqrt(dq.Imag*dq.Imag + dq.Jmag*dq.Jmag + dq.Kmag*dq.Kmag)
	factor := 2.0
	if v > 1e-12 {
		factor = 2 * math.Atan2(v, dq.Real) / v
	}
	dst[0] = factor * dq.Imag
	dst[1] = factor * dq.Jmag
	dst[2] = factor * dq.Kmag
	for i := 0; i < 3; i++ {
		dst[3+i] = a[attWX+i] - b[attWX+i]
		dst[6+i] = a[attAX+i] - b[attAX+i]
	}
}

// Mean averages sigma-point states: vector components arithmetically,
// the quaternion as a sign-aligned normalized weighted sum. The sign
// alignment uses the first sigma point as reference so antipodal
// representations of the same rotation do not cancel.
func (m *AttitudeModel) Mean(dst []float64, points *mat.Dense, weights []float64) {
	for i := range dst {
		dst[i] = 0
	}
	ref := points.RawRowView(0)
	var q quat.Number
	for j, w := range weights {
		if w == 0 {
			continue
		}
		row := points.RawRowView(j)
		sign := 1.0
		if row[attQW]*ref[attQW]+row[attQX]*ref[attQX]+row[attQY]*ref[attQY]+row[attQZ]*ref[attQZ] < 0 {
			sign = -1
		}
		ws := w * sign
		q.Real += ws * row[attQW]
		q.Imag += ws * row[attQX]
		q.Jmag += ws * row[attQY]
		q.Kmag += ws * row[attQZ]
		for i := attWX; i <= attAZ; i++ {
			dst[i] += w * row[i]
		}
	}
	putQuat(dst, normalize(q))
}

func quatAt(x []float64) quat.Number {
	return quat.Number{Real: x[attQW], Imag: x[attQX], Jmag: x[attQY], Kmag: x[attQZ]}
}

func putQuat(dst []float64, q quat.Number) {
	dst[attQW] = q.Real
	dst[attQX] = q.Imag
	dst[attQY] = q.Jmag
	dst[attQZ] = q.Kmag
}

// rotationQuat converts a rotation vector to a unit quaternion.
func rotationQuat(x, y, z float64) quat.Number {
	angle := math.Sqrt(x*x + y*y + z*z)
	half := 0.5 * angle
	s := 0.5
	if angle > 1e-12 {
		s = math.Sin(half) / angle
	}
	return quat.Number{Real: math.Cos(half), Imag: s * x, Jmag: s * y, Kmag: s * z}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// rotate applies the rotation parameterised by q to v.
func rotate(q quat.Number, v r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(v)
}
