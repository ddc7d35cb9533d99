package ahrs

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/num/quat"
)

func TestEulerAnglesIdentity(t *testing.T) {
	t.Parallel()

	roll, pitch, yaw := EulerAngles(0, 0, 0, 1)
	assert.Zero(t, roll)
	assert.Zero(t, pitch)
	assert.Zero(t, yaw)
}

func TestEulerAnglesSingleAxis(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name             string
		axis             [3]float64
		angle            float64
		roll, pitch, yaw float64
	}{
		{"yaw quarter turn", [3]float64{0, 0, 1}, math.Pi / 2, 0, 0, math.Pi / 2},
		{"yaw negative", [3]float64{0, 0, 1}, -0.4, 0, 0, -0.4},
		{"pitch up", [3]float64{0, 1, 0}, 0.3, 0, 0.3, 0},
		{"roll right", [3]float64{1, 0, 0}, 0.7, 0.7, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := rotationQuat(tc.axis[0]*tc.angle, tc.axis[1]*tc.angle, tc.axis[2]*tc.angle)
			roll, pitch, yaw := EulerAngles(q.Imag, q.Jmag, q.Kmag, q.Real)
			assert.InDelta(t, tc.roll, roll, 1e-12)
			assert.InDelta(t, tc.pitch, pitch, 1e-12)
			assert.InDelta(t, tc.yaw, yaw, 1e-12)
		})
	}
}

// Composite attitudes built as yaw, then pitch, then roll must decompose
// back into the same three angles.
func TestEulerAnglesComposite(t *testing.T) {
	t.Parallel()

	cases := []struct {
		roll, pitch, yaw float64
	}{
		{0.1, -0.2, 0.3},
		{-0.5, 0.4, -1.2},
		{1.0, 0.9, 2.8},
	}
	for _, tc := range cases {
		qx := rotationQuat(tc.roll, 0, 0)
		qy := rotationQuat(0, tc.pitch, 0)
		qz := rotationQuat(0, 0, tc.yaw)
		q := quat.Mul(qz, quat.Mul(qy, qx))

		roll, pitch, yaw := EulerAngles(q.Imag, q.Jmag, q.Kmag, q.Real)
		assert.InDelta(t, tc.roll, roll, 1e-12)
		assert.InDelta(t, tc.pitch, pitch, 1e-12)
		assert.InDelta(t, tc.yaw, yaw, 1e-12)
	}
}

func TestEulerAnglesGimbalLock(t *testing.T) {
	t.Parallel()

	q := rotationQuat(0, math.Pi/2, 0)
	_, pitch, _ := EulerAngles(q.Imag, q.Jmag, q.Kmag, q.Real)
	assert.InDelta(t, math.Pi/2, pitch, 1e-9)
	assert.False(t, math.IsNaN(pitch))
}
