package ahrs

import "math"

// EulerAngles converts an attitude quaternion in x, y, z, w order (the
// State.Attitude layout) to Tait-Bryan angles in radians. Roll is the
// rotation about the body x axis, pitch about y, yaw about z. Yaw follows
// the magnetometer heading convention: an attitude that is a pure z
// rotation by psi reports yaw psi.
func EulerAngles(x, y, z, w float64) (roll, pitch, yaw float64) {
	roll = math.Atan2(2*(y*z+w*x), 1-2*(x*x+y*y))
	sinPitch := 2 * (w*y - x*z)
	// Rounding can push the argument a hair outside asin's domain at
	// gimbal lock.
	if sinPitch > 1 {
		sinPitch = 1
	} else if sinPitch < -1 {
		sinPitch = -1
	}
	pitch = math.Asin(sinPitch)
	yaw = math.Atan2(2*(x*y+w*z), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}
