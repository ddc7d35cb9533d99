// Package imu parses the sensor frame stream coming off the serial port
// (or a replay source) and feeds it into the attitude estimator.
package imu

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/attitude.report/internal/ahrs"
)

// FramePrefix tags a sensor data frame on the wire.
const FramePrefix = "$AHRS"

// frame layout: $AHRS,<t>,ax,ay,az,gx,gy,gz,mx,my,mz
const frameFields = 11

// ErrBadFrame reports a line that is not a well-formed sensor frame.
var ErrBadFrame = errors.New("imu: malformed frame")

// Sample is one parsed sensor frame. Channels are independently optional;
// an absent channel leaves its Has flag false. Units follow the device:
// accel m/s^2, gyro rad/s, mag uT, timestamp device seconds.
type Sample struct {
	Time float64

	Accel    [3]float64
	HasAccel bool

	Gyro    [3]float64
	HasGyro bool

	Mag    [3]float64
	HasMag bool
}

// IsFrame reports whether a payload line looks like a sensor frame. Other
// traffic on the port (JSON status responses, boot banners) is not an
// error, just not ours to parse.
func IsFrame(line string) bool {
	return strings.HasPrefix(line, FramePrefix+",")
}

// ParseFrame parses one wire frame. A channel whose three fields are all
// empty is absent; a partially empty channel, an unparseable number or a
// non-finite value rejects the whole frame.
func ParseFrame(line string) (Sample, error) {
	line = strings.TrimSpace(line)
	fields := strings.Split(line, ",")
	if len(fields) != frameFields || fields[0] != FramePrefix {
		return Sample{}, fmt.Errorf("%w: want %d comma-separated fields tagged %s, got %q",
			ErrBadFrame, frameFields, FramePrefix, line)
	}

	t, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: timestamp %q", ErrBadFrame, fields[1])
	}
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return Sample{}, fmt.Errorf("%w: timestamp %q out of range", ErrBadFrame, fields[1])
	}

	s := Sample{Time: t}
	channels := []struct {
		name string
		off  int
		dst  *[3]float64
		has  *bool
	}{
		{"accel", 2, &s.Accel, &s.HasAccel},
		{"gyro", 5, &s.Gyro, &s.HasGyro},
		{"mag", 8, &s.Mag, &s.HasMag},
	}
	for _, ch := range channels {
		present, err := parseTriple(fields[ch.off:ch.off+3], ch.dst)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: %s channel: %v", ErrBadFrame, ch.name, err)
		}
		*ch.has = present
	}
	return s, nil
}

func parseTriple(fields []string, dst *[3]float64) (bool, error) {
	empty := 0
	for _, f := range fields {
		if f == "" {
			empty++
		}
	}
	if empty == 3 {
		return false, nil
	}
	if empty != 0 {
		return false, fmt.Errorf("%d of 3 fields empty", empty)
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return false, fmt.Errorf("field %q", f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false, fmt.Errorf("field %q not finite", f)
		}
		dst[i] = v
	}
	return true, nil
}

// ApplyTo loads the sample's present channels into the estimator's
// measurement buffer. The caller owns clearing the buffer between cycles.
func (s Sample) ApplyTo(e *ahrs.Estimator) error {
	if s.HasAccel {
		if err := e.SensorSetAccelerometer(s.Accel[0], s.Accel[1], s.Accel[2]); err != nil {
			return err
		}
	}
	if s.HasGyro {
		if err := e.SensorSetGyroscope(s.Gyro[0], s.Gyro[1], s.Gyro[2]); err != nil {
			return err
		}
	}
	if s.HasMag {
		if err := e.SensorSetMagnetometer(s.Mag[0], s.Mag[1], s.Mag[2]); err != nil {
			return err
		}
	}
	return nil
}

// String renders the sample back into wire format.
func (s Sample) String() string {
	var b strings.Builder
	b.WriteString(FramePrefix)
	fmt.Fprintf(&b, ",%g", s.Time)
	triple := func(has bool, v [3]float64) {
		if !has {
			b.WriteString(",,,")
			return
		}
		fmt.Fprintf(&b, ",%g,%g,%g", v[0], v[1], v[2])
	}
	triple(s.HasAccel, s.Accel)
	triple(s.HasGyro, s.Gyro)
	triple(s.HasMag, s.Mag)
	return b.String()
}
