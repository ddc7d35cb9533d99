package imu

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Sample
	}{
		{
			name: "all channels",
			line: "$AHRS,1.25,0.01,-0.02,-9.81,0.001,0.002,-0.003,44.5,0.2,-0.3",
			want: Sample{
				Time:     1.25,
				Accel:    [3]float64{0.01, -0.02, -9.81},
				HasAccel: true,
				Gyro:     [3]float64{0.001, 0.002, -0.003},
				HasGyro:  true,
				Mag:      [3]float64{44.5, 0.2, -0.3},
				HasMag:   true,
			},
		},
		{
			name: "gyro only",
			line: "$AHRS,2.5,,,,0.1,0.2,0.3,,,",
			want: Sample{
				Time:    2.5,
				Gyro:    [3]float64{0.1, 0.2, 0.3},
				HasGyro: true,
			},
		},
		{
			name: "accel and mag",
			line: "$AHRS,0,1,2,3,,,,4,5,6",
			want: Sample{
				Time:     0,
				Accel:    [3]float64{1, 2, 3},
				HasAccel: true,
				Mag:      [3]float64{4, 5, 6},
				HasMag:   true,
			},
		},
		{
			name: "no channels",
			line: "$AHRS,3.75,,,,,,,,,",
			want: Sample{Time: 3.75},
		},
		{
			name: "trailing CRLF",
			line: "$AHRS,1,,,,0.5,0.5,0.5,,,\r\n",
			want: Sample{
				Time:    1,
				Gyro:    [3]float64{0.5, 0.5, 0.5},
				HasGyro: true,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFrame(tc.line)
			if err != nil {
				t.Fatalf("ParseFrame(%q) failed: %v", tc.line, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("sample mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"wrong tag", "$GPGGA,1,2,3"},
		{"too few fields", "$AHRS,1,2,3"},
		{"too many fields", "$AHRS,1,1,2,3,4,5,6,7,8,9,10"},
		{"bad timestamp", "$AHRS,abc,,,,,,,,,"},
		{"negative timestamp", "$AHRS,-1,,,,,,,,,"},
		{"nan timestamp", "$AHRS,NaN,,,,,,,,,"},
		{"partial channel", "$AHRS,1,0.1,,0.3,,,,,,"},
		{"bad number", "$AHRS,1,x,y,z,,,,,,"},
		{"infinite value", "$AHRS,1,,,,Inf,0,0,,,"},
		{"nan value", "$AHRS,1,,,,,,,NaN,0,0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFrame(tc.line)
			if !errors.Is(err, ErrBadFrame) {
				t.Fatalf("ParseFrame(%q) = %v, want ErrBadFrame", tc.line, err)
			}
		})
	}
}

func TestIsFrame(t *testing.T) {
	if !IsFrame("$AHRS,1,,,,,,,,,") {
		t.Error("data frame not recognised")
	}
	if IsFrame(`{"status":"ok"}`) {
		t.Error("JSON payload classified as frame")
	}
	if IsFrame("$AHRSX,1,2") {
		t.Error("near-miss tag classified as frame")
	}
}

func TestSampleStringRoundTrip(t *testing.T) {
	want := Sample{
		Time:     12.345,
		Accel:    [3]float64{0.25, -0.5, -9.80665},
		HasAccel: true,
		Mag:      [3]float64{45, 0.125, -2.5},
		HasMag:   true,
	}
	got, err := ParseFrame(want.String())
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReader(t *testing.T) {
	log := strings.Join([]string{
		"# replay captured 2026-01-10",
		"",
		"$AHRS,0.00,0,0,-9.81,0,0,0,45,0,0",
		"   ",
		"$AHRS,0.01,,,,0.1,0,0,,,",
	}, "\n")

	r := NewReader(strings.NewReader(log))

	first, err := r.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.Time != 0 || !first.HasAccel || !first.HasMag || first.HasGyro {
		t.Errorf("unexpected first frame: %+v", first)
	}

	second, err := r.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if second.Time != 0.01 || !second.HasGyro {
		t.Errorf("unexpected second frame: %+v", second)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderReportsLineNumber(t *testing.T) {
	log := "# header\n$AHRS,0,,,,,,,,,\nbogus line\n"
	r := NewReader(strings.NewReader(log))
	if _, err := r.Next(); err != nil {
		t.Fatalf("good frame rejected: %v", err)
	}
	_, err := r.Next()
	if !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("error does not name the offending line: %v", err)
	}
}

func TestReadAll(t *testing.T) {
	log := "$AHRS,0,,,,,,,,,\n$AHRS,1,,,,,,,,,\n"
	samples, err := ReadAll(strings.NewReader(log))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[1].Time != 1 {
		t.Errorf("unexpected second sample: %+v", samples[1])
	}
}
