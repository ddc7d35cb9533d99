package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if opts != want {
		t.Errorf("Normalize() = %+v; want %+v", opts, want)
	}
}

func TestPortOptions_Normalize_ExplicitValues(t *testing.T) {
	in := PortOptions{BaudRate: 230400, DataBits: 7, StopBits: 2, Parity: "even"}
	opts, err := in.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := PortOptions{BaudRate: 230400, DataBits: 7, StopBits: 2, Parity: "E"}
	if opts != want {
		t.Errorf("Normalize() = %+v; want %+v", opts, want)
	}
}

func TestPortOptions_Normalize_NegativeBaudRate(t *testing.T) {
	opts, err := PortOptions{BaudRate: -9600}.Normalize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.BaudRate != 115200 {
		t.Errorf("negative baud rate should fall back to default, got %d", opts.BaudRate)
	}
}

func TestPortOptions_Normalize_Invalid(t *testing.T) {
	cases := []struct {
		name string
		in   PortOptions
	}{
		{"data bits too small", PortOptions{DataBits: 4}},
		{"data bits too large", PortOptions{DataBits: 9}},
		{"three stop bits", PortOptions{StopBits: 3}},
		{"bogus parity", PortOptions{Parity: "M"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := c.in.Normalize(); err == nil {
				t.Errorf("Normalize(%+v) succeeded; want error", c.in)
			}
		})
	}
}

func TestPortOptions_Normalize_ParityVariations(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "N"},
		{"n", "N"},
		{"none", "N"},
		{"NONE", "N"},
		{"e", "E"},
		{"Even", "E"},
		{"o", "O"},
		{"odd", "O"},
		{" N ", "N"},
	}

	for _, c := range cases {
		opts, err := PortOptions{Parity: c.in}.Normalize()
		if err != nil {
			t.Errorf("Normalize parity %q: unexpected error: %v", c.in, err)
			continue
		}
		if opts.Parity != c.want {
			t.Errorf("Normalize parity %q = %q; want %q", c.in, opts.Parity, c.want)
		}
	}
}

func TestPortOptions_Equal(t *testing.T) {
	base := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}

	if !base.Equal(PortOptions{}) {
		t.Error("explicit defaults should equal the zero options")
	}
	if !base.Equal(PortOptions{BaudRate: 115200, Parity: "none"}) {
		t.Error("parity spellings should normalize before comparison")
	}
	if base.Equal(PortOptions{BaudRate: 9600}) {
		t.Error("different baud rates should not be equal")
	}
	if base.Equal(PortOptions{Parity: "E"}) {
		t.Error("different parity should not be equal")
	}
	if base.Equal(PortOptions{DataBits: 4}) {
		t.Error("invalid options should never compare equal")
	}
	if (PortOptions{DataBits: 4}).Equal(base) {
		t.Error("invalid options should never compare equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	cases := []struct {
		name string
		in   PortOptions
		want serial.Mode
	}{
		{
			"defaults",
			PortOptions{},
			serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity},
		},
		{
			"even parity",
			PortOptions{Parity: "E"},
			serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.EvenParity},
		},
		{
			"odd parity",
			PortOptions{Parity: "odd"},
			serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.OddParity},
		},
		{
			"two stop bits",
			PortOptions{StopBits: 2},
			serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.NoParity},
		},
		{
			"custom baud",
			PortOptions{BaudRate: 57600},
			serial.Mode{BaudRate: 57600, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			mode, err := c.in.SerialMode()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *mode != c.want {
				t.Errorf("SerialMode() = %+v; want %+v", *mode, c.want)
			}
		})
	}
}

func TestPortOptions_SerialMode_Invalid(t *testing.T) {
	if _, err := (PortOptions{Parity: "X"}).SerialMode(); err == nil {
		t.Error("expected error for invalid parity")
	}
	if _, err := (PortOptions{StopBits: 5}).SerialMode(); err == nil {
		t.Error("expected error for invalid stop bits")
	}
}
