package imu

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Reader yields samples from a replay log: one wire frame per line, with
// blank lines and # comments skipped.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader wraps r for frame-by-frame reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{sc: bufio.NewScanner(r)}
}

// Next returns the next frame, or io.EOF when the log is exhausted. A
// malformed frame stops the reader with the offending line number.
func (r *Reader) Next() (Sample, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		s, err := ParseFrame(text)
		if err != nil {
			return Sample{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return s, nil
	}
	if err := r.sc.Err(); err != nil {
		return Sample{}, err
	}
	return Sample{}, io.EOF
}

// ReadAll slurps a whole replay log.
func ReadAll(r io.Reader) ([]Sample, error) {
	rd := NewReader(r)
	var out []Sample
	for {
		s, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
}
