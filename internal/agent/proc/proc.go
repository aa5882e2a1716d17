// Package proc probes whether a (pid, start-time) pair still names a
// live process. Pids recycle; the start time disambiguates a reused
// pid from the original process.
package proc

import (
	"errors"
	"time"
)

// startTimeTolerance absorbs rounding between clock-tick and
// wall-clock representations of a process start time.
const startTimeTolerance = 2 * time.Second

// ErrUnsupported means this platform cannot report start times.
var ErrUnsupported = errors.New("process probe unsupported")

// SystemProber asks the operating system.
type SystemProber struct{}

// Alive reports whether pid exists and started within tolerance of
// the recorded start time. A probe failure reads as dead, except on
// platforms that cannot probe at all, where sessions are never reaped.
func (SystemProber) Alive(pid int, startTime time.Time) bool {
	actual, err := StartTime(pid)
	if errors.Is(err, ErrUnsupported) {
		return true
	}
	if err != nil {
		return false
	}
	d := actual.Sub(startTime)
	if d < 0 {
		d = -d
	}
	return d <= startTimeTolerance
}
