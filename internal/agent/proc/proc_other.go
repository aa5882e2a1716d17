//go:build !linux && !darwin

package proc

import (
	"fmt"
	"runtime"
	"time"
)

// StartTime is unsupported here.
func StartTime(pid int) (time.Time, error) {
	return time.Time{}, fmt.Errorf("%w on %s", ErrUnsupported, runtime.GOOS)
}
