//go:build darwin

package proc

import (
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// StartTime shells out to ps; macOS has no /proc.
func StartTime(pid int) (time.Time, error) {
	out, err := exec.Command("ps", "-o", "lstart=", "-p", fmt.Sprint(pid)).Output()
	if err != nil {
		return time.Time{}, fmt.Errorf("ps lstart: %w", err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return time.Time{}, fmt.Errorf("no such process: %d", pid)
	}
	t, err := time.ParseInLocation("Mon Jan _2 15:04:05 2006", raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse lstart %q: %w", raw, err)
	}
	return t, nil
}
