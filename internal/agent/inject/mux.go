package inject

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/termrelay/termrelay/internal/agent/registry"
)

// muxRunner runs one tmux invocation and returns its stdout.
type muxRunner func(ctx context.Context, args ...string) (string, error)

// muxStepDelay gives the target application time to process each key
// batch before the next one arrives.
const muxStepDelay = 150 * time.Millisecond

func runTmux(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "tmux", args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("tmux %s: %s", args[0], strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

// sendMultiplexer types the text into a tmux pane: clear the prompt
// line, send the text literally, then submit. The pane id is
// preferred; the session name is a coarser fallback that targets the
// session's active pane.
func (in *Injector) sendMultiplexer(ctx context.Context, t registry.Transport, text string) error {
	target := t.PaneID
	if target == "" {
		target = t.SessionName
	}
	if target == "" {
		return fmt.Errorf("multiplexer transport has no target")
	}

	// Probe first so a vanished pane fails cleanly before any keys
	// are sent.
	if _, err := in.runMux(ctx, "display-message", "-p", "-t", target, "#{pane_id}"); err != nil {
		return fmt.Errorf("pane lookup: %w", err)
	}

	steps := [][]string{
		{"send-keys", "-t", target, "C-u"},
		{"send-keys", "-t", target, "-l", text},
		{"send-keys", "-t", target, "Enter"},
	}
	for i, step := range steps {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(muxStepDelay):
			}
		}
		if _, err := in.runMux(ctx, step...); err != nil {
			return err
		}
	}
	return nil
}
