// Package inject delivers command text into a session's terminal. It
// tries the session's transports in priority order and reports which
// one, if any, accepted the text.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/termrelay/termrelay/internal/agent/registry"
	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/metrics"
)

// deliverTimeout bounds one delivery attempt across all transports.
const deliverTimeout = 10 * time.Second

// Result reports a delivery outcome. On failure Err holds the last
// transport's error.
type Result struct {
	OK        bool
	Transport string
	Err       error
}

// Injector writes into terminals. The exec hooks are swappable for
// tests.
type Injector struct {
	log *slog.Logger

	runMux    muxRunner
	writeFile func(path string, data []byte) error
}

// New returns an injector backed by the real tmux binary and
// filesystem.
func New() *Injector {
	return &Injector{
		log:       logging.Component("inject"),
		runMux:    runTmux,
		writeFile: appendToDevice,
	}
}

// Deliver pushes text into the terminal described by t, trying the
// primary transport first and each fallback after it. There is no
// retry within a transport: a failed write moves on to the next one.
func (in *Injector) Deliver(ctx context.Context, t registry.Transport, text string) Result {
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	var lastErr error
	for cur := &t; cur != nil; cur = cur.Fallback {
		err := in.deliverOne(ctx, *cur, text)
		if err == nil {
			in.log.Info("command injected", "transport", cur.Kind)
			metrics.InjectionsTotal.WithLabelValues(cur.Kind, "ok").Inc()
			return Result{OK: true, Transport: cur.Kind}
		}
		in.log.Warn("injection failed", "transport", cur.Kind, "error", err)
		metrics.InjectionsTotal.WithLabelValues(cur.Kind, "error").Inc()
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable transport")
	}
	return Result{Err: lastErr}
}

func (in *Injector) deliverOne(ctx context.Context, t registry.Transport, text string) error {
	switch t.Kind {
	case registry.TransportEditorRPC:
		return in.sendEditorRPC(ctx, t.SocketPath, t.BufferID, text)
	case registry.TransportMultiplexer:
		return in.sendMultiplexer(ctx, t, text)
	case registry.TransportPTY:
		return in.sendPTY(t.DevicePath, text)
	default:
		return fmt.Errorf("unknown transport %q", t.Kind)
	}
}
