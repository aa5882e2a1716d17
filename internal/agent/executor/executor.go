// Package executor turns inbound command frames into terminal
// injections. Every command is written to the durable inbox before it
// is acknowledged, and executed at most once no matter how many times
// the router delivers it.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/termrelay/termrelay/internal/agent/inbox"
	"github.com/termrelay/termrelay/internal/agent/inject"
	"github.com/termrelay/termrelay/internal/agent/registry"
	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/metrics"
	"github.com/termrelay/termrelay/internal/wire"
)

// Sender sends frames back to the router. The link client implements
// it; sends fail harmlessly while the channel is down.
type Sender interface {
	Send(ctx context.Context, f wire.Frame) error
}

// Injector delivers text into a session terminal.
type Injector interface {
	Deliver(ctx context.Context, t registry.Transport, text string) inject.Result
}

// Executor implements the link handler.
type Executor struct {
	inbox  *inbox.Inbox
	reg    *registry.Registry
	inj    Injector
	sender Sender
	log    *slog.Logger

	// async controls whether newly inserted commands execute in a
	// goroutine. Tests flip it off for determinism.
	async bool
}

// New wires an executor. The sender may be nil in direct mode, where
// results have nowhere to go.
func New(ib *inbox.Inbox, reg *registry.Registry, inj Injector, sender Sender) *Executor {
	return &Executor{
		inbox:  ib,
		reg:    reg,
		inj:    inj,
		sender: sender,
		log:    logging.Component("executor"),
		async:  true,
	}
}

// Connected replays every unfinished inbox entry, oldest first. Runs
// on startup and after every reconnect.
func (e *Executor) Connected(ctx context.Context) {
	if err := e.Replay(ctx); err != nil {
		e.log.Error("replay failed", "error", err)
	}
}

// HandleCommand persists, acknowledges, then executes. The ack goes
// out for duplicates too: the row exists durably either way, and the
// router only needs to know it can drop its copy.
func (e *Executor) HandleCommand(ctx context.Context, f wire.Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		e.log.Error("marshal command payload", "command_id", f.CommandID, "error", err)
		return
	}
	inserted, err := e.inbox.Insert(ctx, f.CommandID, string(payload))
	if err != nil {
		// Not durable, so no ack: the router keeps the entry and
		// retries later.
		e.log.Error("persist command", "command_id", f.CommandID, "error", err)
		return
	}
	e.ack(ctx, f.CommandID)

	if !inserted {
		e.log.Info("duplicate command ignored", "command_id", f.CommandID)
		metrics.InboxCommandsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.InboxCommandsTotal.WithLabelValues("new").Inc()

	if e.async {
		// Execution outlives the delivering connection.
		go e.execute(context.WithoutCancel(ctx), f)
	} else {
		e.execute(ctx, f)
	}
}

// Replay executes pending entries sequentially in insertion order and
// re-acks them, in case the original ack was lost with the channel.
func (e *Executor) Replay(ctx context.Context) error {
	pending, err := e.inbox.Pending(ctx)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		var f wire.Frame
		if err := json.Unmarshal([]byte(entry.PayloadJSON), &f); err != nil {
			e.log.Error("corrupt inbox payload", "command_id", entry.CommandID, "error", err)
			continue
		}
		e.ack(ctx, entry.CommandID)
		e.execute(ctx, f)
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, f wire.Frame) {
	sess, err := e.reg.Get(ctx, f.SessionID)
	if err != nil {
		e.log.Warn("command for unknown session", "command_id", f.CommandID, "session_id", f.SessionID)
		e.finish(ctx, f, false, "unknown session")
		return
	}

	res := e.inj.Deliver(ctx, sess.Transport, f.Command)
	if !res.OK {
		e.log.Warn("injection failed", "command_id", f.CommandID, "error", res.Err)
		e.report(ctx, f, false, res.Err.Error())
		return
	}
	e.log.Info("command executed", "command_id", f.CommandID,
		"session_id", f.SessionID, "transport", res.Transport)
	e.finish(ctx, f, true, "")
}

// finish marks the entry done and reports the outcome. Entries that
// fail before any delivery side effect (unknown session) are done
// too: replaying them can never succeed.
func (e *Executor) finish(ctx context.Context, f wire.Frame, ok bool, errMsg string) {
	if err := e.inbox.MarkDone(ctx, f.CommandID); err != nil {
		e.log.Error("mark done", "command_id", f.CommandID, "error", err)
	}
	e.report(ctx, f, ok, errMsg)
}

func (e *Executor) report(ctx context.Context, f wire.Frame, ok bool, errMsg string) {
	if e.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.sender.Send(ctx, wire.Result(f.CommandID, ok, errMsg, f.ChatID)); err != nil {
		e.log.Warn("report result", "command_id", f.CommandID, "error", err)
	}
}

func (e *Executor) ack(ctx context.Context, commandID string) {
	if e.sender == nil {
		return
	}
	if err := e.sender.Send(ctx, wire.Ack(commandID)); err != nil {
		e.log.Warn("send ack", "command_id", commandID, "error", err)
	}
}
