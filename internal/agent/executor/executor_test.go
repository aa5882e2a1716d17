package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentdb "github.com/termrelay/termrelay/internal/agent/db"
	"github.com/termrelay/termrelay/internal/agent/inbox"
	"github.com/termrelay/termrelay/internal/agent/inject"
	"github.com/termrelay/termrelay/internal/agent/registry"
	"github.com/termrelay/termrelay/internal/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (s *fakeSender) Send(_ context.Context, f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) byType(t string) []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Frame
	for _, f := range s.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeInjector struct {
	mu        sync.Mutex
	delivered []string
	fail      bool
}

func (i *fakeInjector) Deliver(_ context.Context, _ registry.Transport, text string) inject.Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fail {
		return inject.Result{Err: fmt.Errorf("pane gone")}
	}
	i.delivered = append(i.delivered, text)
	return inject.Result{OK: true, Transport: registry.TransportMultiplexer}
}

func newTestExecutor(t *testing.T) (*Executor, *inbox.Inbox, *registry.Registry, *fakeSender, *fakeInjector) {
	t.Helper()
	sqlDB, err := agentdb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, agentdb.Migrate(sqlDB))

	ib := inbox.New(sqlDB)
	reg := registry.New(sqlDB, 24*time.Hour, 24*time.Hour)
	snd := &fakeSender{}
	inj := &fakeInjector{}
	e := New(ib, reg, inj, snd)
	e.async = false
	return e, ib, reg, snd, inj
}

func TestCommandExecutedExactlyOnce(t *testing.T) {
	e, ib, reg, snd, inj := newTestExecutor(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, registry.Session{ID: "s1", Transport: registry.Transport{PaneID: "%1"}})
	require.NoError(t, err)

	cmd := wire.Command("c1", "s1", "continue", 42)
	e.HandleCommand(ctx, cmd)
	// Redelivery of the identical frame.
	e.HandleCommand(ctx, cmd)

	require.Equal(t, []string{"continue"}, inj.delivered)
	// Both deliveries are acked.
	require.Len(t, snd.byType(wire.TypeAck), 2)

	results := snd.byType(wire.TypeCommandResult)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.EqualValues(t, 42, results[0].ChatID)

	entry, err := ib.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, inbox.StatusDone, entry.Status)
}

func TestUnknownSessionReportsFailure(t *testing.T) {
	e, ib, _, snd, inj := newTestExecutor(t)
	ctx := context.Background()

	e.HandleCommand(ctx, wire.Command("c1", "ghost", "continue", 42))

	require.Empty(t, inj.delivered)
	results := snd.byType(wire.TypeCommandResult)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)

	// Replaying a command for a vanished session can never succeed,
	// so the entry is finished.
	entry, err := ib.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, inbox.StatusDone, entry.Status)
}

func TestFailedInjectionStaysPendingAndReplays(t *testing.T) {
	e, ib, reg, snd, inj := newTestExecutor(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, registry.Session{ID: "s1", Transport: registry.Transport{PaneID: "%1"}})
	require.NoError(t, err)

	inj.fail = true
	e.HandleCommand(ctx, wire.Command("c1", "s1", "continue", 42))

	results := snd.byType(wire.TypeCommandResult)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)

	entry, err := ib.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, inbox.StatusReceived, entry.Status)

	// The pane comes back; reconnect replays the pending entry.
	inj.fail = false
	require.NoError(t, e.Replay(ctx))

	require.Equal(t, []string{"continue"}, inj.delivered)
	entry, err = ib.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, inbox.StatusDone, entry.Status)
}

func TestReplayPreservesOrder(t *testing.T) {
	e, _, reg, _, inj := newTestExecutor(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, registry.Session{ID: "s1", Transport: registry.Transport{PaneID: "%1"}})
	require.NoError(t, err)

	inj.fail = true
	e.HandleCommand(ctx, wire.Command("c1", "s1", "first", 42))
	e.HandleCommand(ctx, wire.Command("c2", "s1", "second", 42))

	inj.fail = false
	require.NoError(t, e.Replay(ctx))
	require.Equal(t, []string{"first", "second"}, inj.delivered)
}
