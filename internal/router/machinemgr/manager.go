// Package machinemgr tracks the live duplex channel of each connected
// machine agent. The invariant is one channel per machine: a new
// authenticated connection replaces the old one, which is closed with
// a distinguishing close code.
package machinemgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/termrelay/termrelay/internal/metrics"
	"github.com/termrelay/termrelay/internal/wire"
)

// sendTimeout bounds a single frame write so one stuck peer cannot
// wedge the flush loop.
const sendTimeout = 10 * time.Second

// Conn represents a connected machine's duplex channel.
type Conn struct {
	MachineID string
	WS        *websocket.Conn
	SendFn    func(wire.Frame) error // Optional: overrides WS writes for testing.
	mu        sync.Mutex
}

// Send writes a frame to the machine. The mutex serializes writes so
// concurrent senders cannot interleave WebSocket frames.
func (c *Conn) Send(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SendFn != nil {
		return c.SendFn(f)
	}
	if c.WS == nil {
		return fmt.Errorf("connection is nil")
	}

	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return c.WS.Write(writeCtx, websocket.MessageText, data)
}

// close tears down the underlying channel with the given code.
func (c *Conn) close(code websocket.StatusCode, reason string) {
	if c.WS != nil {
		_ = c.WS.Close(code, reason)
	}
}

// Manager tracks connected machines. Thread-safe.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Conn // machineID -> Conn
}

// New creates a new Manager.
func New() *Manager {
	return &Manager{conns: make(map[string]*Conn)}
}

// Register installs a machine connection. If the machine already has a
// live channel, the old one is closed with wire.CloseReplaced before
// the new one takes over.
func (m *Manager) Register(c *Conn) {
	m.mu.Lock()
	old, exists := m.conns[c.MachineID]
	m.conns[c.MachineID] = c
	m.mu.Unlock()

	if exists {
		old.close(websocket.StatusCode(wire.CloseReplaced), "replaced by newer connection")
	} else {
		metrics.ConnectedMachines.Inc()
	}
}

// Unregister removes the given connection only if it is still the
// registered one for that machine. This prevents a replaced
// connection's deferred cleanup from removing its replacement.
// Returns true if the connection was actually removed.
func (m *Manager) Unregister(machineID string, c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[machineID] == c {
		delete(m.conns, machineID)
		metrics.ConnectedMachines.Dec()
		return true
	}
	return false
}

// Get returns a machine's connection, or nil if offline.
func (m *Manager) Get(machineID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[machineID]
}

// IsOnline reports whether the machine currently has a live channel.
func (m *Manager) IsOnline(machineID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[machineID]
	return ok
}

// Count returns the number of connected machines.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
