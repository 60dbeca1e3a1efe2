// Package conn implements the Connection Manager: the registry of live
// client connections keyed by user id, heartbeat/liveness detection, and
// send/broadcast delivery primitives, per spec §4.3.
//
// Adapted from the teacher's internal/core/channel_state.go: a single mutex
// guarding a small map, a per-connection buffered send channel, and a
// trySend-with-timeout helper that survives sends racing a close. That file
// has no equivalent of heartbeat-driven liveness eviction (its connections
// only die via explicit Remove); this adds the alive-flag/ping-pong sweep
// spec §4.3 requires.
package conn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vibeconnect/rendezvous/internal/clock"
)

// sendTimeout bounds how long a single delivery attempt may block a slow
// reader before it is dropped, mirroring channel_state.go's SendTimeout.
const sendTimeout = 50 * time.Millisecond

// Sender abstracts the transport write used to deliver a single frame.
// The real implementation wraps a *websocket.Conn; tests use a recording
// fake.
type Sender interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Connection is one live client's registered state, exclusively owned by
// the Manager.
type Connection struct {
	UserID      string
	RemoteIP    string
	ConnectedAt int64
	lastPongAt  int64 // unix nanos, accessed only under Manager.mu
	alive       bool

	sendCount uint64
	recvCount uint64

	send chan []byte
	done chan struct{}

	sender Sender
}

// Metrics is the aggregate view returned by GetMetrics.
type Metrics struct {
	ConnectionCount int
	TotalSent       uint64
	TotalReceived   uint64
}

// Manager owns every live connection.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	clock             clock.Clock
	connectionTimeout int64 // nanoseconds
}

func New(clk clock.Clock, connectionTimeoutNanos int64) *Manager {
	return &Manager{
		conns:             make(map[string]*Connection),
		clock:             clk,
		connectionTimeout: connectionTimeoutNanos,
	}
}

// AddConnection registers userId's connection. If a connection for userId
// already exists, it is closed with a normal-closure code before the new
// one is installed, matching the "replace on re-identify" semantics spec
// §4.3 requires.
func (m *Manager) AddConnection(userID, remoteIP string, sender Sender) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.conns[userID]; ok {
		close(old.done)
		if err := old.sender.Close(1000, "replaced"); err != nil {
			slog.Debug("close prior connection on replace", "user_id", userID, "err", err)
		}
	}

	now := m.clock.Now().UnixNano()
	c := &Connection{
		UserID:      userID,
		RemoteIP:    remoteIP,
		ConnectedAt: now,
		lastPongAt:  now,
		alive:       true,
		send:        make(chan []byte, 64),
		done:        make(chan struct{}),
		sender:      sender,
	}
	m.conns[userID] = c
	return c
}

// RemoveConnection closes and drops userId's connection, if present.
func (m *Manager) RemoveConnection(userID string) {
	m.mu.Lock()
	c, ok := m.conns[userID]
	if ok {
		delete(m.conns, userID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if err := c.sender.Close(1000, "normal closure"); err != nil {
		slog.Debug("close connection on remove", "user_id", userID, "err", err)
	}
}

// trySend delivers payload to c without blocking the caller beyond
// sendTimeout, recovering from a send on an already-closed channel —
// mirrors channel_state.go's trySend.
func trySend(c *Connection, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	case <-time.After(sendTimeout):
		return false
	case <-c.done:
		return false
	}
}

// SendToUser delivers payload to userId's connection. Returns false if the
// connection is gone or the send could not be completed in time.
func (m *Manager) SendToUser(userID string, payload []byte) bool {
	m.mu.RLock()
	c, ok := m.conns[userID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	sent := trySend(c, payload)
	if sent {
		m.mu.Lock()
		c.sendCount++
		m.mu.Unlock()
	}
	return sent
}

// BroadcastToAll delivers payload to every open connection except those in
// exclude. Snapshots the target set under a read lock, then releases it
// before sending, so a slow recipient never blocks the broadcaster's view
// of other connections — the same snapshot-then-release shape as
// channel_state.go's Broadcast.
func (m *Manager) BroadcastToAll(payload []byte, exclude ...string) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.conns))
	for id, c := range m.conns {
		if _, skip := excluded[id]; skip {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if trySend(c, payload) {
			m.mu.Lock()
			c.sendCount++
			m.mu.Unlock()
		}
	}
}

// RecordReceive bumps userId's received-frame counter. Called by the
// Router after it reads one frame from a connection.
func (m *Manager) RecordReceive(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[userID]; ok {
		c.recvCount++
	}
}

// Outbox returns userId's send channel for the writer goroutine to drain,
// and its done channel to know when to stop.
func (m *Manager) Outbox(userID string) (<-chan []byte, <-chan struct{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[userID]
	if !ok {
		return nil, nil, false
	}
	return c.send, c.done, true
}

// GetConnectionCount returns the number of registered connections.
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// GetMetrics returns aggregate counters across all connections.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metrics := Metrics{ConnectionCount: len(m.conns)}
	for _, c := range m.conns {
		metrics.TotalSent += c.sendCount
		metrics.TotalReceived += c.recvCount
	}
	return metrics
}

// MarkPong records liveness evidence for userId. Called on receipt of a
// pong frame, or any inbound frame — spec §4.3 leaves that choice to the
// implementation; the Router calls this on every inbound frame.
func (m *Manager) MarkPong(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[userID]; ok {
		c.alive = true
		c.lastPongAt = m.clock.Now().UnixNano()
	}
}

// HeartbeatTick runs one heartbeat pass: for each connection, if it is not
// marked alive, evict it; otherwise mark it not-alive and return it as a
// probe target (the caller sends the liveness ping). Connections whose
// lastPongAt is older than the connection timeout are evicted regardless.
func (m *Manager) HeartbeatTick() (probeTargets []string, evicted []string) {
	now := m.clock.Now().UnixNano()

	m.mu.Lock()
	var toEvict []*Connection
	for id, c := range m.conns {
		if now-c.lastPongAt > m.connectionTimeout {
			toEvict = append(toEvict, c)
			delete(m.conns, id)
			evicted = append(evicted, id)
			continue
		}
		if !c.alive {
			toEvict = append(toEvict, c)
			delete(m.conns, id)
			evicted = append(evicted, id)
			continue
		}
		c.alive = false
		probeTargets = append(probeTargets, id)
	}
	m.mu.Unlock()

	for _, c := range toEvict {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		if err := c.sender.Close(1001, "going away"); err != nil {
			slog.Debug("close connection on heartbeat eviction", "user_id", c.UserID, "err", err)
		}
	}
	return probeTargets, evicted
}

// Exists reports whether userId currently has a registered connection.
func (m *Manager) Exists(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[userID]
	return ok
}

// RemoteIP returns userId's connection's remote IP, if registered.
func (m *Manager) RemoteIP(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[userID]
	if !ok {
		return "", false
	}
	return c.RemoteIP, true
}
