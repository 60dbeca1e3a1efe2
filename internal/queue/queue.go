// Package queue implements the matching queues: one FIFO per (mode, tier)
// pair, with remove-by-key through a user-id index and a single exclusive
// critical section serializing the decision-and-pop sequence, per spec §4.1
// and §5. Finding a user's lane and position is O(1); removing or popping an
// entry shifts the rest of its lane, which is linear in the lane's length.
package queue

import (
	"log/slog"
	"sync"

	"github.com/vibeconnect/rendezvous/internal/clock"
	"github.com/vibeconnect/rendezvous/internal/protocol"
)

// Tier selects which priority lane an entry occupies within a mode.
type Tier int

const (
	TierNormal Tier = iota
	TierPriority
)

// Entry is a queued user waiting to be matched.
type Entry struct {
	UserID      string
	Mode        protocol.Mode
	Priority    int
	EnqueuedAt  int64 // unix nanos, from the injected clock
}

// Match is the result of a successful MatchUsers call.
type Match struct {
	User1, User2 string
	WaitTime     int64 // nanoseconds User1 waited
	Mode         protocol.Mode
}

// AddResult is the outcome of AddToQueue.
type AddResult int

const (
	Admitted AddResult = iota
	RejectedFull
)

// laneKey identifies one (mode, tier) FIFO lane.
type laneKey struct {
	mode protocol.Mode
	tier Tier
}

// lane is a slice-backed FIFO with an index map giving each user id's
// position. popFront, pushFront and remove shift the remaining entries and
// reindex them, so each costs time linear in the lane's length.
// This mirrors the teacher's bounded-eviction idiom for msgOwnerKeys/
// msgStoreKeys in room.go, generalized from "evict oldest" to "remove any
// key" — no pack dependency models a keyed FIFO better than this, so it
// stays on a plain slice+map rather than reaching for an external queue
// library.
type lane struct {
	entries []Entry
	index   map[string]int // userId -> position in entries
}

func newLane() *lane {
	return &lane{index: make(map[string]int)}
}

func (l *lane) push(e Entry) {
	l.index[e.UserID] = len(l.entries)
	l.entries = append(l.entries, e)
}

func (l *lane) popFront() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	e := l.entries[0]
	l.entries = l.entries[1:]
	delete(l.index, e.UserID)
	for id, idx := range l.index {
		l.index[id] = idx - 1
	}
	return e, true
}

// pushFront reinserts e at the head of the lane (used by the anti-self-match
// guard to put a popped entry back without losing its place in line).
func (l *lane) pushFront(e Entry) {
	l.entries = append([]Entry{e}, l.entries...)
	for id, idx := range l.index {
		l.index[id] = idx + 1
	}
	l.index[e.UserID] = 0
}

func (l *lane) remove(userID string) bool {
	idx, ok := l.index[userID]
	if !ok {
		return false
	}
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
	delete(l.index, userID)
	for id, i := range l.index {
		if i > idx {
			l.index[id] = i - 1
		}
	}
	return true
}

func (l *lane) get(userID string) (Entry, bool) {
	idx, ok := l.index[userID]
	if !ok {
		return Entry{}, false
	}
	return l.entries[idx], true
}

// Manager is the Queue Manager: exclusive matching critical section, bounded
// per-tier size, and a timeout sweep.
type Manager struct {
	mu           sync.Mutex // serializes AddToQueue, RemoveFromQueue, MatchUsers
	lanes        map[laneKey]*lane
	userLane     map[string]laneKey // userId -> current lane, for O(1) cross-mode removal
	maxQueueSize int
	queueTimeout int64 // nanoseconds
	clock        clock.Clock
	priorityOn   bool

	timeoutCount uint64
}

// New constructs a Queue Manager. priorityEnabled controls whether
// priority>0 entries get a separate tier (spec §4.1: "when priority is
// enabled").
func New(clk clock.Clock, maxQueueSize int, queueTimeoutNanos int64, priorityEnabled bool) *Manager {
	return &Manager{
		lanes:        make(map[laneKey]*lane),
		userLane:     make(map[string]laneKey),
		maxQueueSize: maxQueueSize,
		queueTimeout: queueTimeoutNanos,
		clock:        clk,
		priorityOn:   priorityEnabled,
	}
}

func (m *Manager) laneFor(mode protocol.Mode, tier Tier) *lane {
	k := laneKey{mode: mode, tier: tier}
	l, ok := m.lanes[k]
	if !ok {
		l = newLane()
		m.lanes[k] = l
	}
	return l
}

func (m *Manager) tierFor(priority int) Tier {
	if m.priorityOn && priority > 0 {
		return TierPriority
	}
	return TierNormal
}

// AddToQueue enqueues userId for mode at the given priority. If userId is
// already queued anywhere (any mode/tier), it is removed first, per spec.
func (m *Manager) AddToQueue(userID string, mode protocol.Mode, priority int) AddResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(userID)

	tier := m.tierFor(priority)
	l := m.laneFor(mode, tier)
	if m.maxQueueSize > 0 && len(l.entries) >= m.maxQueueSize {
		return RejectedFull
	}

	e := Entry{UserID: userID, Mode: mode, Priority: priority, EnqueuedAt: m.clock.Now().UnixNano()}
	l.push(e)
	m.userLane[userID] = laneKey{mode: mode, tier: tier}
	return Admitted
}

// MatchUsers attempts to pair two waiting users for mode, in priority order:
// two from priority, one from each tier (priority first), two from normal.
func (m *Manager) MatchUsers(mode protocol.Mode) (Match, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchLocked(mode)
}

func (m *Manager) matchLocked(mode protocol.Mode) (Match, bool) {
	priLane := m.laneFor(mode, TierPriority)
	normLane := m.laneFor(mode, TierNormal)

	var a, b Entry
	var ok bool

	switch {
	case m.priorityOn && len(priLane.entries) >= 2:
		a, ok = priLane.popFront()
		if !ok {
			return Match{}, false
		}
		b, ok = priLane.popFront()
	case m.priorityOn && len(priLane.entries) >= 1 && len(normLane.entries) >= 1:
		a, ok = priLane.popFront()
		if !ok {
			return Match{}, false
		}
		b, ok = normLane.popFront()
	case len(normLane.entries) >= 2:
		a, ok = normLane.popFront()
		if !ok {
			return Match{}, false
		}
		b, ok = normLane.popFront()
	default:
		return Match{}, false
	}
	if !ok {
		// b failed to pop (shouldn't happen given the length checks above);
		// restore a and bail rather than leaking it.
		m.reinsertLocked(a)
		return Match{}, false
	}

	delete(m.userLane, a.UserID)
	delete(m.userLane, b.UserID)

	if a.UserID == b.UserID {
		// Anti-self-match guard: only reachable via a buggy duplicate
		// enqueue that bypassed AddToQueue's remove-then-add sequencing.
		slog.Warn("queue anti-self-match guard triggered", "user_id", a.UserID, "mode", mode)
		m.reinsertLocked(a)
		return Match{}, false
	}

	wait := m.clock.Now().UnixNano() - a.EnqueuedAt
	return Match{User1: a.UserID, User2: b.UserID, WaitTime: wait, Mode: mode}, true
}

// reinsertLocked puts e back at the head of its original lane. Used only by
// the anti-self-match guard.
func (m *Manager) reinsertLocked(e Entry) {
	tier := m.tierFor(e.Priority)
	l := m.laneFor(e.Mode, tier)
	l.pushFront(e)
	m.userLane[e.UserID] = laneKey{mode: e.Mode, tier: tier}
}

// RemoveFromQueue removes userId from whatever lane it currently occupies.
func (m *Manager) RemoveFromQueue(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(userID)
}

func (m *Manager) removeLocked(userID string) bool {
	k, ok := m.userLane[userID]
	if !ok {
		return false
	}
	l := m.lanes[k]
	removed := l.remove(userID)
	delete(m.userLane, userID)
	return removed
}

// QueueStatus is the read-only view returned by IsInQueue.
type QueueStatus struct {
	Mode     protocol.Mode
	Priority int
	WaitTime int64
}

// IsInQueue reports whether userId currently has a queue entry.
func (m *Manager) IsInQueue(userID string) (QueueStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.userLane[userID]
	if !ok {
		return QueueStatus{}, false
	}
	e, ok := m.lanes[k].get(userID)
	if !ok {
		return QueueStatus{}, false
	}
	return QueueStatus{Mode: e.Mode, Priority: e.Priority, WaitTime: m.clock.Now().UnixNano() - e.EnqueuedAt}, true
}

// Sweep removes entries older than the configured queue timeout. Intended
// to run on a periodic background task; returns the number evicted.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixNano()
	evicted := 0
	for _, l := range m.lanes {
		var kept []Entry
		for _, e := range l.entries {
			if now-e.EnqueuedAt > m.queueTimeout {
				delete(l.index, e.UserID)
				delete(m.userLane, e.UserID)
				evicted++
				continue
			}
			kept = append(kept, e)
		}
		l.entries = kept
		l.index = make(map[string]int, len(kept))
		for i, e := range kept {
			l.index[e.UserID] = i
		}
	}
	m.timeoutCount += uint64(evicted)
	return evicted
}

// TimeoutCount returns the cumulative number of entries the sweeper has
// evicted since startup.
func (m *Manager) TimeoutCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeoutCount
}

// LaneLength is one entry of a Snapshot.
type LaneLength struct {
	Mode     protocol.Mode
	Tier     Tier
	Length   int
}

// Snapshot returns the current length of every populated lane, for /health
// and /metrics. Not named in spec.md, which describes the Queue Manager's
// operations but not its read surface for "queue sizes" (spec §6 requires
// /health to report them); this fills that gap.
func (m *Manager) Snapshot() []LaneLength {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LaneLength, 0, len(m.lanes))
	for k, l := range m.lanes {
		if len(l.entries) == 0 {
			continue
		}
		out = append(out, LaneLength{Mode: k.mode, Tier: k.tier, Length: len(l.entries)})
	}
	return out
}

// Total returns the sum of all queue lengths across modes and tiers.
func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, l := range m.lanes {
		total += len(l.entries)
	}
	return total
}
