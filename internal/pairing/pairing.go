// Package pairing implements the Pairing Manager: the authoritative pair
// relation, per-pair session records, and the two-step mode-switch
// handshake, per spec §4.2.
package pairing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vibeconnect/rendezvous/internal/clock"
	"github.com/vibeconnect/rendezvous/internal/protocol"
)

var (
	ErrSelfPair     = errors.New("pairing: cannot pair a user with itself")
	ErrAlreadyPaired = errors.New("pairing: user already paired")
	ErrInvalidMode  = errors.New("pairing: invalid mode")
	ErrNotPaired    = errors.New("pairing: user not paired")
	ErrWrongPartner = errors.New("pairing: partner mismatch")
)

// SwitchRecord is one entry of a Session's mode-switch history.
type SwitchRecord struct {
	From, To protocol.Mode
	At       int64 // unix nanos
}

// Session is the per-pair record; lifetime matches the pair's lifetime.
type Session struct {
	PairID        string
	User1, User2  string
	Mode          protocol.Mode
	StartedAt     int64
	MessageCount  uint64
	SwitchHistory []SwitchRecord
}

// pendingSwitch is one half-completed mode-switch handshake.
type pendingSwitch struct {
	initiator string
	newMode   protocol.Mode
	at        int64
}

// SwitchResult is returned by SwitchMode.
type SwitchResult struct {
	IsOfferer bool
	BothReady bool
	PartnerID string
}

// Manager owns the pair relation, sessions, and mode-switch handshakes.
//
// Grounded on the teacher's internal/core/channel_state.go pattern of a
// single RWMutex guarding a small set of maps with state-delta returns, here
// specialized to 2-party pairs instead of N-party channel rosters.
type Manager struct {
	mu sync.Mutex

	pairs    map[string]string // userId -> partnerId, symmetric
	modes    map[string]protocol.Mode
	sessions map[string]*Session // keyed by pairId

	// modeSwitchPending[partnerId] = pendingSwitch describing the initiator
	// waiting on partnerId's reply, per spec §4.2.
	pending map[string]pendingSwitch

	clock         clock.Clock
	switchTimeout int64 // nanoseconds
}

func New(clk clock.Clock, switchTimeoutNanos int64) *Manager {
	return &Manager{
		pairs:    make(map[string]string),
		modes:    make(map[string]protocol.Mode),
		sessions: make(map[string]*Session),
		pending:  make(map[string]pendingSwitch),

		clock:         clk,
		switchTimeout: switchTimeoutNanos,
	}
}

func pairID(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

// CreatePair establishes a mutual pairing between user1 and user2 in mode.
func (m *Manager) CreatePair(user1, user2 string, mode protocol.Mode) (*Session, error) {
	if user1 == user2 {
		return nil, ErrSelfPair
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pairs[user1]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, user1)
	}
	if _, ok := m.pairs[user2]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, user2)
	}

	m.pairs[user1] = user2
	m.pairs[user2] = user1
	m.modes[user1] = mode
	m.modes[user2] = mode

	sess := &Session{
		PairID:    pairID(user1, user2),
		User1:     user1,
		User2:     user2,
		Mode:      mode,
		StartedAt: m.clock.Now().UnixNano(),
	}
	m.sessions[sess.PairID] = sess
	return sess, nil
}

// GetPair returns userId's current partner, if any.
func (m *Manager) GetPair(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[userID]
	return p, ok
}

// IsPaired reports whether userId is currently paired.
func (m *Manager) IsPaired(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pairs[userID]
	return ok
}

// GetUserMode returns userId's current mode, if paired.
func (m *Manager) GetUserMode(userID string) (protocol.Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[userID]
	return mode, ok
}

// GetSessionData returns a copy of userId's current session, if paired.
func (m *Manager) GetSessionData(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	partner, ok := m.pairs[userID]
	if !ok {
		return Session{}, false
	}
	sess, ok := m.sessions[pairID(userID, partner)]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// BreakResult is returned by BreakPair.
type BreakResult struct {
	PartnerID string
	Session   Session
}

// BreakPair atomically dissolves userId's pair, clearing both sides of the
// relation, both modes, the session, and any mode-switch-pending entries
// keyed by either side.
func (m *Manager) BreakPair(userID string) (BreakResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	partner, ok := m.pairs[userID]
	if !ok {
		return BreakResult{}, false
	}

	pid := pairID(userID, partner)
	sess := m.sessions[pid]

	delete(m.pairs, userID)
	delete(m.pairs, partner)
	delete(m.modes, userID)
	delete(m.modes, partner)
	delete(m.sessions, pid)
	delete(m.pending, userID)
	delete(m.pending, partner)

	result := BreakResult{PartnerID: partner}
	if sess != nil {
		result.Session = *sess
	}
	return result, true
}

// IncrementMessageCount bumps the message counter on userId's current
// session.
func (m *Manager) IncrementMessageCount(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	partner, ok := m.pairs[userID]
	if !ok {
		return
	}
	if sess, ok := m.sessions[pairID(userID, partner)]; ok {
		sess.MessageCount++
	}
}

// SwitchMode drives the two-step mode-switch handshake described in
// spec §4.2.
func (m *Manager) SwitchMode(userID, partnerID string, newMode protocol.Mode) (SwitchResult, error) {
	if !newMode.Valid() {
		return SwitchResult{}, ErrInvalidMode
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	actual, ok := m.pairs[userID]
	if !ok || actual != partnerID {
		return SwitchResult{}, ErrNotPaired
	}

	m.expirePendingLocked(partnerID)
	m.expirePendingLocked(userID)

	if p, ok := m.pending[partnerID]; ok && p.initiator == userID {
		// Second arrival of the SAME initiator calling again before the
		// partner replied: treat as a no-op re-announcement, not a new
		// handshake. Not named explicitly in spec.md; a defensive read of
		// the two-step description, which assumes A calls once then waits.
		return SwitchResult{IsOfferer: true, BothReady: false, PartnerID: partnerID}, nil
	}

	if p, ok := m.pending[userID]; ok {
		// userID is the second arrival: p.initiator set up
		// modeSwitchPending[userID] = p.initiator expecting userID's reply.
		delete(m.pending, userID)

		actual, ok := m.pairs[p.initiator]
		if !ok || actual != userID {
			return SwitchResult{}, ErrNotPaired
		}

		m.modes[userID] = newMode
		m.modes[p.initiator] = newMode

		pid := pairID(userID, p.initiator)
		if sess, ok := m.sessions[pid]; ok {
			sess.SwitchHistory = append(sess.SwitchHistory, SwitchRecord{
				From: sess.Mode,
				To:   newMode,
				At:   m.clock.Now().UnixNano(),
			})
			sess.Mode = newMode
		}

		return SwitchResult{IsOfferer: false, BothReady: true, PartnerID: p.initiator}, nil
	}

	// First arrival: userID initiates, partnerID is the expected replier.
	m.pending[partnerID] = pendingSwitch{
		initiator: userID,
		newMode:   newMode,
		at:        m.clock.Now().UnixNano(),
	}
	m.modes[userID] = newMode

	return SwitchResult{IsOfferer: true, BothReady: false, PartnerID: partnerID}, nil
}

// expirePendingLocked drops key's pending entry if it is older than the
// configured switch timeout. Caller must hold m.mu.
func (m *Manager) expirePendingLocked(key string) {
	p, ok := m.pending[key]
	if !ok {
		return
	}
	if m.clock.Now().UnixNano()-p.at > m.switchTimeout {
		delete(m.pending, key)
	}
}

// SweepExpiredSwitches removes every pending mode-switch handshake older
// than the configured timeout. Intended for the periodic cleanup task.
func (m *Manager) SweepExpiredSwitches() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixNano()
	evicted := 0
	for k, p := range m.pending {
		if now-p.at > m.switchTimeout {
			delete(m.pending, k)
			evicted++
		}
	}
	return evicted
}

// PairCount returns the number of currently active pairs.
func (m *Manager) PairCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
