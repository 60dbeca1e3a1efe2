// Package router implements the Message Router: the only component that
// sequences cross-manager state changes, per spec §4.5. It validates every
// inbound frame against the schema table, dispatches to per-type handlers,
// and composes the Queue, Pairing, Connection, and Security managers.
//
// Adapted from the teacher's internal/ws/handler.go: a giant
// validate-then-dispatch-then-broadcast switch on message type, generalized
// from the chat app's channel/voice/reaction vocabulary to this spec's
// identify/join/text-message/signaling/report/video-request/mode-switch/
// ping vocabulary.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vibeconnect/rendezvous/internal/clock"
	"github.com/vibeconnect/rendezvous/internal/conn"
	"github.com/vibeconnect/rendezvous/internal/metrics"
	"github.com/vibeconnect/rendezvous/internal/pairing"
	"github.com/vibeconnect/rendezvous/internal/protocol"
	"github.com/vibeconnect/rendezvous/internal/queue"
	"github.com/vibeconnect/rendezvous/internal/security"
)

// ErrFrameTooLarge, ErrUndecodable, and ErrUnknownType are the three
// protocol-level rejections in spec §4.5's ordered validation steps.
var (
	ErrFrameTooLarge = errors.New("router: frame exceeds max size")
	ErrUndecodable   = errors.New("router: frame is not valid JSON")
	ErrUnknownType   = errors.New("router: unknown or missing message type")
	ErrMissingFields = errors.New("router: missing required fields")
)

// ConnState is the per-connection context the transport layer keeps across
// calls to Dispatch. UserID starts empty and is set by the identify
// handler; RemoteIP is fixed at connection time.
type ConnState struct {
	mu       sync.Mutex
	UserID   string
	RemoteIP string
}

func (s *ConnState) boundUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UserID
}

// BoundUserID returns the connection's bound user id, or "" before
// identify completes. Safe for concurrent use by the transport layer's
// writer goroutine alongside the read loop calling HandleFrame.
func (s *ConnState) BoundUserID() string {
	return s.boundUserID()
}

func (s *ConnState) bind(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
}

// Config bounds the Router's protocol-level enforcement.
type Config struct {
	MaxFrameSize int
}

// Router composes the four managers and dispatches every inbound frame.
type Router struct {
	cfg Config

	clock    clock.Clock
	queue    *queue.Manager
	pairing  *pairing.Manager
	conns    *conn.Manager
	security *security.Manager
	metrics  *metrics.Registry

	// pairMu is the Router-held logical section spanning
	// addToQueue -> matchUsers -> createPair -> send paired, making the
	// "paired" event atomic per spec §5's locking discipline. It wraps
	// join-mode and disconnect handling, since both mutate the
	// queue/pairing boundary.
	pairMu sync.Mutex
}

// New constructs a Router. reg may be nil, in which case metric updates are
// skipped (used by tests that don't care about the /metrics surface).
func New(clk clock.Clock, q *queue.Manager, p *pairing.Manager, c *conn.Manager, s *security.Manager, reg *metrics.Registry, cfg Config) *Router {
	return &Router{
		cfg:      cfg,
		clock:    clk,
		queue:    q,
		pairing:  p,
		conns:    c,
		security: s,
		metrics:  reg,
	}
}

// HandleFrame validates raw per spec §4.5 steps 1-4 and dispatches to the
// matching handler. sender is the connection's raw transport: identify
// registers it with the Connection Manager, replies sent before identify go
// through it directly, and an undecodable frame closes it.
func (r *Router) HandleFrame(state *ConnState, raw []byte, sender conn.Sender) {
	if !r.security.AllowGlobal() {
		r.countRejected("global_rate_limited")
		r.replyError(state, sender, "server busy")
		return
	}

	if len(raw) > r.cfg.MaxFrameSize {
		r.countRejected("frame_too_large")
		r.replyError(state, sender, "frame too large")
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Undecodable JSON closes the transport with a protocol-error code
		// per spec §7's protocol error policy.
		r.countRejected("undecodable_json")
		slog.Debug("undecodable frame", "err", err)
		if sender != nil {
			_ = sender.Close(1002, "undecodable frame")
		}
		return
	}

	if msg.Type == "" {
		r.countRejected("unknown_type")
		r.replyError(state, sender, "unknown message type")
		return
	}

	if err := validateSchema(msg); err != nil {
		r.countRejected("missing_fields")
		r.replyError(state, sender, err.Error())
		return
	}

	userID := state.boundUserID()
	if userID != "" {
		r.conns.RecordReceive(userID)
		r.conns.MarkPong(userID)
	}

	switch msg.Type {
	case protocol.TypeIdentify:
		r.handleIdentify(state, sender, msg)
	case protocol.TypeJoinText:
		r.handleJoin(state, protocol.ModeText)
	case protocol.TypeJoinVideo:
		r.handleJoin(state, protocol.ModeVideo)
	case protocol.TypeJoinVoice:
		r.handleJoin(state, protocol.ModeVoice)
	case protocol.TypeTextMessage:
		r.handleTextMessage(state, msg)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		r.handleSignalingRelay(state, msg)
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		r.handleTypingRelay(state, msg)
	case protocol.TypeReportUser:
		r.handleReportUser(state, msg)
	case protocol.TypeDisconnect:
		r.handleDisconnect(state.boundUserID())
	case protocol.TypeVideoRequest, protocol.TypeVideoAccept, protocol.TypeVideoDecline, protocol.TypeVideoCancel:
		r.handleVideoRequestRelay(msg)
	case protocol.TypeModeSwitchVideo:
		r.handleModeSwitch(state, msg)
	case protocol.TypePing:
		// no-op at this layer; MarkPong above already recorded liveness.
	default:
		r.replyError(state, sender, "unknown message type")
	}
}

// validateSchema checks the required-fields table in spec §4.5.
func validateSchema(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeIdentify:
		if msg.UserID == "" || msg.Fingerprint == "" {
			return fmt.Errorf("%w: userId, fingerprint", ErrMissingFields)
		}
	case protocol.TypeJoinText, protocol.TypeJoinVideo, protocol.TypeJoinVoice:
		if msg.UserID == "" {
			return fmt.Errorf("%w: userId", ErrMissingFields)
		}
	case protocol.TypeTextMessage:
		if msg.UserID == "" || msg.TargetID == "" || msg.Message == "" {
			return fmt.Errorf("%w: userId, targetId, message", ErrMissingFields)
		}
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		if msg.UserID == "" || msg.TargetID == "" || msg.Payload == nil {
			return fmt.Errorf("%w: userId, targetId, payload", ErrMissingFields)
		}
	case protocol.TypeDisconnect:
		if msg.UserID == "" {
			return fmt.Errorf("%w: userId", ErrMissingFields)
		}
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		if msg.UserID == "" || msg.TargetID == "" {
			return fmt.Errorf("%w: userId, targetId", ErrMissingFields)
		}
	case protocol.TypeReportUser:
		if msg.UserID == "" || msg.ReportedID == "" || msg.Reason == "" {
			return fmt.Errorf("%w: userId, reportedId, reason", ErrMissingFields)
		}
	case protocol.TypeVideoRequest, protocol.TypeVideoAccept, protocol.TypeVideoDecline, protocol.TypeVideoCancel:
		if msg.To == "" || msg.From == "" {
			return fmt.Errorf("%w: to, from", ErrMissingFields)
		}
	case protocol.TypeModeSwitchVideo:
		if msg.UserID == "" || msg.PartnerID == "" {
			return fmt.Errorf("%w: userId, partnerId", ErrMissingFields)
		}
	case protocol.TypePing:
		// no required fields
	default:
		return ErrUnknownType
	}
	return nil
}

func (r *Router) handleIdentify(state *ConnState, sender conn.Sender, msg protocol.Message) {
	state.bind(msg.UserID)
	r.conns.AddConnection(msg.UserID, state.RemoteIP, sender)

	check := r.security.TrackFingerprint(msg.Fingerprint, msg.UserID)
	if check.Suspicious {
		r.send(msg.UserID, protocol.Message{Type: protocol.TypeWarning, Message: check.Reason})
	}
}

// handleJoin implements spec §4.5's join-<mode> handler, holding the
// router's pairing lock across addToQueue -> matchUsers -> createPair ->
// send paired, the critical section spec §5 mandates.
func (r *Router) handleJoin(state *ConnState, mode protocol.Mode) {
	userID := state.boundUserID()
	if userID == "" {
		return
	}

	r.pairMu.Lock()
	defer r.pairMu.Unlock()

	if res := r.queue.AddToQueue(userID, mode, 0); res == queue.RejectedFull {
		r.send(userID, protocol.Message{Type: protocol.TypeError, Message: "queue is full"})
		return
	}

	match, matched := r.queue.MatchUsers(mode)
	if !matched {
		r.send(userID, protocol.Message{Type: protocol.TypeWaiting})
		return
	}

	if _, err := r.pairing.CreatePair(match.User1, match.User2, mode); err != nil {
		slog.Error("create pair after match failed", "user1", match.User1, "user2", match.User2, "err", err)
		return
	}

	if mode == protocol.ModeVideo {
		r.send(match.User1, protocol.Message{Type: protocol.TypePaired, PartnerID: match.User2, IsOfferer: protocol.Bool(true)})
		r.send(match.User2, protocol.Message{Type: protocol.TypePaired, PartnerID: match.User1, IsOfferer: protocol.Bool(false)})
		return
	}
	r.send(match.User1, protocol.Message{Type: protocol.TypePaired, PartnerID: match.User2})
	r.send(match.User2, protocol.Message{Type: protocol.TypePaired, PartnerID: match.User1})
}

func (r *Router) handleTextMessage(state *ConnState, msg protocol.Message) {
	userID := state.boundUserID()
	if userID == "" {
		return
	}

	if !r.security.CheckRateLimit(userID, security.ActionMessage) {
		r.send(userID, protocol.Message{Type: protocol.TypeError, Message: "rate limit exceeded"})
		return
	}

	result := r.security.ValidateMessage(msg.Message)
	if !result.Valid {
		r.send(userID, protocol.Message{Type: protocol.TypeError, Message: result.Reason})
		return
	}

	r.security.TrackUserAction(userID, security.ActionMessage)
	r.pairing.IncrementMessageCount(userID)

	r.send(msg.TargetID, protocol.Message{Type: protocol.TypeTextMessage, From: userID, Message: result.Filtered})
	if r.metrics != nil {
		r.metrics.MessagesRouted.Inc()
	}
}

// handleSignalingRelay relays offer/answer/ice-candidate as an opaque blob,
// copying the payload through untouched and setting From to the sender.
func (r *Router) handleSignalingRelay(state *ConnState, msg protocol.Message) {
	userID := state.boundUserID()
	if userID == "" {
		return
	}
	r.send(msg.TargetID, protocol.Message{Type: msg.Type, From: userID, Payload: msg.Payload})
}

func (r *Router) handleTypingRelay(state *ConnState, msg protocol.Message) {
	userID := state.boundUserID()
	if userID == "" {
		return
	}
	r.send(msg.TargetID, protocol.Message{Type: msg.Type, From: userID})
}

// handleReportUser implements spec §4.5's report-user handler, including
// the report-cascade ban at 5 accepted reports.
func (r *Router) handleReportUser(state *ConnState, msg protocol.Message) {
	userID := state.boundUserID()
	if userID == "" {
		return
	}

	if !r.security.CheckRateLimit(userID, security.ActionReport) {
		r.send(userID, protocol.Message{Type: protocol.TypeError, Message: "rate limit exceeded"})
		return
	}

	r.security.TrackUserAction(msg.ReportedID, security.ActionReport)
	count := r.security.RecordReport(msg.ReportedID)

	if count >= 5 {
		r.banAndDisconnect(msg.ReportedID, banDurationForPattern(security.PatternHarasser), "report cascade")
	}
}

// handleVideoRequestRelay relays the video-request family only if sender
// and target are actually paired, per spec §4.5 and the drop-and-log
// resolution of the open question in spec §9.
func (r *Router) handleVideoRequestRelay(msg protocol.Message) {
	partner, ok := r.pairing.GetPair(msg.From)
	if !ok || partner != msg.To {
		slog.Debug("dropping video-request relay: sender/target not paired", "from", msg.From, "to", msg.To, "type", msg.Type)
		return
	}
	r.send(msg.To, protocol.Message{Type: msg.Type, From: msg.From})
}

// handleModeSwitch implements spec §4.5's mode-switch-to-video handler.
func (r *Router) handleModeSwitch(state *ConnState, msg protocol.Message) {
	userID := state.boundUserID()
	if userID == "" {
		return
	}

	result, err := r.pairing.SwitchMode(userID, msg.PartnerID, protocol.ModeVideo)
	if err != nil {
		r.send(userID, protocol.Message{Type: protocol.TypeError, Message: "mode switch failed"})
		return
	}
	if !result.BothReady {
		return
	}

	r.send(userID, protocol.Message{Type: protocol.TypeVideoModeReady, PartnerID: result.PartnerID, IsOfferer: protocol.Bool(result.IsOfferer)})
	r.send(result.PartnerID, protocol.Message{Type: protocol.TypeVideoModeReady, PartnerID: userID, IsOfferer: protocol.Bool(!result.IsOfferer)})
}

// Disconnect runs the disconnect sequence for userID. Exported so the
// heartbeat sweeper in cmd/server can run the same sequence for
// connections evicted on liveness timeout, not just explicit client
// disconnects.
func (r *Router) Disconnect(userID string) {
	r.handleDisconnect(userID)
}

// handleDisconnect implements the disconnect sequence, spec §4.5.1 — the
// most error-prone flow. It must be atomic with respect to any concurrent
// join or message handler for x or its partner, hence the pairMu section.
func (r *Router) handleDisconnect(userID string) {
	if userID == "" {
		return
	}

	r.pairMu.Lock()
	defer r.pairMu.Unlock()

	r.queue.RemoveFromQueue(userID)
	r.security.TrackUserAction(userID, security.ActionSkip)

	for _, pattern := range r.security.DetectAbusePatterns(userID) {
		switch pattern {
		case security.PatternHarasser:
			r.banAndDisconnect(userID, banDurationForPattern(security.PatternHarasser), "harasser pattern on disconnect")
		case security.PatternSpammer:
			r.banAndDisconnect(userID, banDurationForPattern(security.PatternSpammer), "spammer pattern on disconnect")
		case security.PatternSkipAbuser:
			r.send(userID, protocol.Message{Type: protocol.TypeWarning, Message: "skip_abuser pattern detected"})
		}
	}

	result, ok := r.pairing.BreakPair(userID)
	if !ok {
		return
	}

	r.send(result.PartnerID, protocol.Message{Type: protocol.TypePartnerDisconnected})

	if r.conns.Exists(result.PartnerID) {
		// BreakPair has already cleared both users' modes; the returned
		// session still carries the pair's mode.
		if mode := result.Session.Mode; mode.Valid() {
			r.queue.AddToQueue(result.PartnerID, mode, 0)
			r.send(result.PartnerID, protocol.Message{Type: protocol.TypeWaiting})
		}
	}
}

// banDurationForPattern returns the escalation duration spec §7's
// error-handling table assigns to a given abuse pattern: 24h for harasser,
// 1h for spammer. skip_abuser only warns, so it has no ban duration.
func banDurationForPattern(pattern security.AbusePattern) time.Duration {
	switch pattern {
	case security.PatternHarasser:
		return 24 * time.Hour
	case security.PatternSpammer:
		return time.Hour
	}
	return 0
}

// banAndDisconnect bans userID's current remote IP for duration, records
// the ban against its fingerprint, and force-disconnects it, per spec §4.5
// and §7.
func (r *Router) banAndDisconnect(userID string, duration time.Duration, reason string) {
	if ip, ok := r.conns.RemoteIP(userID); ok {
		r.security.BanIPFor(ip, duration, reason)
	}
	r.security.RecordBan(userID)
	if r.metrics != nil {
		r.metrics.BansIssued.Inc()
	}
	r.send(userID, protocol.Message{Type: protocol.TypeWarning, Message: reason})
	r.conns.RemoveConnection(userID)
}

// send marshals msg and delivers it to userID via the Connection Manager.
func (r *Router) send(userID string, msg protocol.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal outbound message", "type", msg.Type, "err", err)
		return
	}
	r.conns.SendToUser(userID, payload)
}

// countRejected bumps the frames_rejected_total counter for reason, if a
// metrics registry is attached.
func (r *Router) countRejected(reason string) {
	if r.metrics != nil {
		r.metrics.FramesRejected.WithLabelValues(reason).Inc()
	}
}

// replyError sends an error frame either through the Connection Manager
// (if the connection has completed identify) or directly through the raw
// sender (for frames received before identify).
func (r *Router) replyError(state *ConnState, sender conn.Sender, reason string) {
	payload, err := json.Marshal(protocol.Message{Type: protocol.TypeError, Message: reason})
	if err != nil {
		return
	}
	userID := state.boundUserID()
	if userID != "" {
		r.conns.SendToUser(userID, payload)
		return
	}
	if sender != nil {
		_ = sender.Send(payload)
	}
}
