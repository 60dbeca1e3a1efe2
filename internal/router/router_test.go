package router

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vibeconnect/rendezvous/internal/clock"
	"github.com/vibeconnect/rendezvous/internal/conn"
	"github.com/vibeconnect/rendezvous/internal/pairing"
	"github.com/vibeconnect/rendezvous/internal/protocol"
	"github.com/vibeconnect/rendezvous/internal/queue"
	"github.com/vibeconnect/rendezvous/internal/security"
)

type recordingSender struct {
	mu     sync.Mutex
	closed bool
}

func (s *recordingSender) Send(payload []byte) error { return nil }
func (s *recordingSender) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestRouter(t *testing.T) (*Router, *conn.Manager, clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake()
	qm := queue.New(fc, 100, int64(300*time.Second), false)
	pm := pairing.New(fc, int64(30*time.Second))
	cm := conn.New(fc, int64(60*time.Second))
	sm, err := security.New(fc, security.Config{
		MaxConnectionsPerIP:        20,
		ConnectionWindow:           60 * time.Second,
		BanDuration:                24 * time.Hour,
		WindowInactivity:           time.Hour,
		RateLimitMessagesPerMinute: 30,
		RateLimitSkipsPerMinute:    10,
		RateLimitReportsPerHour:    3,
		MaxMessageLength:           500,
		FingerprintCapacity:        1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := New(fc, qm, pm, cm, sm, nil, Config{MaxFrameSize: 10240})
	return r, cm, fc
}

func identify(t *testing.T, r *Router, cm *conn.Manager, userID string) *ConnState {
	t.Helper()
	state := &ConnState{RemoteIP: "10.0.0.1"}
	frame, _ := json.Marshal(protocol.Message{Type: protocol.TypeIdentify, UserID: userID, Fingerprint: "fp-" + userID})
	r.HandleFrame(state, frame, &recordingSender{})
	return state
}

func drain(t *testing.T, cm *conn.Manager, userID string) protocol.Message {
	t.Helper()
	out, _, ok := cm.Outbox(userID)
	if !ok {
		t.Fatalf("no outbox for %s", userID)
	}
	select {
	case payload := <-out:
		var msg protocol.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("undecodable payload: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a message to %s", userID)
		return protocol.Message{}
	}
}

func TestHappyTextPairing(t *testing.T) {
	r, cm, _ := newTestRouter(t)
	x := identify(t, r, cm, "X")
	y := identify(t, r, cm, "Y")

	joinFrame := func(userID string) []byte {
		b, _ := json.Marshal(protocol.Message{Type: protocol.TypeJoinText, UserID: userID})
		return b
	}

	r.HandleFrame(x, joinFrame("X"), nil)
	waiting := drain(t, cm, "X")
	if waiting.Type != protocol.TypeWaiting {
		t.Fatalf("expected waiting, got %+v", waiting)
	}

	r.HandleFrame(y, joinFrame("Y"), nil)

	pairedX := drain(t, cm, "X")
	pairedY := drain(t, cm, "Y")
	if pairedX.Type != protocol.TypePaired || pairedX.PartnerID != "Y" {
		t.Fatalf("unexpected paired message for X: %+v", pairedX)
	}
	if pairedY.Type != protocol.TypePaired || pairedY.PartnerID != "X" {
		t.Fatalf("unexpected paired message for Y: %+v", pairedY)
	}

	textFrame, _ := json.Marshal(protocol.Message{Type: protocol.TypeTextMessage, UserID: "Y", TargetID: "X", Message: "hi"})
	r.HandleFrame(y, textFrame, nil)

	delivered := drain(t, cm, "X")
	if delivered.Type != protocol.TypeTextMessage || delivered.From != "Y" || delivered.Message != "hi" {
		t.Fatalf("unexpected delivered message: %+v", delivered)
	}
}

func TestSelfPairGuard(t *testing.T) {
	r, cm, _ := newTestRouter(t)
	x := identify(t, r, cm, "X")

	joinFrame, _ := json.Marshal(protocol.Message{Type: protocol.TypeJoinText, UserID: "X"})
	r.HandleFrame(x, joinFrame, nil)
	drain(t, cm, "X") // waiting

	r.HandleFrame(x, joinFrame, nil)
	waiting := drain(t, cm, "X")
	if waiting.Type != protocol.TypeWaiting {
		t.Fatalf("expected a second waiting notification, not a pair: %+v", waiting)
	}

	status, ok := r.queue.IsInQueue("X")
	if !ok {
		t.Fatalf("expected X to still be queued exactly once")
	}
	if status.Mode != protocol.ModeText {
		t.Fatalf("unexpected queue mode: %v", status.Mode)
	}
}

func TestDisconnectRequeuesPartner(t *testing.T) {
	r, cm, _ := newTestRouter(t)
	x := identify(t, r, cm, "X")
	y := identify(t, r, cm, "Y")

	joinFrame := func(userID string) []byte {
		b, _ := json.Marshal(protocol.Message{Type: protocol.TypeJoinText, UserID: userID})
		return b
	}
	r.HandleFrame(x, joinFrame("X"), nil)
	drain(t, cm, "X")
	r.HandleFrame(y, joinFrame("Y"), nil)
	drain(t, cm, "X")
	drain(t, cm, "Y")

	r.handleDisconnect("X")

	partnerDisconnected := drain(t, cm, "Y")
	if partnerDisconnected.Type != protocol.TypePartnerDisconnected {
		t.Fatalf("expected partner-disconnected, got %+v", partnerDisconnected)
	}
	waiting := drain(t, cm, "Y")
	if waiting.Type != protocol.TypeWaiting {
		t.Fatalf("expected waiting after requeue, got %+v", waiting)
	}

	status, ok := r.queue.IsInQueue("Y")
	if !ok {
		t.Fatalf("expected Y to be requeued")
	}
	if status.Mode != protocol.ModeText {
		t.Fatalf("unexpected requeue mode: %v", status.Mode)
	}
}

func TestModeSwitchToVideo(t *testing.T) {
	r, cm, _ := newTestRouter(t)
	x := identify(t, r, cm, "X")
	y := identify(t, r, cm, "Y")

	joinFrame := func(userID string) []byte {
		b, _ := json.Marshal(protocol.Message{Type: protocol.TypeJoinText, UserID: userID})
		return b
	}
	r.HandleFrame(x, joinFrame("X"), nil)
	drain(t, cm, "X")
	r.HandleFrame(y, joinFrame("Y"), nil)
	drain(t, cm, "X")
	drain(t, cm, "Y")

	switchFrame := func(userID, partnerID string) []byte {
		b, _ := json.Marshal(protocol.Message{Type: protocol.TypeModeSwitchVideo, UserID: userID, PartnerID: partnerID})
		return b
	}

	r.HandleFrame(x, switchFrame("X", "Y"), nil)
	r.HandleFrame(y, switchFrame("Y", "X"), nil)

	readyX := drain(t, cm, "X")
	readyY := drain(t, cm, "Y")
	if readyX.Type != protocol.TypeVideoModeReady || readyX.IsOfferer == nil || !*readyX.IsOfferer {
		t.Fatalf("expected X to be offerer: %+v", readyX)
	}
	if readyY.Type != protocol.TypeVideoModeReady || readyY.IsOfferer == nil || *readyY.IsOfferer {
		t.Fatalf("expected Y to be answerer: %+v", readyY)
	}
}

func TestXSSMessageRejected(t *testing.T) {
	r, cm, _ := newTestRouter(t)
	x := identify(t, r, cm, "X")
	y := identify(t, r, cm, "Y")

	joinFrame := func(userID string) []byte {
		b, _ := json.Marshal(protocol.Message{Type: protocol.TypeJoinText, UserID: userID})
		return b
	}
	r.HandleFrame(x, joinFrame("X"), nil)
	drain(t, cm, "X")
	r.HandleFrame(y, joinFrame("Y"), nil)
	drain(t, cm, "X")
	drain(t, cm, "Y")

	badFrame, _ := json.Marshal(protocol.Message{Type: protocol.TypeTextMessage, UserID: "Y", TargetID: "X", Message: "hello <script>alert(1)</script>"})
	r.HandleFrame(y, badFrame, nil)

	errMsg := drain(t, cm, "Y")
	if errMsg.Type != protocol.TypeError {
		t.Fatalf("expected error reply to sender, got %+v", errMsg)
	}

	out, _, _ := cm.Outbox("X")
	select {
	case payload := <-out:
		t.Fatalf("expected no delivery to X, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}
