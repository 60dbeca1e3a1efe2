// Package transport implements the Admission/Upgrade Front: IP extraction,
// ban/rate admission checks before the WebSocket upgrade completes, and the
// read/write pump handing frames to the Message Router, per spec §4.6.
//
// Grounded on the teacher's server.go (a single gorilla/websocket.Upgrader
// bound to one path) and internal/ws/handler.go's serveConn (read loop +
// writer goroutine draining a per-connection channel).
package transport

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/vibeconnect/rendezvous/internal/conn"
	"github.com/vibeconnect/rendezvous/internal/protocol"
	"github.com/vibeconnect/rendezvous/internal/router"
	"github.com/vibeconnect/rendezvous/internal/security"
)

const (
	maxReadLimit  = 1 << 20 // generous transport frame cap; the Router enforces the 10KB message cap itself
	writeDeadline = 5 * time.Second
)

// wsSender adapts a *websocket.Conn to router's conn.Sender interface.
type wsSender struct {
	conn *websocket.Conn
	mu   chanMutex
}

// chanMutex serializes writes to the same *websocket.Conn, since gorilla's
// Conn is not safe for concurrent writers.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (c chanMutex) lock()   { <-c }
func (c chanMutex) unlock() { c <- struct{}{} }

func (s *wsSender) Send(payload []byte) error {
	s.mu.lock()
	defer s.mu.unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSender) Close(code int, reason string) error {
	s.mu.lock()
	defer s.mu.unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}

// Front is the admission/upgrade front.
type Front struct {
	upgrader websocket.Upgrader
	security *security.Manager
	conns    *conn.Manager
	router   *router.Router
}

func New(sec *security.Manager, conns *conn.Manager, r *router.Router) *Front {
	return &Front{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(req *http.Request) bool { return true },
		},
		security: sec,
		conns:    conns,
		router:   r,
	}
}

// Register binds the single upgrade path, "/", per spec §6.
func (f *Front) Register(e *echo.Echo) {
	e.GET("/", f.handleUpgrade)
}

func (f *Front) handleUpgrade(c echo.Context) error {
	ip := clientIP(c.Request())

	if f.security.IsIPBanned(ip) {
		return c.NoContent(http.StatusForbidden)
	}
	if !f.security.TrackIPConnection(ip) {
		return c.NoContent(http.StatusTooManyRequests)
	}

	wsConn, err := f.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "ip", ip, "err", err)
		return nil
	}
	wsConn.SetReadLimit(maxReadLimit)

	sender := &wsSender{conn: wsConn, mu: newChanMutex()}
	state := &router.ConnState{RemoteIP: ip}

	go f.servePump(state, wsConn, sender)
	return nil
}

// servePump runs the writer-drain goroutine and the blocking read loop for
// one connection, mirroring internal/ws/handler.go's serveConn structure.
func (f *Front) servePump(state *router.ConnState, wsConn *websocket.Conn, sender *wsSender) {
	defer func() {
		userID := state.BoundUserID()
		if userID != "" {
			f.conns.RemoveConnection(userID)
		} else {
			_ = wsConn.Close()
		}
	}()

	stop := make(chan struct{})
	go func() {
		// Writer goroutine: once identify binds a userId, drain its
		// outbox and write frames until done closes.
		for {
			userID := state.BoundUserID()
			if userID == "" {
				select {
				case <-stop:
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}
			out, done, ok := f.conns.Outbox(userID)
			if !ok {
				return
			}
			for {
				select {
				case payload, ok := <-out:
					if !ok {
						return
					}
					if err := sender.Send(payload); err != nil {
						return
					}
				case <-done:
					return
				case <-stop:
					return
				}
			}
		}
	}()
	defer close(stop)

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "err", err)
			}
			if userID := state.BoundUserID(); userID != "" {
				f.router.HandleFrame(state, mustMarshalDisconnect(userID), sender)
			}
			return
		}
		f.router.HandleFrame(state, raw, sender)
	}
}

// mustMarshalDisconnect builds a synthetic disconnect frame to feed the
// Router when the transport closes out from under a connection, so
// spec §4.5.1's disconnect sequence runs even when the client never sent an
// explicit "disconnect" message. A client that did send one has the
// sequence run a second time on close; that run finds no pair to break but
// still adds one to the user's skip counter. userId
// is an opaque, client-chosen string (spec §3) and must go through
// json.Marshal rather than string concatenation — a quote in userId would
// otherwise produce an invalid frame the Router silently drops.
func mustMarshalDisconnect(userID string) []byte {
	raw, err := json.Marshal(protocol.Message{Type: protocol.TypeDisconnect, UserID: userID})
	if err != nil {
		// protocol.Message has no type that can fail to marshal; unreachable.
		return nil
	}
	return raw
}

// clientIP extracts the admission IP per spec §4.6's precedence:
// X-Forwarded-For's first entry, then X-Real-IP, then the socket address.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if realIP := req.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
