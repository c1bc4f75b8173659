// Package transport implements the client-facing WebSocket transport:
// the concrete ClientTransport the core's Session and SessionManager
// hold an abstract handle to. Acceptance, TLS termination, and HTTP
// health/diagnostic endpoints stay minimal here per spec.md §1's
// Non-goals — this is the thin edge that turns gorilla/websocket
// frames into the newline-delimited-JSON line protocol the dispatcher
// consumes, grounded on the teacher's internal/web upgrade pattern.
package transport

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler is invoked once per complete JSON line received from
// a client. Implementations (internal/dispatch.Dispatcher) decode the
// `type` field and act on it.
type MessageHandler func(t *WSTransport, line []byte)

// CloseHandler is invoked exactly once when a transport's read loop
// ends, so the dispatcher can detach it from whatever session it was
// attached to.
type CloseHandler func(t *WSTransport)

// WSTransport adapts a gorilla/websocket connection to the core's
// session.ClientTransport interface (Send, Close) and drives its own
// read loop as an independent goroutine, per spec.md §5's "one
// goroutine per client read loop" model.
type WSTransport struct {
	conn   *websocket.Conn
	remote string

	onMessage MessageHandler
	onClose   CloseHandler

	writeMu sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Upgrader wraps the gorilla/websocket upgrader with the origin-check
// policy from spec.md §6's ALLOWED_ORIGINS surface.
type Upgrader struct {
	AllowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewUpgrader builds an Upgrader honoring the configured origin list;
// "*" (the default) allows any origin, matching the teacher's
// permissive CheckOrigin during development.
func NewUpgrader(allowedOrigins []string) *Upgrader {
	u := &Upgrader{AllowedOrigins: allowedOrigins}
	u.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     u.checkOrigin,
	}
	return u
}

func (u *Upgrader) checkOrigin(r *http.Request) bool {
	for _, o := range u.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range u.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Accept upgrades an HTTP request to a WebSocket and returns a running
// WSTransport whose read loop calls onMessage for every line and
// onClose once the connection ends (remote close, write failure, or
// explicit Close).
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request, remoteAddr string, onMessage MessageHandler, onClose CloseHandler) (*WSTransport, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	t := &WSTransport{
		conn:      conn,
		remote:    remoteAddr,
		onMessage: onMessage,
		onClose:   onClose,
		closed:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// RemoteAddr returns the client's observed address, used by the
// dispatcher for per-IP admission control (honoring TRUST_PROXY
// upstream of this package, per spec.md §6).
func (t *WSTransport) RemoteAddr() string { return t.remote }

// Send writes one JSON message to the client as a single WebSocket
// text frame; no newline is appended. It is
// safe to call concurrently with itself (guarded by writeMu) but not
// intended to race the read loop's own lifecycle, matching
// session.ClientTransport's contract.
func (t *WSTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close ends the underlying connection. Idempotent: a second call is
// a no-op, since Session.Close and the read loop's own EOF handling
// can both reach it.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

// readLoop is this transport's single reader goroutine. Each inbound
// text frame is treated as one JSON line (the wire protocol has no
// internal framing beyond what gorilla/websocket already provides per
// message); it is handed to onMessage verbatim. The loop ends, and
// onClose fires exactly once, on any read error including a clean
// remote close.
func (t *WSTransport) readLoop() {
	defer func() {
		t.Close()
		if t.onClose != nil {
			t.onClose(t)
		}
	}()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("transport: unexpected close from %s: %v", t.remote, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if t.onMessage != nil {
			t.onMessage(t, data)
		}
	}
}
