// Package session implements the proxy's central entity: a Session
// owns exactly one telnet connection, a CircularBuffer, and zero or
// more attached client transports, surviving client disconnects
// independently of the MUD connection's lifetime.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"

	"github.com/anicolao/telnetproxy/internal/buffer"
	"github.com/anicolao/telnetproxy/internal/telnet"
)

// ClientTransport is the abstract handle Session and SessionManager
// hold for an attached client. The concrete WebSocket implementation
// lives in internal/transport; tests use a fake.
type ClientTransport interface {
	Send(data []byte) error
	Close() error
}

// State is the Session's connection state machine: connecting ->
// connected -> closed, reverse edges only via Close.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

// ErrClosedDuringConnect is returned when Close races a pending
// Connect and wins.
var ErrClosedDuringConnect = errors.New("session: closed during connect")

// connectTimeout bounds the telnet dial + TLS handshake, per spec.md
// §5's recommended ~10s connect deadline.
const connectTimeout = 10 * time.Second

// sslShapeMarkers identify errors that mean "this looks like a TLS
// handshake mismatch", triggering the plain-TCP fallback described in
// spec.md §4.3.
var sslShapeMarkers = []string{
	"tls", "ssl", "certificate", "wrong version number",
	"packet length", "connection reset", "connection refused",
}

// Session is the central server-side entity owning one telnet
// connection and its output history.
type Session struct {
	ID        string
	AuthToken string

	CreatedAt          time.Time
	lastClientAttachAt time.Time

	MudHost string
	MudPort int

	DeviceToken       string
	ActivityPushToken string

	WindowWidth, WindowHeight int

	ClientBackgrounded bool
	LastBackgroundedAt time.Time
	LastActivityPushAt time.Time

	Buffer *buffer.CircularBuffer
	parser *telnet.Parser

	// OnOutput, when set, is invoked after every chunk is appended to
	// the buffer, with the count of currently attached clients at the
	// time of broadcast. The dispatcher wires this to the trigger
	// matcher and the background push scheduler.
	OnOutput func(s *Session, chunk buffer.Chunk, attachedClients int)

	// OnTelnetClosed, when set, is invoked once the telnet connection
	// closes unexpectedly mid-session (not via Close). The dispatcher
	// wires this to notify attached clients and reap the session, per
	// spec.md §4.3/§7's connection_failed failure mode.
	OnTelnetClosed func(s *Session)

	mu       sync.Mutex
	state    State
	closing  bool
	conn     net.Conn
	cancel   context.CancelFunc
	clients  map[ClientTransport]struct{}
	sendMu   sync.Mutex
}

// New creates a Session in the connecting state, with a fresh id,
// auth token, and an empty buffer of the given capacity. It does not
// dial the telnet connection; call Connect for that.
func New(host string, port int, bufferCapBytes int) *Session {
	now := time.Now()
	return &Session{
		ID:                 uuid.New().String(),
		AuthToken:          newAuthToken(),
		CreatedAt:          now,
		lastClientAttachAt: now,
		MudHost:            host,
		MudPort:            port,
		WindowWidth:        80,
		WindowHeight:       24,
		Buffer:             buffer.New(bufferCapBytes),
		parser:             telnet.NewParser([]string{"telnetproxy", "XTERM-256color", "MTTS 141"}),
		state:              StateConnecting,
		clients:            make(map[ClientTransport]struct{}),
	}
}

// newAuthToken generates a 256-bit random secret, hex-encoded, per
// spec.md §3's authToken field.
func newAuthToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read failing means the platform's entropy
		// source is broken; there is no safe fallback for a secret
		// token, so this is unrecoverable.
		panic(fmt.Sprintf("session: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastClientAttachAt returns the timestamp SessionManager's
// cleanupInactive sweep compares against the TTL.
func (s *Session) LastClientAttachAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClientAttachAt
}

// ValidateToken performs a constant-time comparison against the
// session's auth token, per spec.md §4.4's recommendation.
func (s *Session) ValidateToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(s.AuthToken), []byte(token)) == 1
}

// Connect dials the telnet target, trying TLS first and falling back
// to plain TCP once on an SSL-shape error. A concurrent Close wins the
// race if it arrives first: Connect checks s.closing before installing
// the new socket and returns ErrClosedDuringConnect.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	addr := net.JoinHostPort(s.MudHost, fmt.Sprintf("%d", s.MudPort))

	conn, err := dialTLSFirst(ctx, addr)
	if err != nil {
		return fmt.Errorf("session: connect %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return ErrClosedDuringConnect
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	go s.readLoop()
	return nil
}

// dialTLSFirst attempts a TLS handshake; on an SSL-shape failure it
// falls back to a plain TCP dial once, per spec.md §4.3/§9. Both the
// raw dial and the handshake itself are bounded by ctx's deadline —
// tls.DialWithDialer does not accept a context, so the deadline is
// applied to the underlying conn directly and cleared again once the
// handshake finishes (a live telnet connection has no read deadline).
func dialTLSFirst(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer

	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		rawConn.SetDeadline(deadline)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{InsecureSkipVerify: true})
	handshakeErr := tlsConn.Handshake()
	if handshakeErr == nil {
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	}
	rawConn.Close()
	if !looksLikeSSLShapeError(handshakeErr) {
		return nil, handshakeErr
	}

	plainConn, plainErr := d.DialContext(ctx, "tcp", addr)
	if plainErr != nil {
		return nil, fmt.Errorf("tls failed (%v), plain tcp also failed: %w", handshakeErr, plainErr)
	}
	return plainConn, nil
}

func looksLikeSSLShapeError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range sslShapeMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// AttachClient adds a client transport to the attached set and
// refreshes lastClientAttachAt, per spec.md §4.3/§4.4.
func (s *Session) AttachClient(t ClientTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[t] = struct{}{}
	s.lastClientAttachAt = time.Now()
	s.ClientBackgrounded = false
}

// DetachClient removes a client transport from the attached set.
// Detaching never closes the telnet connection (P4).
func (s *Session) DetachClient(t ClientTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, t)
}

// AttachedClientCount reports how many transports are currently
// attached, used by the scheduler/trigger wiring to decide whether a
// session is "silent".
func (s *Session) AttachedClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// UpdateWindowSize records the latest NAWS values and forwards them to
// the telnet parser so a future NAWS DO answers with the new size. It
// writes nothing to the MUD itself: a MUD that has already negotiated
// NAWS does not learn the new size until it sends DO NAWS again.
func (s *Session) UpdateWindowSize(width, height int) {
	s.mu.Lock()
	s.WindowWidth, s.WindowHeight = width, height
	s.parser.SetWindowSize(width, height)
	s.mu.Unlock()
}

// SendToMud writes client-originated text to the telnet connection,
// encoding it Latin-1 unless the parser has negotiated CHARSET/UTF-8
// (spec.md §9's Open Question, resolved as a per-session flip), and
// doubling any literal IAC bytes.
func (s *Session) SendToMud(text string) error {
	s.mu.Lock()
	conn := s.conn
	useUTF8 := s.parser.CharsetNegotiated()
	s.mu.Unlock()

	if conn == nil {
		return errors.New("session: telnet not connected")
	}

	var encoded []byte
	if useUTF8 {
		encoded = []byte(text)
	} else {
		enc, err := charmap.ISO8859_1.NewEncoder().String(text)
		if err != nil {
			// Characters outside Latin-1: fall back to UTF-8 rather
			// than dropping the line.
			encoded = []byte(text)
		} else {
			encoded = []byte(enc)
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := conn.Write(telnet.EscapeIAC(append(encoded, '\r', '\n')))
	return err
}

// writeRaw writes a pre-framed outbound sequence (negotiation
// replies) directly, bypassing text encoding.
func (s *Session) writeRaw(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("session: telnet not connected")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err := conn.Write(data)
	return err
}

// readLoop is the telnet connection's single reader. It feeds raw
// bytes through the parser, appends clean text and GMCP chunks to the
// buffer, broadcasts to attached clients, and writes any negotiation
// replies back to the MUD.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			s.handleTelnetClosed()
			return
		}
		if n == 0 {
			continue
		}

		result := s.parser.Process(buf[:n])

		for _, send := range result.Sends {
			if werr := s.writeRaw(send.Bytes); werr != nil {
				log.Printf("session %s: negotiation reply write failed: %v", s.ID, werr)
			}
		}

		if len(result.Text) > 0 {
			chunk := s.Buffer.Append(result.Text, buffer.ChunkData, "", "")
			s.broadcastChunk(chunk)
		}
		for _, gmcp := range result.GMCP {
			chunk := s.Buffer.Append([]byte(gmcp.Data), buffer.ChunkGMCP, gmcp.Package, gmcp.Data)
			s.broadcastChunk(chunk)
		}
	}
}

// broadcastChunk sends the chunk payload to every attached client via
// BroadcastRaw, then invokes OnOutput so the dispatcher can feed the
// trigger matcher and push scheduler when nobody is watching.
func (s *Session) broadcastChunk(chunk buffer.Chunk) {
	delivered := s.BroadcastRaw(chunk.MarshalWire())

	if s.OnOutput != nil {
		s.OnOutput(s, chunk, delivered)
	}
}

// BroadcastRaw sends data to every attached client, collecting
// failures during iteration and detaching them after the loop
// (spec.md §9's "set of attached clients" pattern), and returns the
// count of clients it was actually delivered to.
func (s *Session) BroadcastRaw(data []byte) int {
	s.mu.Lock()
	clients := make([]ClientTransport, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var failed []ClientTransport
	for _, c := range clients {
		if err := c.Send(data); err != nil {
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		s.mu.Lock()
		for _, c := range failed {
			delete(s.clients, c)
		}
		s.mu.Unlock()
	}

	return len(clients) - len(failed)
}

// handleTelnetClosed is invoked once the telnet read loop observes an
// error or EOF. It flips state and invokes OnTelnetClosed so the
// dispatcher can notify attached clients of connection_failed and reap
// the session (spec.md §4.3's "telnet closes mid-session" failure
// mode); if Close() already won the race (s.closing), there is nothing
// left to notify or reap.
func (s *Session) handleTelnetClosed() {
	s.mu.Lock()
	if s.state == StateClosed || s.closing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	if s.OnTelnetClosed != nil {
		s.OnTelnetClosed(s)
	}
}

// Close terminates all attached clients, destroys the telnet socket,
// clears the buffer, and marks closing so a racing Connect aborts.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	cancel := s.cancel
	conn := s.conn
	clients := make([]ClientTransport, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[ClientTransport]struct{})
	s.state = StateClosed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	for _, c := range clients {
		c.Close()
	}
	s.Buffer.Clear()
}
