// Package dispatch implements the client-message dispatcher: decoding
// newline-delimited JSON messages from an attached transport, routing
// them to the SessionManager/Session, and wiring Session output back
// out to clients plus the trigger matcher and background push
// scheduler when nobody is watching (spec.md §4.8).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anicolao/telnetproxy/internal/buffer"
	"github.com/anicolao/telnetproxy/internal/notify"
	"github.com/anicolao/telnetproxy/internal/push"
	"github.com/anicolao/telnetproxy/internal/session"
	"github.com/anicolao/telnetproxy/internal/triggers"
)

// ErrorCode enumerates the stable error codes from spec.md §7 that the
// dispatcher switches on and clients key their UI off of.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "invalid_request"
	ErrInvalidResume    ErrorCode = "invalid_resume"
	ErrSessionExpired   ErrorCode = "session_expired"
	ErrRateLimited      ErrorCode = "rate_limited"
	ErrConnectionFailed ErrorCode = "connection_failed"
)

// inbound is the tagged union every client message unmarshals into;
// fields not relevant to a given type are left zero, matching the
// source's "dynamic message union by type field" that spec.md §9
// calls out for re-architecture as a discriminated sum.
type inbound struct {
	Type string `json:"type"`

	// connect
	Host        string `json:"host"`
	Port        int    `json:"port"`
	DeviceToken string `json:"deviceToken"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Debug       bool   `json:"debug"`

	// resume / syncAck
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	LastSeq   uint64 `json:"lastSeq"`

	// activityToken
	// (reuses Token above)

	// input
	Text string `json:"text"`
}

// Config bundles the admission-control and proxy-server-identity
// tunables the dispatcher needs from spec.md §6.
type Config struct {
	OnlyAllowDefaultServer bool
	DefaultHost            string
	DefaultPort            int
	BufferCapacityBytes    int
}

// Dispatcher owns the wiring between attached transports and the
// session core: it is the only component that knows both the wire
// protocol (JSON messages) and the core's Go types.
type Dispatcher struct {
	cfg       Config
	manager   *session.Manager
	triggers  *triggers.Matcher
	scheduler *push.Scheduler
	notifier  notify.Notifier
}

// New builds a Dispatcher over an already-constructed session core.
func New(cfg Config, manager *session.Manager, matcher *triggers.Matcher, scheduler *push.Scheduler, notifier notify.Notifier) *Dispatcher {
	return &Dispatcher{cfg: cfg, manager: manager, triggers: matcher, scheduler: scheduler, notifier: notifier}
}

// HandleMessage decodes one client line and routes it. send delivers
// one outbound JSON message back to the originating transport.
func (d *Dispatcher) HandleMessage(t session.ClientTransport, remoteIP string, line []byte, send func(v any)) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || trimmed[0] != '{' {
		send(errorMsg(ErrInvalidRequest, "message must be a JSON object"))
		return
	}

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		send(errorMsg(ErrInvalidRequest, fmt.Sprintf("invalid json: %v", err)))
		return
	}

	switch msg.Type {
	case "connect":
		d.handleConnect(t, remoteIP, msg, send)
	case "resume":
		d.handleResume(t, msg, send)
	case "activityToken":
		d.handleActivityToken(t, msg, send)
	case "syncAck":
		d.handleSyncAck(msg)
	case "input":
		d.handleInput(t, msg, send)
	case "naws":
		d.handleNAWS(t, msg, send)
	case "disconnect":
		d.handleDisconnect(t, send)
	default:
		send(errorMsg(ErrInvalidRequest, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

// HandleTransportClosed is invoked by the transport layer when a
// client connection ends uncleanly (no explicit "disconnect"
// message): the transport is detached but the session (and its
// telnet connection) lives on for a future resume, per spec.md §4.3.
func (d *Dispatcher) HandleTransportClosed(t session.ClientTransport) {
	s, ok := d.manager.FindByTransport(t)
	d.manager.DetachTransport(t)
	if ok {
		d.trackForPush(s)
	}
}

func (d *Dispatcher) handleConnect(t session.ClientTransport, remoteIP string, msg inbound, send func(v any)) {
	host, port := msg.Host, msg.Port
	if host == "" || port == 0 {
		host, port = d.cfg.DefaultHost, d.cfg.DefaultPort
	}
	if d.cfg.OnlyAllowDefaultServer && (host != d.cfg.DefaultHost || port != d.cfg.DefaultPort) {
		send(errorMsg(ErrInvalidRequest, "this proxy only connects to its configured default server"))
		return
	}

	admission := d.manager.EnforceConnectionLimits(msg.DeviceToken, remoteIP)
	if !admission.Allowed {
		send(errorMsg(ErrRateLimited, admission.Reason))
		return
	}

	s := d.manager.Create(host, port, msg.DeviceToken, d.cfg.BufferCapacityBytes)
	d.manager.RegisterIP(s.ID, remoteIP)
	if msg.Width > 0 && msg.Height > 0 {
		s.UpdateWindowSize(msg.Width, msg.Height)
	}
	d.wireOutput(s)
	d.wireTelnetClosed(s)

	if err := s.Connect(context.Background()); err != nil {
		send(errorMsg(ErrConnectionFailed, err.Error()))
		d.manager.RemoveSession(s.ID)
		return
	}

	d.manager.AttachTransport(s.ID, t)

	send(map[string]any{
		"type":         "session",
		"sessionId":    s.ID,
		"token":        s.AuthToken,
		"capabilities": []string{"activityToken", "syncAck"},
	})
}

func (d *Dispatcher) handleResume(t session.ClientTransport, msg inbound, send func(v any)) {
	s, ok := d.manager.Get(msg.SessionID)
	if !ok || !s.ValidateToken(msg.Token) {
		send(errorMsg(ErrInvalidResume, "unknown session or bad token"))
		return
	}
	if s.State() == session.StateClosed {
		send(map[string]any{"type": "session_expired", "sessionId": s.ID})
		return
	}

	if msg.DeviceToken != "" {
		s.DeviceToken = msg.DeviceToken
	}
	d.manager.AttachTransport(s.ID, t)
	d.scheduler.Untrack(s.ID)

	for _, chunk := range s.Buffer.ReplayFrom(msg.LastSeq) {
		send(json.RawMessage(chunk.MarshalWire()))
	}
}

func (d *Dispatcher) handleActivityToken(t session.ClientTransport, msg inbound, send func(v any)) {
	s, ok := d.manager.FindByTransport(t)
	if !ok {
		send(errorMsg(ErrInvalidRequest, "no session attached to this transport"))
		return
	}
	s.ActivityPushToken = msg.Token
}

func (d *Dispatcher) handleSyncAck(msg inbound) {
	d.scheduler.RecordSyncAck(msg.SessionID, msg.LastSeq)
}

func (d *Dispatcher) handleInput(t session.ClientTransport, msg inbound, send func(v any)) {
	s, ok := d.manager.FindByTransport(t)
	if !ok {
		send(errorMsg(ErrInvalidRequest, "no session attached to this transport"))
		return
	}
	if err := s.SendToMud(msg.Text); err != nil {
		send(errorMsg(ErrConnectionFailed, err.Error()))
	}
}

func (d *Dispatcher) handleNAWS(t session.ClientTransport, msg inbound, send func(v any)) {
	s, ok := d.manager.FindByTransport(t)
	if !ok {
		send(errorMsg(ErrInvalidRequest, "no session attached to this transport"))
		return
	}
	s.UpdateWindowSize(msg.Width, msg.Height)
}

func (d *Dispatcher) handleDisconnect(t session.ClientTransport, send func(v any)) {
	s, ok := d.manager.FindByTransport(t)
	if !ok {
		send(map[string]any{"type": "disconnected"})
		return
	}
	send(map[string]any{"type": "disconnected", "sessionId": s.ID})
	d.manager.RemoveSession(s.ID)
}

// wireOutput installs the Session.OnOutput hook that feeds every
// newly-buffered chunk to attached clients (already done by
// Session.broadcastChunk) and, when nobody is attached, to the
// trigger matcher and the background push scheduler — the two
// independent paths spec.md §4.8 requires.
func (d *Dispatcher) wireOutput(s *session.Session) {
	s.OnOutput = func(s *session.Session, chunk buffer.Chunk, attached int) {
		if attached > 0 {
			return
		}
		if chunk.Type == buffer.ChunkData {
			if match := d.triggers.Match(string(chunk.Payload), s.ID); match != nil {
				if !d.notifier.SendNotification(s.DeviceToken, match, s.ID) {
					log.Printf("dispatch: notification send failed session=%s trigger=%s", s.ID, match.TriggerID)
				}
			}
		}
		d.scheduler.OnBufferedOutput(s.ID, chunk.Sequence, string(chunk.Payload))
	}
}

// wireTelnetClosed installs the Session.OnTelnetClosed hook that fires
// when the MUD connection drops mid-session (not via an explicit
// disconnect). It broadcasts a connection_failed error to every
// attached client and reaps the session, per spec.md §4.3/§7's
// "telnet closes mid-session" failure mode.
func (d *Dispatcher) wireTelnetClosed(s *session.Session) {
	s.OnTelnetClosed = func(s *session.Session) {
		wire, err := json.Marshal(errorMsg(ErrConnectionFailed, "telnet connection closed"))
		if err != nil {
			log.Printf("dispatch: failed to encode connection_failed for session=%s: %v", s.ID, err)
		} else {
			s.BroadcastRaw(wire)
		}
		d.manager.RemoveSession(s.ID)
	}
}

// trackForPush begins scheduler tracking for a session that just lost
// its last attached client, so subsequent output triggers a resync
// push per spec.md §4.5.
func (d *Dispatcher) trackForPush(s *session.Session) {
	if s.AttachedClientCount() > 0 {
		return
	}
	d.scheduler.Track(s.ID, fmt.Sprintf("%s:%d", s.MudHost, s.MudPort), s.DeviceToken, s.ActivityPushToken, s.Buffer.GetCurrentSequence())
}

func errorMsg(code ErrorCode, message string) map[string]any {
	return map[string]any{
		"type":    "error",
		"code":    string(code),
		"message": message,
	}
}
