package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Limits bundles the admission-control and reaping tunables the
// SessionManager enforces (spec.md §4.4, §6).
type Limits struct {
	MaxPerDevice   int
	MaxPerIP       int
	SessionTimeout time.Duration
}

// AdmissionResult is what EnforceConnectionLimits returns.
type AdmissionResult struct {
	Allowed bool
	Reason  string
}

// Manager is the registry of live Sessions: lookup by id, by attached
// transport, and by device token, plus admission control and the
// periodic inactivity sweep. A single mutex guards all of its maps,
// following the teacher's mutex-guarded shared-map concurrency idiom.
type Manager struct {
	limits Limits

	mu          sync.Mutex
	sessions    map[string]*Session
	byTransport map[ClientTransport]string
	byDevice    map[string][]*Session // append order == createdAt order
	ipCount     map[string]int
	sessionIP   map[string]string

	cron *cron.Cron
}

// NewManager creates an empty registry.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:      limits,
		sessions:    make(map[string]*Session),
		byTransport: make(map[ClientTransport]string),
		byDevice:    make(map[string][]*Session),
		ipCount:     make(map[string]int),
		sessionIP:   make(map[string]string),
	}
}

// Create registers a new Session for (host, port), recording the
// device token's reverse mapping if present. It does not dial the
// telnet connection or enforce limits — callers run
// EnforceConnectionLimits first and call Connect afterward.
func (m *Manager) Create(host string, port int, deviceToken string, bufferCapBytes int) *Session {
	s := New(host, port, bufferCapBytes)
	s.DeviceToken = deviceToken

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if deviceToken != "" {
		m.byDevice[deviceToken] = append(m.byDevice[deviceToken], s)
	}
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// FindByTransport returns the session a transport is currently
// attached to, if any.
func (m *Manager) FindByTransport(t ClientTransport) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTransport[t]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// GetSessionsByDevice returns all live sessions for a device token, in
// creation order.
func (m *Manager) GetSessionsByDevice(token string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.byDevice[token]))
	copy(out, m.byDevice[token])
	return out
}

// ValidateToken checks (id, token) against the live session's auth
// token, reporting false for an unknown id (spec.md §7
// invalid_resume covers both cases; the caller distinguishes reason).
func (m *Manager) ValidateToken(id, token string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	return s.ValidateToken(token)
}

// AttachTransport attaches t to session id. If t was already attached
// elsewhere, it is detached there first (an attached client belongs
// to at most one session, per spec.md §3's invariant).
func (m *Manager) AttachTransport(id string, t ClientTransport) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if prevID, attached := m.byTransport[t]; attached && prevID != id {
		if prev, ok := m.sessions[prevID]; ok {
			prev.DetachClient(t)
		}
	}
	m.byTransport[t] = id
	m.mu.Unlock()

	s.AttachClient(t)
	return true
}

// DetachTransport removes t from whatever session it is attached to.
// The telnet connection is unaffected (P4).
func (m *Manager) DetachTransport(t ClientTransport) {
	m.mu.Lock()
	id, ok := m.byTransport[t]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byTransport, t)
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if ok {
		s.DetachClient(t)
	}
}

// RemoveSession closes the session and unregisters it from every map.
func (m *Manager) RemoveSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)

	if s.DeviceToken != "" {
		list := m.byDevice[s.DeviceToken]
		for i, entry := range list {
			if entry.ID == id {
				m.byDevice[s.DeviceToken] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.byDevice[s.DeviceToken]) == 0 {
			delete(m.byDevice, s.DeviceToken)
		}
	}

	for t, sid := range m.byTransport {
		if sid == id {
			delete(m.byTransport, t)
		}
	}

	if ip, ok := m.sessionIP[id]; ok {
		m.ipCount[ip]--
		if m.ipCount[ip] <= 0 {
			delete(m.ipCount, ip)
		}
		delete(m.sessionIP, id)
	}
	m.mu.Unlock()

	s.Close()
}

// EnforceConnectionLimits applies spec.md §4.4's admission policy
// before a new session is created for (deviceToken, ip):
//
//   - if the device already holds maxPerDevice sessions, the OLDEST
//     one (by createdAt) is evicted to make room; the new connection
//     is still allowed (P9, FIFO eviction).
//   - if the IP is already at maxPerIP, the new connection is denied
//     outright (P8, a hard cap).
//
// Call this BEFORE Create, then call RegisterIP once the session
// exists so accounting stays accurate.
func (m *Manager) EnforceConnectionLimits(deviceToken, ip string) AdmissionResult {
	m.mu.Lock()
	if m.limits.MaxPerIP > 0 && m.ipCount[ip] >= m.limits.MaxPerIP {
		m.mu.Unlock()
		return AdmissionResult{Allowed: false, Reason: "Connection limit exceeded for this IP address"}
	}

	var oldestID string
	if deviceToken != "" && m.limits.MaxPerDevice > 0 {
		list := m.byDevice[deviceToken]
		if len(list) >= m.limits.MaxPerDevice {
			oldestID = list[0].ID
		}
	}
	m.mu.Unlock()

	if oldestID != "" {
		m.RemoveSession(oldestID)
	}

	return AdmissionResult{Allowed: true}
}

// RegisterIP records that a newly created session belongs to ip, so a
// later RemoveSession correctly decrements the per-IP count.
func (m *Manager) RegisterIP(sessionID, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionIP[sessionID] = ip
	m.ipCount[ip]++
}

// cleanupInactive removes sessions whose lastClientAttachAt exceeds
// the configured TTL, per spec.md §4.4.
func (m *Manager) cleanupInactive() {
	m.mu.Lock()
	cutoff := time.Now().Add(-m.limits.SessionTimeout)
	var stale []string
	for id, s := range m.sessions {
		if s.LastClientAttachAt().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.RemoveSession(id)
	}
}

// StartCleanupSweep runs cleanupInactive on a 5-minute cron schedule,
// grounded on the teacher corpus's robfig/cron/v3 scheduler pattern
// rather than a raw time.Ticker loop. Call Stop to cancel.
func (m *Manager) StartCleanupSweep(ctx context.Context) error {
	m.cron = cron.New(cron.WithSeconds())
	if _, err := m.cron.AddFunc("@every 5m", m.cleanupInactive); err != nil {
		return fmt.Errorf("session: failed to schedule cleanup sweep: %w", err)
	}
	m.cron.Start()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop cancels the cleanup sweep, waiting for any in-flight run to
// finish.
func (m *Manager) Stop() {
	if m.cron == nil {
		return
	}
	cronCtx := m.cron.Stop()
	<-cronCtx.Done()
}

// Count returns the number of live sessions, for diagnostics/tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
