// Package triggers matches incoming MUD text against a fixed set of
// built-in alert patterns (tell/page/whisper/combat/death/party
// invite), subject to per-trigger and per-session rate limits.
package triggers

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Kind identifies a built-in trigger category.
type Kind string

const (
	KindTell         Kind = "tell"
	KindPage         Kind = "page"
	KindWhisper      Kind = "whisper"
	KindCombat       Kind = "combat"
	KindDeath        Kind = "death"
	KindPartyInvite  Kind = "party-invite"
)

// Trigger is one compiled built-in pattern.
type Trigger struct {
	ID      string
	Type    Kind
	Enabled bool
	regex   *regexp.Regexp
}

// Match is the result of a successful trigger match, as returned to
// the dispatcher for forwarding to the notification pipeline.
type Match struct {
	TriggerID     string
	TriggerType   Kind
	MatchedText   string
	ExtractedData map[string]string
}

// rateLimitEntry tracks a single session's trigger activity for both
// the per-type-per-minute and the total-per-hour limits.
type rateLimitEntry struct {
	lastSeen                   time.Time
	lastMatchByTriggerID       map[string]time.Time
	hourCount                  int
	hourWindowStart            time.Time
}

// Config holds the tunable rate limits from spec.md §6.
type Config struct {
	PerTypePerMinute int
	TotalPerHour     int
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{PerTypePerMinute: 1, TotalPerHour: 10}
}

// Matcher holds the built-in triggers (in registration order) and the
// per-session rate-limit table.
type Matcher struct {
	cfg      Config
	triggers []*Trigger

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewMatcher builds a Matcher with all built-in triggers registered
// and enabled, in the order spec.md §4.6 lists them.
func NewMatcher(cfg Config) *Matcher {
	m := &Matcher{
		cfg:     cfg,
		entries: make(map[string]*rateLimitEntry),
	}
	for _, t := range builtinTriggers() {
		m.triggers = append(m.triggers, t)
	}
	return m
}

func builtinTriggers() []*Trigger {
	defs := []struct {
		id      string
		kind    Kind
		pattern string
	}{
		{"tell", KindTell, `(?i)^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+tells\s+(?:you|the\s+group)[:,]\s*(.+)$`},
		{"page", KindPage, `(?i)^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+pages?[:,]?\s*(.+)$`},
		{"whisper", KindWhisper, `(?i)^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+whispers(?:\s+to\s+you)?[:,]\s*(.+)$`},
		{"combat", KindCombat, `(?i)^(?:You are under attack|(.+?)\s+attacks\s+you)[!.]?$`},
		{"death", KindDeath, `(?i)^(?:You have died|You are DEAD|You have been slain)[!.]?$`},
		{"party-invite", KindPartyInvite, `(?i)^(?:\[?\w+\]?\s+)?([A-Za-z_-]+)\s+invites?\s+you\s+(?:to join|into)\s+(?:a\s+party|their\s+group)`},
	}

	out := make([]*Trigger, 0, len(defs))
	for _, d := range defs {
		out = append(out, &Trigger{
			ID:      d.id,
			Type:    d.kind,
			Enabled: true,
			regex:   regexp.MustCompile(d.pattern),
		})
	}
	return out
}

// Match checks text against every enabled trigger in registration
// order, returning the first one that both matches and clears the
// rate limit for sessionId. Returns nil if no trigger matches or every
// match is currently rate-limited.
func (m *Matcher) Match(text, sessionID string) *Match {
	for _, t := range m.triggers {
		if !t.Enabled {
			continue
		}
		groups := t.regex.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		if !m.allow(sessionID, t.ID) {
			continue
		}

		data := make(map[string]string)
		if len(groups) > 1 && groups[1] != "" {
			data["sender"] = groups[1]
		}
		if len(groups) > 2 && groups[2] != "" {
			data["message"] = groups[2]
		}

		return &Match{
			TriggerID:     t.ID,
			TriggerType:   t.Type,
			MatchedText:   strings.TrimSpace(text),
			ExtractedData: data,
		}
	}
	return nil
}

// allow applies the per-(sessionId) rate limits: perTypePerMinute
// suppresses consecutive matches of the same trigger within 60s;
// totalPerHour bounds total matches in a rolling hour window that
// resets on the first match after expiry.
func (m *Matcher) allow(sessionID, triggerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &rateLimitEntry{
			lastMatchByTriggerID: make(map[string]time.Time),
			hourWindowStart:      now,
		}
		m.entries[sessionID] = e
	}
	e.lastSeen = now

	if now.Sub(e.hourWindowStart) >= time.Hour {
		e.hourWindowStart = now
		e.hourCount = 0
	}
	if e.hourCount >= m.cfg.TotalPerHour {
		return false
	}

	// perTypePerMinute=1 means "no more than one match of this
	// trigger per 60s"; a higher configured value proportionally
	// shortens the suppression window.
	if last, ok := e.lastMatchByTriggerID[triggerID]; ok {
		minInterval := time.Minute / time.Duration(max(1, m.cfg.PerTypePerMinute))
		if now.Sub(last) < minInterval {
			return false
		}
	}

	e.lastMatchByTriggerID[triggerID] = now
	e.hourCount++
	return true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CleanupOldEntries purges per-session rate-limit bookkeeping that
// hasn't been touched in maxAge, bounding memory for long-lived
// proxies with many short sessions. Intended to run periodically;
// cmd/telnetproxy calls it hourly with a 48h maxAge.
func (m *Matcher) CleanupOldEntries(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, id)
		}
	}
}
