// Package push implements the background push scheduler: when a
// session has no attached client transports and new MUD output
// arrives, it wakes the client via a throttled silent or live-activity
// push so the app can reconnect and resync.
package push

import (
	"strings"
	"sync"
	"time"

	"github.com/anicolao/telnetproxy/internal/notify"
)

// Config holds the scheduler's tunables, named in spec.md §6.
type Config struct {
	SilentPushInterval   time.Duration
	ActivityPushInterval time.Duration
	ActivityAckTimeout   time.Duration
	FallbackCooldown     time.Duration
	MaxFallbacksPerHour  int
	MaxSnippetLength     int
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		SilentPushInterval:   20 * time.Minute,
		ActivityPushInterval: 2 * time.Minute,
		ActivityAckTimeout:   15 * time.Second,
		FallbackCooldown:     60 * time.Second,
		MaxFallbacksPerHour:  6,
		MaxSnippetLength:     100,
	}
}

// trackedSession is the scheduler's per-session bookkeeping record,
// per spec.md §3. All mutation goes through entry.mu so the ordering
// guarantee in spec.md §5 (onBufferedOutput/recordSyncAck/ack-timeout
// for one session are linearizable) holds without a global lock.
type trackedSession struct {
	mu sync.Mutex

	sessionID         string
	worldName         string
	connectedSince    time.Time
	deviceToken       string
	activityPushToken string

	lastPushedSequence uint64
	lastSilentPushAt   time.Time
	lastActivityPushAt time.Time
	trackedAt          time.Time

	lastSyncAckAt   time.Time
	lastAckSequence uint64

	nextFallbackAllowedAt time.Time
	fallbackBackoffMs     int64
	fallbackCountHour     int
	fallbackWindowStart   time.Time

	ackTimer *time.Timer
}

// Scheduler tracks silent/activity push bookkeeping for every session
// with no attached clients and decides when to actually call the
// Notifier.
type Scheduler struct {
	cfg      Config
	notifier notify.Notifier

	mu      sync.Mutex
	tracked map[string]*trackedSession
}

// New creates a Scheduler backed by the given Notifier.
func New(cfg Config, notifier notify.Notifier) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		notifier: notifier,
		tracked:  make(map[string]*trackedSession),
	}
}

// Track creates or refreshes the TrackedSession record for a session,
// capturing its tokens and current sequence so a subsequent
// onBufferedOutput call only reacts to NEW output. Idempotent.
func (s *Scheduler) Track(sessionID, worldName, deviceToken, activityToken string, currentSeq uint64) {
	s.mu.Lock()
	t, ok := s.tracked[sessionID]
	if !ok {
		t = &trackedSession{sessionID: sessionID, connectedSince: time.Now()}
		s.tracked[sessionID] = t
	}
	s.mu.Unlock()

	t.mu.Lock()
	t.worldName = worldName
	t.deviceToken = deviceToken
	t.activityPushToken = activityToken
	t.lastPushedSequence = currentSeq
	t.trackedAt = time.Now()
	t.mu.Unlock()
}

// Untrack stops tracking a session and cancels any pending ack timer
// (R2: track; untrack; onBufferedOutput must be a no-op).
func (s *Scheduler) Untrack(sessionID string) {
	s.mu.Lock()
	t, ok := s.tracked[sessionID]
	if ok {
		delete(s.tracked, sessionID)
	}
	s.mu.Unlock()

	if ok {
		t.mu.Lock()
		if t.ackTimer != nil {
			t.ackTimer.Stop()
		}
		t.mu.Unlock()
	}
}

// OnBufferedOutput is invoked after new text has been buffered for a
// session with no attached clients. It decides whether to issue a
// silent push, an activity push, or both, per spec.md §4.5.
func (s *Scheduler) OnBufferedOutput(sessionID string, latestSeq uint64, snippetSource string) {
	s.mu.Lock()
	t, ok := s.tracked[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if latestSeq <= t.lastPushedSequence {
		return
	}

	now := time.Now()
	snippet := normalizeSnippet(snippetSource, s.cfg.MaxSnippetLength)

	shouldActivity := t.activityPushToken != "" && now.Sub(t.lastActivityPushAt) >= s.cfg.ActivityPushInterval
	shouldSilent := t.deviceToken != "" && now.Sub(t.lastSilentPushAt) >= s.cfg.SilentPushInterval

	if shouldActivity {
		content := notify.ActivityContentState{
			Status:            "active",
			WorldName:         t.worldName,
			LastOutputSnippet: snippet,
			ConnectedSince:    t.connectedSince.UnixMilli(),
			LastSyncTime:      now.UnixMilli(),
		}
		if s.notifier.SendActivityKitPush(t.activityPushToken, content) {
			t.lastActivityPushAt = now
			t.lastPushedSequence = latestSeq
			s.scheduleAckTimeout(t, latestSeq)
		}
	}

	if shouldSilent {
		if s.notifier.SendSilentPush(t.deviceToken, sessionID) {
			t.lastSilentPushAt = now
			t.lastPushedSequence = latestSeq
		}
	}
}

// RecordSyncAck advances the high-water mark of output the client has
// actually consumed, cancels any pending ack timer, and resets the
// fallback backoff. Idempotent (R3): calling twice with the same seq
// yields the same lastAckSequence.
func (s *Scheduler) RecordSyncAck(sessionID string, lastSeq uint64) {
	s.mu.Lock()
	t, ok := s.tracked[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if lastSeq > t.lastAckSequence {
		t.lastAckSequence = lastSeq
	}
	t.lastSyncAckAt = time.Now()
	if t.ackTimer != nil {
		t.ackTimer.Stop()
	}
	t.fallbackBackoffMs = 0
}

// scheduleAckTimeout arms a timer that fires handleAckTimeout after
// the configured ActivityAckTimeout, grounded on the corpus's
// first-class cancellable-timer idiom (time.AfterFunc + stored
// handle, same shape as a timer.Scheduler.Schedule cancel func).
// Caller must already hold t.mu.
func (s *Scheduler) scheduleAckTimeout(t *trackedSession, pushedSeq uint64) {
	if t.ackTimer != nil {
		t.ackTimer.Stop()
	}
	t.ackTimer = time.AfterFunc(s.cfg.ActivityAckTimeout, func() {
		s.handleAckTimeout(t, pushedSeq)
	})
}

// handleAckTimeout implements the fallback-silent-push decision from
// spec.md §4.5: if the client already acknowledged up to pushedSeq,
// nothing to do; otherwise, subject to an hourly cap and exponential
// backoff, send one fallback silent push.
func (s *Scheduler) handleAckTimeout(t *trackedSession, pushedSeq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastAckSequence >= pushedSeq {
		return
	}

	now := time.Now()
	if now.Sub(t.lastSilentPushAt) < s.cfg.FallbackCooldown {
		return
	}

	if now.Sub(t.fallbackWindowStart) >= time.Hour {
		t.fallbackWindowStart = now
		t.fallbackCountHour = 0
	}
	if t.fallbackCountHour >= s.cfg.MaxFallbacksPerHour {
		return
	}
	if now.Before(t.nextFallbackAllowedAt) {
		return
	}

	if s.notifier.SendSilentPush(t.deviceToken, t.sessionID) {
		t.fallbackCountHour++
		if t.fallbackBackoffMs == 0 {
			t.fallbackBackoffMs = s.cfg.FallbackCooldown.Milliseconds()
		} else {
			t.fallbackBackoffMs *= 2
		}
		const maxBackoffMs = 10 * 60 * 1000
		if t.fallbackBackoffMs > maxBackoffMs {
			t.fallbackBackoffMs = maxBackoffMs
		}
		t.nextFallbackAllowedAt = now.Add(time.Duration(t.fallbackBackoffMs) * time.Millisecond)
		t.lastSilentPushAt = now
		t.lastPushedSequence = pushedSeq
	}
}

// normalizeSnippet collapses whitespace runs, trims the result, and
// truncates to maxLen, per spec.md §4.5.
func normalizeSnippet(s string, maxLen int) string {
	fields := strings.Fields(s)
	collapsed := strings.Join(fields, " ")
	if len(collapsed) > maxLen {
		collapsed = collapsed[:maxLen]
	}
	return collapsed
}
