// Package notify defines the abstract push-notification boundary the
// core depends on. The actual APNS/HTTP2/JWT transport is out of
// scope; this package provides the interface plus a logging-backed
// stub suitable for tests and for running the proxy without a real
// push credential configured.
package notify

import (
	"log"

	"github.com/anicolao/telnetproxy/internal/triggers"
)

// ActivityContentState is the small content snapshot carried by a
// live-activity push, per spec.md §4.5.
type ActivityContentState struct {
	Status            string
	WorldName         string
	LastOutputSnippet string
	ConnectedSince    int64
	LastSyncTime      int64
}

// Notifier is the interface the core depends on. Return value
// semantics: true iff the remote acknowledged with a 2xx-equivalent
// status. Retries, queuing, and credential refresh are the
// implementation's concern.
type Notifier interface {
	SendSilentPush(deviceToken, sessionID string) bool
	SendActivityKitPush(activityToken string, content ActivityContentState) bool
	SendNotification(deviceToken string, match *triggers.Match, sessionID string) bool
}

// LoggingNotifier is a stand-in Notifier that logs every call and
// reports success, the way the teacher's web handlers log delivery
// attempts rather than asserting on them. It is wired by default so
// the scheduler and trigger pipeline are fully exercised without a
// live APNS credential.
type LoggingNotifier struct {
	// AlwaysSucceed controls the reported outcome; tests flip it to
	// false to exercise the scheduler's fallback/backoff paths.
	AlwaysSucceed bool
}

// NewLoggingNotifier returns a LoggingNotifier that reports success.
func NewLoggingNotifier() *LoggingNotifier {
	return &LoggingNotifier{AlwaysSucceed: true}
}

func (n *LoggingNotifier) SendSilentPush(deviceToken, sessionID string) bool {
	log.Printf("notify: silent push session=%s device=%s", sessionID, redact(deviceToken))
	return n.AlwaysSucceed
}

func (n *LoggingNotifier) SendActivityKitPush(activityToken string, content ActivityContentState) bool {
	log.Printf("notify: activity push token=%s world=%s status=%s snippet=%q",
		redact(activityToken), content.WorldName, content.Status, content.LastOutputSnippet)
	return n.AlwaysSucceed
}

func (n *LoggingNotifier) SendNotification(deviceToken string, match *triggers.Match, sessionID string) bool {
	log.Printf("notify: alert push session=%s device=%s trigger=%s text=%q",
		sessionID, redact(deviceToken), match.TriggerID, match.MatchedText)
	return n.AlwaysSucceed
}

// redact avoids logging full device/activity tokens.
func redact(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
