package triggers

import (
	"testing"
	"time"
)

func TestMatchBuiltinTriggers(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantID      string
		wantSender  string
		wantMessage string
	}{
		{"tell", "Gandalf tells you: follow me", "tell", "Gandalf", "follow me"},
		{"tell to group", "Gandalf tells the group: retreat", "tell", "Gandalf", "retreat"},
		{"page", "Aragorn pages: where are you", "page", "Aragorn", "where are you"},
		{"whisper", "Legolas whispers to you: careful", "whisper", "Legolas", "careful"},
		{"combat under attack", "You are under attack!", "combat", "", ""},
		{"combat attacks you", "A goblin attacks you!", "combat", "A goblin", ""},
		{"death", "You have died.", "death", "", ""},
		{"party invite", "Frodo invites you to join a party", "party-invite", "Frodo", ""},
		{"no match", "The room is dimly lit.", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(DefaultConfig())
			got := m.Match(tt.input, "session-1")

			if tt.wantID == "" {
				if got != nil {
					t.Fatalf("expected no match, got %+v", got)
				}
				return
			}

			if got == nil {
				t.Fatalf("expected match %q, got nil", tt.wantID)
			}
			if got.TriggerID != tt.wantID {
				t.Errorf("TriggerID = %q, want %q", got.TriggerID, tt.wantID)
			}
			if tt.wantSender != "" && got.ExtractedData["sender"] != tt.wantSender {
				t.Errorf("sender = %q, want %q", got.ExtractedData["sender"], tt.wantSender)
			}
			if tt.wantMessage != "" && got.ExtractedData["message"] != tt.wantMessage {
				t.Errorf("message = %q, want %q", got.ExtractedData["message"], tt.wantMessage)
			}
		})
	}
}

func TestPerTypePerMinuteSuppressesConsecutiveMatches(t *testing.T) {
	m := NewMatcher(Config{PerTypePerMinute: 1, TotalPerHour: 100})

	first := m.Match("Gandalf tells you: hi", "session-1")
	if first == nil {
		t.Fatal("expected first match to succeed")
	}

	second := m.Match("Gandalf tells you: hi again", "session-1")
	if second != nil {
		t.Fatal("expected second immediate match of the same trigger to be suppressed")
	}
}

func TestTotalPerHourCapsMatches(t *testing.T) {
	m := NewMatcher(Config{PerTypePerMinute: 1000, TotalPerHour: 2})

	inputs := []string{
		"Gandalf tells you: one",
		"Aragorn pages: two",
		"Legolas whispers to you: three",
	}

	matched := 0
	for _, in := range inputs {
		if m.Match(in, "session-1") != nil {
			matched++
		}
	}
	if matched != 2 {
		t.Errorf("expected exactly 2 matches within the hourly cap, got %d", matched)
	}
}

func TestRateLimitsAreIndependentPerSession(t *testing.T) {
	m := NewMatcher(Config{PerTypePerMinute: 1, TotalPerHour: 10})

	if m.Match("Gandalf tells you: hi", "session-a") == nil {
		t.Fatal("expected session-a's first match to succeed")
	}
	if m.Match("Gandalf tells you: hi", "session-b") == nil {
		t.Fatal("expected session-b's first match to succeed independently of session-a")
	}
}

func TestCleanupOldEntriesPurgesStaleSessions(t *testing.T) {
	m := NewMatcher(DefaultConfig())
	m.Match("Gandalf tells you: hi", "session-1")

	if len(m.entries) != 1 {
		t.Fatalf("expected 1 tracked session before cleanup, got %d", len(m.entries))
	}

	m.entries["session-1"].lastSeen = m.entries["session-1"].lastSeen.Add(-49 * time.Hour)
	m.CleanupOldEntries(48 * time.Hour)

	if len(m.entries) != 0 {
		t.Errorf("expected stale session purged, got %d remaining", len(m.entries))
	}
}
