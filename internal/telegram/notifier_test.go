package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"proctor/internal/sessionlog"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	photos   [][]byte
	err      error
}

func (f *fakeSender) SendMessage(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return f.err
}

func (f *fakeSender) SendPhoto(_ context.Context, photo []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, caption)
	f.photos = append(f.photos, photo)
	return f.err
}

func event(kind string, sev sessionlog.Severity) sessionlog.Event {
	return sessionlog.Event{
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Type:      kind,
		Message:   "Phone <detected>",
		Severity:  sev,
	}
}

func TestNotifier_FiltersBySeverity(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, NotifierConfig{StudentID: "s-1"})

	n.StreakStarted("sess", event("no_face", sessionlog.SeverityWarning))
	n.StreakStarted("sess", event("cheating_phone_detected", sessionlog.SeverityCritical))
	n.Close()

	if len(sender.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sender.messages))
	}
	msg := sender.messages[0]
	for _, want := range []string{"Phone &lt;detected&gt;", "Session: sess", "Student: s-1", "cheating_phone_detected"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestNotifier_CooldownPerType(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, NotifierConfig{MinSeverity: sessionlog.SeverityWarning, Cooldown: time.Minute})
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }

	n.StreakStarted("s", event("no_face", sessionlog.SeverityWarning))
	n.StreakStarted("s", event("no_face", sessionlog.SeverityWarning))
	n.StreakStarted("s", event("multiple_faces", sessionlog.SeverityWarning))
	clock = clock.Add(2 * time.Minute)
	n.StreakStarted("s", event("no_face", sessionlog.SeverityWarning))
	n.Close()

	if len(sender.messages) != 3 {
		t.Errorf("messages = %d, want 3", len(sender.messages))
	}
}

func TestNotifier_AttachesSnapshot(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, NotifierConfig{Snapshot: func() []byte { return []byte("jpg") }})
	n.StreakStarted("s", event("cheating_phone_detected", sessionlog.SeverityCritical))
	n.Close()

	if len(sender.photos) != 1 || string(sender.photos[0]) != "jpg" {
		t.Errorf("photos = %q", sender.photos)
	}
}

func TestNotifier_SessionClosed(t *testing.T) {
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	doc := sessionlog.Document{
		SessionID: "20260301_090000",
		StartTime: end.Add(-time.Hour),
		EndTime:   &end,
		Statistics: sessionlog.Statistics{
			TotalFrames: 100,
			TotalAlerts: 3,
			AlertTypes:  map[string]int{"no_face": 3},
		},
	}

	quiet := &fakeSender{}
	n := NewNotifier(quiet, NotifierConfig{})
	n.SessionClosed(doc)
	n.Close()
	if len(quiet.messages) != 0 {
		t.Errorf("close summary sent without NotifyClose")
	}

	sender := &fakeSender{}
	n = NewNotifier(sender, NotifierConfig{NotifyClose: true})
	n.SessionClosed(doc)
	n.Close()
	if len(sender.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sender.messages))
	}
	for _, want := range []string{"Session 20260301_090000 ended", "Duration: 1h0m0s", "Frames: 100", "no_face: 3"} {
		if !strings.Contains(sender.messages[0], want) {
			t.Errorf("summary missing %q:\n%s", want, sender.messages[0])
		}
	}
}

func TestNotifier_SendErrorsAreNotFatal(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	n := NewNotifier(sender, NotifierConfig{})
	if err := n.StreakStarted("s", event("cheating_phone_detected", sessionlog.SeverityCritical)); err != nil {
		t.Errorf("StreakStarted: %v", err)
	}
	n.Close()
	if err := n.StreakStarted("s", event("x", sessionlog.SeverityCritical)); err != nil {
		t.Errorf("StreakStarted after close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
