package database

import (
	"path/filepath"
	"testing"
	"time"

	"proctor/internal/sessionlog"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "proctor.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name   string
		frames int
		sev    []sessionlog.Severity
		want   float64
	}{
		{"no frames", 0, []sessionlog.Severity{sessionlog.SeverityCritical}, 0},
		{"weighted", 10, []sessionlog.Severity{sessionlog.SeverityCritical, sessionlog.SeverityWarning, sessionlog.SeverityInfo}, 0.15},
		{"clipped", 1, []sessionlog.Severity{sessionlog.SeverityCritical, sessionlog.SeverityCritical}, 1},
		{"errors ignored", 4, []sessionlog.Severity{sessionlog.SeverityError}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := sessionlog.Document{Statistics: sessionlog.Statistics{TotalFrames: tt.frames}}
			for _, s := range tt.sev {
				doc.Alerts = append(doc.Alerts, sessionlog.Event{Severity: s})
			}
			if got := RiskScore(doc); got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("RiskScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := db.StartSession(&SessionRecord{ID: "s1", StudentID: "alice", StartTime: start, SummaryPath: "/logs/s1.json"}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	ev := sessionlog.Event{
		Timestamp: start.Add(time.Minute),
		Type:      "no_face",
		Message:   "No face detected",
		Severity:  sessionlog.SeverityWarning,
		Metadata:  map[string]any{"face_count": 0.0},
	}
	if err := db.StreakStarted("s1", ev); err != nil {
		t.Fatalf("StreakStarted: %v", err)
	}

	end := start.Add(time.Hour)
	doc := sessionlog.Document{
		SessionID:  "s1",
		StartTime:  start,
		EndTime:    &end,
		Alerts:     []sessionlog.Event{ev, ev},
		Statistics: sessionlog.Statistics{TotalFrames: 10, TotalAlerts: 2},
	}
	if err := db.SessionClosed(doc); err != nil {
		t.Fatalf("SessionClosed: %v", err)
	}

	s, err := db.GetSession("s1")
	if err != nil || s == nil {
		t.Fatalf("GetSession: %v, %v", s, err)
	}
	if s.StudentID != "alice" || s.SummaryPath != "/logs/s1.json" {
		t.Errorf("start fields lost on close: %+v", s)
	}
	if s.EndTime == nil || !s.EndTime.Equal(end) {
		t.Errorf("EndTime = %v, want %v", s.EndTime, end)
	}
	if s.TotalFrames != 10 || s.TotalAlerts != 2 || s.RiskScore != 0.1 {
		t.Errorf("unexpected totals: %+v", s)
	}

	violations, err := db.ListViolations("s1")
	if err != nil {
		t.Fatalf("ListViolations: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if violations[0].Type != "no_face" || violations[0].Metadata["face_count"] != 0.0 || violations[0].ID == "" {
		t.Errorf("unexpected violation: %+v", violations[0])
	}
}

func TestStreakStartedWithoutSessionRow(t *testing.T) {
	db := openTestDB(t)
	err := db.StreakStarted("orphan", sessionlog.Event{
		Timestamp: time.Now(),
		Type:      "cheating_phone_detected",
		Severity:  sessionlog.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("StreakStarted: %v", err)
	}
	if s, _ := db.GetSession("orphan"); s == nil {
		t.Fatal("session row should be created on demand")
	}
}

func TestGetSessionMissing(t *testing.T) {
	db := openTestDB(t)
	s, err := db.GetSession("nope")
	if err != nil || s != nil {
		t.Fatalf("GetSession = %v, %v; want nil, nil", s, err)
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		start := base.Add(time.Duration(i) * 48 * time.Hour)
		db.StartSession(&SessionRecord{ID: id, StudentID: "bob", StartTime: start})
		end := start.Add(time.Hour)
		db.SessionClosed(sessionlog.Document{SessionID: id, StartTime: start, EndTime: &end})
	}
	db.StreakStarted("old", sessionlog.Event{Timestamp: base, Type: "no_face", Severity: sessionlog.SeverityWarning})

	sessions, err := db.ListSessions("bob", 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "new" {
		t.Fatalf("expected newest first, got %d sessions", len(sessions))
	}

	n, err := db.DeleteSessionsBefore(base.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d sessions, want 1", n)
	}
	if v, _ := db.ListViolations("old"); len(v) != 0 {
		t.Errorf("violations of deleted session remain: %d", len(v))
	}
}

func TestLoggerSinkIntegration(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	logger, err := sessionlog.New(sessionlog.Config{
		Dir:       t.TempDir(),
		SessionID: "int",
		Clock:     clock,
		Sink:      db,
	})
	if err != nil {
		t.Fatalf("sessionlog.New: %v", err)
	}

	for i := 0; i < 3; i++ {
		logger.LogFrameProcessed()
		if err := logger.LogAlert("no_face", "No face detected", sessionlog.SeverityWarning, nil); err != nil {
			t.Fatalf("LogAlert: %v", err)
		}
		now = now.Add(time.Second)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	violations, _ := db.ListViolations("int")
	if len(violations) != 1 {
		t.Errorf("expected one violation per streak, got %d", len(violations))
	}
	s, _ := db.GetSession("int")
	if s == nil || s.EndTime == nil || s.TotalFrames != 3 {
		t.Fatalf("session not finalized: %+v", s)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var n int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('sessions', 'violations')`).Scan(&n); err != nil {
		t.Fatalf("query schema: %v", err)
	}
	if n != 2 {
		t.Errorf("found %d tables, want 2", n)
	}
}
