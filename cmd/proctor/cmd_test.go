package main

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"proctor/internal/alert"
	"proctor/internal/config"
	"proctor/internal/database"
	"proctor/internal/framechan"
	"proctor/internal/sessionlog"
)

func TestRootCmd_Version(t *testing.T) {
	cmd := NewRootCmd("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); got != "proctor version 1.2.3\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestHashPasswordCmd_FromStdin(t *testing.T) {
	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("s3cret\n"))
	cmd.SetArgs([]string{"hash-password"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Errorf("hash does not match password: %v", err)
	}
}

func TestSummaryCmd(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logger, err := sessionlog.New(sessionlog.Config{
		Dir:       dir,
		SessionID: "exam1",
		Clock:     func() time.Time { return clock },
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	for i := 0; i < 3; i++ {
		logger.LogFrameProcessed()
		if err := logger.LogAlert("no_face", "No face detected", sessionlog.SeverityWarning, nil); err != nil {
			t.Fatalf("log alert: %v", err)
		}
	}
	if err := logger.LogAlert("cheating_phone_detected", "Phone detected", sessionlog.SeverityCritical, nil); err != nil {
		t.Fatalf("log alert: %v", err)
	}
	clock = clock.Add(90 * time.Second)
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"summary", "--events", "2", logger.AlertsPath()})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := out.String()
	for _, want := range []string{"Session exam1", "(1m30s)", "frames:   3", "alerts:   4", "no_face", "last 2 events:", "Phone detected"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "no_face") > strings.Index(got, "cheating_phone_detected") {
		t.Errorf("alert types should be ordered by count:\n%s", got)
	}
}

func TestSummaryCmd_MissingFile(t *testing.T) {
	cmd := NewRootCmd("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"summary", filepath.Join(t.TempDir(), "nope.json")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing document")
	}
}

func TestFormatState(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC)
	if got := formatState(now, alert.State{}); got != "09:05:07  clear" {
		t.Errorf("clear state = %q", got)
	}
	var s alert.State
	s[alert.NoFace] = true
	s[alert.PhoneDetected] = true
	if got := formatState(now, s); got != "09:05:07  ALERT  Phone Detected, No Face" {
		t.Errorf("active state = %q", got)
	}
}

func TestPeekFrame_Missing(t *testing.T) {
	if _, ok := peekFrame(filepath.Join(t.TempDir(), "frames.bin")); ok {
		t.Error("peek on a missing channel should report no frame")
	}
}

func TestWatch_PrintsInitialStateOnce(t *testing.T) {
	dir := t.TempDir()
	store, err := alert.NewStore(filepath.Join(dir, "alert_state.json"), time.Second)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	store.SetAlert(alert.PhoneDetected, true, true)
	if err := store.ForceFlush(); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	tests := []struct {
		name  string
		kinds []alert.Kind
		want  string
	}{
		{"all kinds", nil, "ALERT  Phone Detected"},
		{"filtered out", []alert.Kind{alert.NoFace}, "clear"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Alerts.StateFile = store.Path()

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			var out bytes.Buffer
			if err := watch(ctx, &out, cfg, watchOptions{kinds: tt.kinds}); err != nil {
				t.Fatalf("watch: %v", err)
			}

			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			if len(lines) != 1 || !strings.HasSuffix(lines[0], tt.want) {
				t.Fatalf("output = %q, want one line ending in %q", out.String(), tt.want)
			}
		})
	}
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds([]string{"no_face", " phone_detected"})
	if err != nil {
		t.Fatalf("parseKinds: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != alert.NoFace || kinds[1] != alert.PhoneDetected {
		t.Errorf("kinds = %v", kinds)
	}
	if _, err := parseKinds([]string{"daydreaming"}); err == nil || !strings.Contains(err.Error(), "no_face") {
		t.Errorf("unknown kind error = %v, want list of valid kinds", err)
	}

	var s alert.State
	s[alert.NoFace] = true
	s[alert.PhoneDetected] = true
	if got := mask(s, []alert.Kind{alert.PhoneDetected}); got[alert.NoFace] || !got[alert.PhoneDetected] {
		t.Errorf("mask = %v", got)
	}
}

func TestPruneCmd(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "proctor.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	now := time.Now()
	for id, start := range map[string]time.Time{"old": now.Add(-72 * time.Hour), "recent": now.Add(-time.Hour)} {
		end := start.Add(30 * time.Minute)
		if err := db.SessionClosed(sessionlog.Document{SessionID: id, StartTime: start, EndTime: &end}); err != nil {
			t.Fatalf("SessionClosed: %v", err)
		}
	}
	db.Close()

	t.Setenv("PROCTOR_DATABASE__PATH", dbPath)
	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", filepath.Join(dir, "none.yaml"), "prune", "--older-than", "24h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "removed 1 session(s)") {
		t.Errorf("output = %q", out.String())
	}

	db, err = database.New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if s, _ := db.GetSession("old"); s != nil {
		t.Error("old session should be pruned")
	}
	if s, _ := db.GetSession("recent"); s == nil {
		t.Error("recent session should survive")
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	chanPath := filepath.Join(dir, "frames.shm")
	buf, err := framechan.Create(chanPath, 1024)
	if err != nil {
		t.Fatalf("framechan.Create: %v", err)
	}
	defer buf.Cleanup()

	out := filepath.Join(dir, "frame.jpg")
	if _, err := snapshot(chanPath, out, 90); !errors.Is(err, errNoFrame) {
		t.Fatalf("empty channel: err = %v, want errNoFrame", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("no file should be written without a frame")
	}

	pixels := bytes.Repeat([]byte{0, 0, 255}, 8*4)
	if err := buf.WriteFrame(pixels, 8, 4, 3); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	info, err := snapshot(chanPath, out, 90)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if info.Width != 8 || info.Height != 4 {
		t.Errorf("info = %dx%d, want 8x4", info.Width, info.Height)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("bounds = %v, want 8x4", b)
	}
	r, _, bl, _ := img.At(4, 2).RGBA()
	if r>>8 < 200 || bl>>8 > 60 {
		t.Errorf("pixel should be red after BGR conversion, got r=%d b=%d", r>>8, bl>>8)
	}

	if _, err := snapshot(chanPath, out, 0); err == nil {
		t.Error("quality 0 should be rejected")
	}
}
