// Package sessionlog records proctoring events for a session. Repeated
// events are grouped into streaks so the human-readable log gets one line
// when a condition starts and one when it ends, while every occurrence is
// kept in the session document.
package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"proctor/internal/streak"
)

// ErrClosed is returned when logging into a closed session.
var ErrClosed = errors.New("session logger is closed")

// LogFileName is the human-readable log, truncated for every session.
const LogFileName = "test.log"

const banner = "================================================================"

// Config configures a Logger.
type Config struct {
	Dir           string
	SessionID     string
	StreakTimeout time.Duration
	Clock         func() time.Time
	Sink          Sink
}

// Logger is the session audit log. All methods are safe for concurrent use.
type Logger struct {
	mu sync.Mutex

	now     func() time.Time
	sink    Sink
	tracker *streak.Tracker

	logPath    string
	alertsPath string
	file       *os.File
	audit      *slog.Logger

	doc    Document
	closed bool
}

// New opens a session log in cfg.Dir.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("session log directory is required")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	start := now()

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = start.Format("20060102_150405")
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session log directory: %w", err)
	}

	logPath := filepath.Join(cfg.Dir, LogFileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	l := &Logger{
		now:        now,
		sink:       cfg.Sink,
		tracker:    streak.New(cfg.StreakTimeout),
		logPath:    logPath,
		alertsPath: filepath.Join(cfg.Dir, fmt.Sprintf("session_%s_alerts.json", sessionID)),
		file:       file,
		audit:      slog.New(newAuditHandler(file)),
		doc: Document{
			SessionID: sessionID,
			StartTime: start,
			Alerts:    []Event{},
			Statistics: Statistics{
				AlertTypes: make(map[string]int),
			},
		},
	}

	l.audit.Info(banner)
	l.audit.Info("PROCTORING SESSION STARTED", "session_id", sessionID)
	l.audit.Info(banner)

	return l, nil
}

func newAuditHandler(f *os.File) slog.Handler {
	return slog.NewTextHandler(f, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05"))
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok && level >= LevelCritical {
					return slog.String(slog.LevelKey, "CRITICAL")
				}
			}
			return a
		},
	})
}

// SessionID returns the session identifier.
func (l *Logger) SessionID() string {
	return l.doc.SessionID
}

// AlertsPath returns where the session document is written at close.
func (l *Logger) AlertsPath() string {
	return l.alertsPath
}

// LogPath returns the human-readable log location.
func (l *Logger) LogPath() string {
	return l.logPath
}

// LogAlert records one occurrence of eventType. Every occurrence is counted
// and kept; the log line is written only when it starts a new streak.
func (l *Logger) LogAlert(eventType, message string, severity Severity, metadata map[string]any) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}

	now := l.now()
	isNew, ended := l.tracker.Record(eventType, now)
	for _, e := range ended {
		l.logStreakEnd(e, false)
	}

	count := 1
	if r, ok := l.tracker.Active(eventType); ok {
		count = r.Count
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	ev := Event{
		Timestamp:   now,
		Type:        eventType,
		Message:     message,
		Severity:    severity,
		Metadata:    metadata,
		StreakCount: count,
	}
	l.doc.Alerts = append(l.doc.Alerts, ev)
	l.doc.Statistics.TotalAlerts++
	l.doc.Statistics.AlertTypes[eventType]++

	if isNew {
		l.audit.Log(context.Background(), severity.level(), message, "type", eventType)
	}
	sessionID := l.doc.SessionID
	sink := l.sink
	l.mu.Unlock()

	if isNew && sink != nil {
		if err := sink.StreakStarted(sessionID, ev); err != nil {
			log.Printf("[SessionLog] Sink failed to record %s: %v", eventType, err)
		}
	}
	return nil
}

func (l *Logger) logStreakEnd(e streak.Ended, final bool) {
	attrs := []any{
		"type", e.Key,
		"duration", fmt.Sprintf("%ds", int(e.Duration.Seconds())),
		"occurrences", e.Count,
	}
	if final {
		attrs = append(attrs, "final", true)
	}
	l.audit.Warn("streak ended", attrs...)
}

// LogInfo writes a general informational line.
func (l *Logger) LogInfo(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.audit.Info(message)
}

// LogFrameProcessed increments the processed frame counter.
func (l *Logger) LogFrameProcessed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.doc.Statistics.TotalFrames++
}

// Summary returns a consistent snapshot of the session counters.
func (l *Logger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	end := l.now()
	if l.doc.EndTime != nil {
		end = *l.doc.EndTime
	}

	active := make([]string, 0)
	for k := range l.tracker.ActiveAll() {
		active = append(active, k)
	}
	sort.Strings(active)

	stats := l.doc.Statistics.clone()
	return Summary{
		SessionID:       l.doc.SessionID,
		StartTime:       l.doc.StartTime,
		DurationSeconds: end.Sub(l.doc.StartTime).Seconds(),
		TotalFrames:     stats.TotalFrames,
		TotalAlerts:     stats.TotalAlerts,
		AlertTypes:      stats.AlertTypes,
		ActiveStreaks:   active,
		LogFile:         l.logPath,
		AlertsFile:      l.alertsPath,
		Closed:          l.closed,
	}
}

// RecentEvents returns up to n of the latest events, oldest first.
func (l *Logger) RecentEvents(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	alerts := l.doc.Alerts
	if n > 0 && len(alerts) > n {
		alerts = alerts[len(alerts)-n:]
	}
	out := make([]Event, len(alerts))
	copy(out, alerts)
	return out
}

// Close ends all active streaks, writes the session document and releases
// the log file. Subsequent calls return nil.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}

	end := l.now()
	ended := l.tracker.CloseAll()
	if len(ended) > 0 {
		l.audit.Info(banner)
		l.audit.Info("FINAL ACTIVE ALERT STREAKS")
		for _, e := range ended {
			l.logStreakEnd(e, true)
		}
	}

	stats := l.doc.Statistics
	l.audit.Info(banner)
	l.audit.Info("PROCTORING SESSION ENDED",
		"duration", fmt.Sprintf("%.2fs", end.Sub(l.doc.StartTime).Seconds()),
		"total_frames", stats.TotalFrames,
		"total_alerts", stats.TotalAlerts,
	)
	types := make([]string, 0, len(stats.AlertTypes))
	for t := range stats.AlertTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		l.audit.Info("alert summary", "type", t, "count", stats.AlertTypes[t])
	}
	l.audit.Info(banner)

	l.doc.EndTime = &end
	var errs []string
	if err := l.writeDocument(); err != nil {
		l.audit.Error("failed to save session data", "error", err)
		errs = append(errs, err.Error())
	} else {
		l.audit.Info("session data saved", "path", l.alertsPath)
	}

	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("close session log: %v", err))
	}
	l.closed = true

	doc := l.copyDocument()
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.SessionClosed(doc); err != nil {
			log.Printf("[SessionLog] Sink failed to record session close: %v", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("session logger close: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (l *Logger) writeDocument() error {
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session document: %w", err)
	}
	if err := renameio.WriteFile(l.alertsPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session document: %w", err)
	}
	return nil
}

func (l *Logger) copyDocument() Document {
	doc := l.doc
	doc.Alerts = make([]Event, len(l.doc.Alerts))
	copy(doc.Alerts, l.doc.Alerts)
	doc.Statistics = l.doc.Statistics.clone()
	return doc
}

// ReadDocument loads a session document written by Close.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse session document %s: %w", path, err)
	}
	if doc.Statistics.AlertTypes == nil {
		doc.Statistics.AlertTypes = make(map[string]int)
	}
	return &doc, nil
}
