package sessionlog

import (
	"errors"
	"log/slog"
	"time"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// LevelCritical sits above slog.LevelError in the audit log.
const LevelCritical = slog.Level(12)

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.level() >= min.level()
}

func (s Severity) level() slog.Level {
	switch s {
	case SeverityCritical:
		return LevelCritical
	case SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Event is one recorded alert occurrence.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"`
	Message     string         `json:"message"`
	Severity    Severity       `json:"severity"`
	Metadata    map[string]any `json:"metadata"`
	StreakCount int            `json:"streak_count"`
}

// Statistics are the running session counters.
type Statistics struct {
	TotalFrames int            `json:"total_frames"`
	TotalAlerts int            `json:"total_alerts"`
	AlertTypes  map[string]int `json:"alert_types"`
}

func (s Statistics) clone() Statistics {
	types := make(map[string]int, len(s.AlertTypes))
	for k, v := range s.AlertTypes {
		types[k] = v
	}
	s.AlertTypes = types
	return s
}

// Document is the session summary persisted at close.
type Document struct {
	SessionID  string     `json:"session_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	Alerts     []Event    `json:"alerts"`
	Statistics Statistics `json:"statistics"`
}

// Summary is a point-in-time view of a session.
type Summary struct {
	SessionID       string         `json:"session_id"`
	StartTime       time.Time      `json:"start_time"`
	DurationSeconds float64        `json:"duration_seconds"`
	TotalFrames     int            `json:"total_frames"`
	TotalAlerts     int            `json:"total_alerts"`
	AlertTypes      map[string]int `json:"alert_types"`
	ActiveStreaks   []string       `json:"active_streaks"`
	LogFile         string         `json:"log_file"`
	AlertsFile      string         `json:"alerts_file"`
	Closed          bool           `json:"closed"`
}

// Sink receives streak starts and the final document, typically to persist
// them outside the log directory.
type Sink interface {
	StreakStarted(sessionID string, ev Event) error
	SessionClosed(doc Document) error
}

type multiSink []Sink

// MultiSink fans events out to every non-nil sink. It returns nil when no
// sink remains.
func MultiSink(sinks ...Sink) Sink {
	var m multiSink
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}
	return m
}

func (m multiSink) StreakStarted(sessionID string, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.StreakStarted(sessionID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiSink) SessionClosed(doc Document) error {
	var errs []error
	for _, s := range m {
		if err := s.SessionClosed(doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
