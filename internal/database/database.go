package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"proctor/internal/sessionlog"
)

var _ sessionlog.Sink = (*Database)(nil)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// SessionRecord represents an exam session stored in the database
type SessionRecord struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"student_id"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	TotalFrames int        `json:"total_frames"`
	TotalAlerts int        `json:"total_alerts"`
	RiskScore   float64    `json:"risk_score"`
	SummaryPath string     `json:"summary_path,omitempty"`
}

// ViolationRecord represents one alert streak start
type ViolationRecord struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies pending schema migrations
func (d *Database) Migrate() error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, d.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(context.Background())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	for _, r := range results {
		log.Printf("[Database] Applied migration %s (%v)", r.Source.Path, r.Duration)
	}

	version, err := provider.GetDBVersion(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.Printf("[Database] Migrations completed, schema version %d", version)
	return nil
}

// StartSession records a new session row
func (d *Database) StartSession(s *SessionRecord) error {
	query := `INSERT INTO sessions (id, student_id, start_time, summary_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			summary_path = excluded.summary_path`

	if _, err := d.db.Exec(query, s.ID, s.StudentID, s.StartTime, s.SummaryPath); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// StreakStarted stores a violation for the first occurrence of a streak
func (d *Database) StreakStarted(sessionID string, ev sessionlog.Event) error {
	// The row may be missing if StartSession was never called
	if _, err := d.db.Exec(`INSERT OR IGNORE INTO sessions (id, start_time) VALUES (?, ?)`,
		sessionID, ev.Timestamp); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return d.SaveViolation(&ViolationRecord{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      ev.Type,
		Severity:  string(ev.Severity),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
		Metadata:  ev.Metadata,
	})
}

// SessionClosed finalizes the session row from the summary document
func (d *Database) SessionClosed(doc sessionlog.Document) error {
	end := time.Now()
	if doc.EndTime != nil {
		end = *doc.EndTime
	}

	query := `INSERT INTO sessions (id, start_time, end_time, total_frames, total_alerts, risk_score)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			end_time = excluded.end_time,
			total_frames = excluded.total_frames,
			total_alerts = excluded.total_alerts,
			risk_score = excluded.risk_score`

	score := RiskScore(doc)
	_, err := d.db.Exec(query, doc.SessionID, doc.StartTime, end,
		doc.Statistics.TotalFrames, doc.Statistics.TotalAlerts, score)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}

	log.Printf("[Database] Session %s closed: %d frames, %d alerts, risk %.2f",
		doc.SessionID, doc.Statistics.TotalFrames, doc.Statistics.TotalAlerts, score)
	return nil
}

// RiskScore weights alert events by severity per processed frame, clipped to [0,1]
func RiskScore(doc sessionlog.Document) float64 {
	if doc.Statistics.TotalFrames <= 0 {
		return 0
	}
	var weighted float64
	for _, ev := range doc.Alerts {
		switch ev.Severity {
		case sessionlog.SeverityCritical:
			weighted += 1.0
		case sessionlog.SeverityWarning:
			weighted += 0.5
		}
	}
	score := weighted / float64(doc.Statistics.TotalFrames)
	if score > 1 {
		score = 1
	}
	return score
}

// SaveViolation saves a violation
func (d *Database) SaveViolation(v *ViolationRecord) error {
	metaJSON, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO violations (id, session_id, type, severity, message, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query, v.ID, v.SessionID, v.Type, v.Severity, v.Message, v.Timestamp, string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to save violation: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (d *Database) GetSession(id string) (*SessionRecord, error) {
	query := `SELECT id, COALESCE(student_id, ''), start_time, end_time, total_frames,
		total_alerts, risk_score, COALESCE(summary_path, '')
		FROM sessions WHERE id = ?`

	s, err := scanSession(d.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions newest first, optionally for one student
func (d *Database) ListSessions(studentID string, limit int) ([]*SessionRecord, error) {
	query := `SELECT id, COALESCE(student_id, ''), start_time, end_time, total_frames,
		total_alerts, risk_score, COALESCE(summary_path, '')
		FROM sessions WHERE 1=1`
	args := []interface{}{}

	if studentID != "" {
		query += " AND student_id = ?"
		args = append(args, studentID)
	}
	query += " ORDER BY start_time DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var s SessionRecord
	var end sql.NullTime
	if err := row.Scan(&s.ID, &s.StudentID, &s.StartTime, &end, &s.TotalFrames,
		&s.TotalAlerts, &s.RiskScore, &s.SummaryPath); err != nil {
		return nil, err
	}
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	return &s, nil
}

// ListViolations returns a session's violations in time order
func (d *Database) ListViolations(sessionID string) ([]*ViolationRecord, error) {
	query := `SELECT id, session_id, type, severity, COALESCE(message, ''), timestamp, COALESCE(metadata, '')
		FROM violations WHERE session_id = ? ORDER BY timestamp ASC`

	rows, err := d.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []*ViolationRecord
	for rows.Next() {
		var v ViolationRecord
		var metaJSON string
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Type, &v.Severity, &v.Message, &v.Timestamp, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &v.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// DeleteSessionsBefore removes finished sessions older than before, with their violations
func (d *Database) DeleteSessionsBefore(before time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM violations WHERE session_id IN
		(SELECT id FROM sessions WHERE end_time IS NOT NULL AND start_time < ?)`, before); err != nil {
		return 0, fmt.Errorf("failed to delete violations: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM sessions WHERE end_time IS NOT NULL AND start_time < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return result.RowsAffected()
}
