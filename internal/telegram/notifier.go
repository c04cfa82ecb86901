package telegram

import (
	"context"
	"fmt"
	"html"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"proctor/internal/sessionlog"
)

// Sender is the part of Bot the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, photoData []byte, caption string) error
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	StudentID string
	// MinSeverity filters streak starts; default critical
	MinSeverity sessionlog.Severity
	// Cooldown spaces notifications of the same alert type; default 30s
	Cooldown time.Duration
	// NotifyClose sends the session totals when the session ends
	NotifyClose bool
	// Snapshot returns the latest preview JPEG, or nil
	Snapshot func() []byte
	// SendTimeout bounds each API call; default 10s
	SendTimeout time.Duration
}

type notification struct {
	text  string
	photo []byte
}

// Notifier is a sessionlog.Sink that forwards streak starts to a Telegram
// chat. Sends happen on a background goroutine; when the queue is full new
// notifications are dropped.
type Notifier struct {
	sender Sender
	cfg    NotifierConfig
	now    func() time.Time

	mu        sync.Mutex
	lastSent  map[string]time.Time
	closed    bool
	dropped   int
	queue     chan notification
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ sessionlog.Sink = (*Notifier)(nil)

// NewNotifier starts the send loop.
func NewNotifier(sender Sender, cfg NotifierConfig) *Notifier {
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = sessionlog.SeverityCritical
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	n := &Notifier{
		sender:   sender,
		cfg:      cfg,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		queue:    make(chan notification, 16),
	}
	n.wg.Add(1)
	go n.sendLoop()
	return n
}

// StreakStarted queues a notification for sufficiently severe events.
func (n *Notifier) StreakStarted(sessionID string, ev sessionlog.Event) error {
	if !ev.Severity.AtLeast(n.cfg.MinSeverity) {
		return nil
	}

	n.mu.Lock()
	now := n.now()
	if last, ok := n.lastSent[ev.Type]; ok && now.Sub(last) < n.cfg.Cooldown {
		n.mu.Unlock()
		return nil
	}
	n.lastSent[ev.Type] = now
	n.mu.Unlock()

	var photo []byte
	if n.cfg.Snapshot != nil {
		photo = n.cfg.Snapshot()
	}
	n.enqueue(notification{text: n.formatAlert(sessionID, ev), photo: photo})
	return nil
}

// SessionClosed queues the session totals when NotifyClose is set.
func (n *Notifier) SessionClosed(doc sessionlog.Document) error {
	if !n.cfg.NotifyClose {
		return nil
	}
	n.enqueue(notification{text: formatSummary(doc)})
	return nil
}

func (n *Notifier) enqueue(msg notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.dropped++
		if n.dropped == 1 || n.dropped%10 == 0 {
			log.Printf("[Telegram] Queue full, dropped %d notifications", n.dropped)
		}
	}
}

func (n *Notifier) sendLoop() {
	defer n.wg.Done()
	for msg := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SendTimeout)
		var err error
		if len(msg.photo) > 0 {
			err = n.sender.SendPhoto(ctx, msg.photo, msg.text)
		} else {
			err = n.sender.SendMessage(ctx, msg.text)
		}
		cancel()
		if err != nil {
			log.Printf("[Telegram] Failed to send notification: %v", err)
		}
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
		n.wg.Wait()
	})
	return nil
}

func (n *Notifier) formatAlert(sessionID string, ev sessionlog.Event) string {
	var b strings.Builder
	icon := "⚠️"
	if ev.Severity == sessionlog.SeverityCritical {
		icon = "🚨"
	}
	fmt.Fprintf(&b, "%s <b>%s</b>\n\n", icon, html.EscapeString(ev.Message))
	fmt.Fprintf(&b, "Session: %s\n", html.EscapeString(sessionID))
	if n.cfg.StudentID != "" {
		fmt.Fprintf(&b, "Student: %s\n", html.EscapeString(n.cfg.StudentID))
	}
	fmt.Fprintf(&b, "Alert: %s (%s)\n", html.EscapeString(ev.Type), ev.Severity)
	fmt.Fprintf(&b, "Time: %s", ev.Timestamp.Format("2 Jan 2006, 15:04:05 MST"))
	return b.String()
}

func formatSummary(doc sessionlog.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 <b>Session %s ended</b>\n\n", html.EscapeString(doc.SessionID))
	if doc.EndTime != nil {
		fmt.Fprintf(&b, "Duration: %s\n", doc.EndTime.Sub(doc.StartTime).Round(time.Second))
	}
	fmt.Fprintf(&b, "Frames: %d\nAlerts: %d", doc.Statistics.TotalFrames, doc.Statistics.TotalAlerts)

	types := make([]string, 0, len(doc.Statistics.AlertTypes))
	for t := range doc.Statistics.AlertTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "\n  %s: %d", html.EscapeString(t), doc.Statistics.AlertTypes[t])
	}
	return b.String()
}
