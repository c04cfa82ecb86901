package alert

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// DefaultCooldown is the minimum spacing between honored activations of a
// kind when no cooldown is configured.
const DefaultCooldown = time.Second

// DefaultWriteInterval is the debounce interval the pipeline passes to
// FlushIfDue when none is configured.
const DefaultWriteInterval = 100 * time.Millisecond

// Store owns the alert vector and publishes it to a state file that other
// processes read. All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	path     string
	cooldown time.Duration
	now      func() time.Time

	state          State
	lastActivation [NumKinds]time.Time
	dirty          bool
	lastPublish    time.Time

	listeners []func(State)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for cooldown and debounce decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates the state file directory and publishes an all-clear
// vector. A failed initial publish is logged and retried on the next flush.
func NewStore(path string, cooldown time.Duration, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("alert state path is required")
	}
	if cooldown < 0 {
		return nil, fmt.Errorf("alert cooldown cannot be negative: %v", cooldown)
	}

	s := &Store{
		path:     path,
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create alert state directory: %w", err)
	}

	if err := s.ForceFlush(); err != nil {
		log.Printf("[AlertStore] Initial publish failed, will retry: %v", err)
	}
	return s, nil
}

// Path returns the published state file location.
func (s *Store) Path() string {
	return s.path
}

// SetAlert updates one slot and reports whether the vector changed.
//
// Activations are subject to the per-kind cooldown unless force is set; a
// rejected activation leaves both the slot and its timestamp untouched.
// Deactivations always apply. An honored activation refreshes the kind's
// last-activation time even when the slot was already set.
func (s *Store) SetAlert(kind Kind, value, force bool) bool {
	if !kind.Valid() {
		log.Printf("[AlertStore] Ignoring unknown alert kind %d", int(kind))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if value {
		now := s.now()
		if !force && now.Sub(s.lastActivation[kind]) < s.cooldown {
			return false
		}
		s.lastActivation[kind] = now
	}

	if s.state[kind] == value {
		return false
	}
	s.state[kind] = value
	s.dirty = true
	return true
}

// Clear deactivates a single kind.
func (s *Store) Clear(kind Kind) bool {
	return s.SetAlert(kind, false, false)
}

// ClearAll deactivates every kind, bypassing cooldown.
func (s *Store) ClearAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.state {
		if s.state[i] {
			s.state[i] = false
			changed = true
		}
	}
	if changed {
		s.dirty = true
	}
	return changed
}

// FlushIfDue publishes the vector when it is dirty and at least minInterval
// has passed since the last publish. It reports whether a write happened.
func (s *Store) FlushIfDue(minInterval time.Duration) bool {
	s.mu.Lock()
	if !s.dirty || s.now().Sub(s.lastPublish) < minInterval {
		s.mu.Unlock()
		return false
	}
	snapshot, err := s.publishLocked()
	listeners := s.listeners
	s.mu.Unlock()

	if err != nil {
		log.Printf("[AlertStore] Publish failed, will retry: %v", err)
		return false
	}
	notify(listeners, snapshot)
	return true
}

// ForceFlush publishes the vector regardless of dirtiness or interval.
func (s *Store) ForceFlush() error {
	s.mu.Lock()
	snapshot, err := s.publishLocked()
	listeners := s.listeners
	s.mu.Unlock()

	if err != nil {
		return err
	}
	notify(listeners, snapshot)
	return nil
}

func (s *Store) publishLocked() (State, error) {
	snapshot := s.state
	data, err := json.Marshal(snapshot)
	if err != nil {
		return snapshot, fmt.Errorf("failed to encode alert state: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return snapshot, fmt.Errorf("failed to write alert state: %w", err)
	}
	s.dirty = false
	s.lastPublish = s.now()
	return snapshot, nil
}

func notify(listeners []func(State), state State) {
	for _, fn := range listeners {
		fn(state)
	}
}

// OnPublish registers fn to receive every successfully published vector.
// Listeners run on the publishing goroutine and must not call back into
// the store's flush methods.
func (s *Store) OnPublish(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners[:len(s.listeners):len(s.listeners)], fn)
}

// Snapshot returns a copy of the current vector.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveKinds lists the kinds currently set.
func (s *Store) ActiveKinds() []Kind {
	return s.Snapshot().Active()
}

// Dirty reports whether the vector has changed since the last publish.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// LastActivation returns the time of the last honored activation of kind,
// or the zero time if it was never activated.
func (s *Store) LastActivation(kind Kind) time.Time {
	if !kind.Valid() {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivation[kind]
}
