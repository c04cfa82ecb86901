// Package streak groups repeated occurrences of the same event key into
// streaks so that a condition lasting many frames is reported once.
package streak

import (
	"sort"
	"time"
)

// DefaultTimeout is the gap after which an unrefreshed streak ends.
const DefaultTimeout = 5 * time.Second

// Record is the state of an active streak.
type Record struct {
	Start time.Time
	Last  time.Time
	Count int
}

// Duration is the time between the first and latest occurrence.
func (r Record) Duration() time.Duration {
	return r.Last.Sub(r.Start)
}

// Ended describes a streak that has timed out or was closed.
type Ended struct {
	Key      string
	Start    time.Time
	Last     time.Time
	Count    int
	Duration time.Duration
}

// Tracker holds one streak per key. Timeouts are evaluated lazily on each
// Record call; there is no background sweep. Tracker is not safe for
// concurrent use; callers serialize access.
type Tracker struct {
	timeout time.Duration
	active  map[string]*Record
}

// New creates a tracker. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		active:  make(map[string]*Record),
	}
}

// Record registers an occurrence of key at now. It reports whether this
// occurrence starts a new streak, and returns every streak that timed out
// before now, including an expired predecessor for key itself.
func (t *Tracker) Record(key string, now time.Time) (bool, []Ended) {
	var ended []Ended
	for k, r := range t.active {
		if now.Sub(r.Last) > t.timeout {
			ended = append(ended, endedFrom(k, r))
			delete(t.active, k)
		}
	}
	sortEnded(ended)

	if r, ok := t.active[key]; ok {
		r.Last = now
		r.Count++
		return false, ended
	}

	t.active[key] = &Record{Start: now, Last: now, Count: 1}
	return true, ended
}

// CloseAll ends every active streak, oldest first.
func (t *Tracker) CloseAll() []Ended {
	ended := make([]Ended, 0, len(t.active))
	for k, r := range t.active {
		ended = append(ended, endedFrom(k, r))
	}
	t.active = make(map[string]*Record)
	sortEnded(ended)
	return ended
}

// Active returns the streak for key, if any. The streak may have timed out
// without being swept yet.
func (t *Tracker) Active(key string) (Record, bool) {
	r, ok := t.active[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// ActiveAll returns a copy of every tracked streak.
func (t *Tracker) ActiveAll() map[string]Record {
	out := make(map[string]Record, len(t.active))
	for k, r := range t.active {
		out[k] = *r
	}
	return out
}

func endedFrom(key string, r *Record) Ended {
	return Ended{
		Key:      key,
		Start:    r.Start,
		Last:     r.Last,
		Count:    r.Count,
		Duration: r.Duration(),
	}
}

func sortEnded(ended []Ended) {
	sort.Slice(ended, func(i, j int) bool {
		if ended[i].Start.Equal(ended[j].Start) {
			return ended[i].Key < ended[j].Key
		}
		return ended[i].Start.Before(ended[j].Start)
	})
}
