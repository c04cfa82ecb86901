package strategies

import (
	"sync"
	"time"

	"proctor/internal/pipeline"
)

// ContinuousStrategy analyses every frame
// Optionally rate-limits to avoid overwhelming the detectors
type ContinuousStrategy struct {
	minInterval  time.Duration // Minimum time between analysed frames
	lastAnalysed time.Time
	now          func() time.Time
	mu           sync.Mutex
}

// NewContinuousStrategy creates a continuous admission policy
// minInterval can be 0 to process every frame, or a duration to rate-limit
func NewContinuousStrategy(minInterval time.Duration) *ContinuousStrategy {
	return &ContinuousStrategy{
		minInterval: minInterval,
		now:         time.Now,
	}
}

func (s *ContinuousStrategy) Name() string {
	if s.minInterval > 0 {
		return string(ModeInterval) + "(" + s.minInterval.String() + ")"
	}
	return string(ModeContinuous)
}

func (s *ContinuousStrategy) ShouldProcess(frame *pipeline.FrameData) bool {
	if s.minInterval == 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now().Sub(s.lastAnalysed) >= s.minInterval
}

func (s *ContinuousStrategy) OnProcessed(outcome *pipeline.FrameOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAnalysed = s.now()
}

func (s *ContinuousStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAnalysed = time.Time{}
}
