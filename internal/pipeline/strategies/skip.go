package strategies

import (
	"fmt"
	"sync"

	"proctor/internal/pipeline"
)

// SkipStrategy analyses one frame, then passes the next n through
// untouched. n = 0 analyses every frame.
type SkipStrategy struct {
	skip    int
	counter int
	mu      sync.Mutex
}

// NewSkipStrategy creates a counter-based admission policy
func NewSkipStrategy(skip int) *SkipStrategy {
	if skip < 0 {
		skip = 0
	}
	return &SkipStrategy{skip: skip}
}

func (s *SkipStrategy) Name() string {
	return fmt.Sprintf("%s(%d)", ModeSkip, s.skip)
}

// ShouldProcess counts frames since the last analysed one; while the count
// is within the skip setting the frame passes through.
func (s *SkipStrategy) ShouldProcess(frame *pipeline.FrameData) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	if s.counter <= s.skip {
		return false
	}
	s.counter = 0
	return true
}

func (s *SkipStrategy) OnProcessed(outcome *pipeline.FrameOutcome) {}

func (s *SkipStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter = 0
}

// Skip returns the configured skip count
func (s *SkipStrategy) Skip() int {
	return s.skip
}
