package strategies

import (
	"proctor/internal/pipeline"
)

// DisabledStrategy never analyses a frame
// Used to preview the camera feed through the frame channel without proctoring
type DisabledStrategy struct{}

// NewDisabledStrategy creates a disabled admission policy
func NewDisabledStrategy() *DisabledStrategy {
	return &DisabledStrategy{}
}

func (s *DisabledStrategy) Name() string {
	return string(ModeDisabled)
}

func (s *DisabledStrategy) ShouldProcess(frame *pipeline.FrameData) bool {
	return false
}

func (s *DisabledStrategy) OnProcessed(outcome *pipeline.FrameOutcome) {
	// No-op
}

func (s *DisabledStrategy) Reset() {
	// No-op
}
