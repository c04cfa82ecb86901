package strategies

import (
	"fmt"
	"time"

	"proctor/internal/pipeline"
)

// Mode names an admission policy
type Mode string

const (
	// ModeSkip - analyse one frame, pass the next N through
	ModeSkip Mode = "skip"
	// ModeContinuous - analyse every frame
	ModeContinuous Mode = "continuous"
	// ModeInterval - analyse at most one frame per interval
	ModeInterval Mode = "interval"
	// ModeDisabled - never analyse, preview only
	ModeDisabled Mode = "disabled"
)

// Settings selects and parameterizes an admission policy
type Settings struct {
	Mode       Mode
	SkipFrames int
	Interval   time.Duration
}

// Create builds the admission policy for settings
func Create(settings Settings) (pipeline.FrameAdmission, error) {
	switch settings.Mode {
	case "", ModeSkip:
		if settings.SkipFrames < 0 {
			return nil, fmt.Errorf("skip_frames cannot be negative: %d", settings.SkipFrames)
		}
		return NewSkipStrategy(settings.SkipFrames), nil

	case ModeContinuous:
		return NewContinuousStrategy(0), nil

	case ModeInterval:
		interval := settings.Interval
		if interval <= 0 {
			interval = time.Second // Default to one analysed frame per second
		}
		return NewContinuousStrategy(interval), nil

	case ModeDisabled:
		return NewDisabledStrategy(), nil

	default:
		return nil, fmt.Errorf("unknown admission mode: %s", settings.Mode)
	}
}
