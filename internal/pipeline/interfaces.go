package pipeline

import (
	"context"
	"errors"
)

// ErrCameraClosed is returned by a FrameSource that can deliver no more
// frames. It ends the processing loop.
var ErrCameraClosed = errors.New("camera closed")

// ErrPresenceUnavailable means the presence stage could not be loaded, so
// no session can run.
var ErrPresenceUnavailable = errors.New("presence detector unavailable")

// Collaborator is the lifecycle shared by every detection backend.
type Collaborator interface {
	// Name returns the detector identifier used in logs and reports
	Name() string

	// LoadModel prepares the backend; an error disables the stage
	LoadModel(ctx context.Context) error

	// Cleanup releases backend resources; called once at teardown
	Cleanup() error
}

// PresenceDetector finds faces in a frame.
type PresenceDetector interface {
	Collaborator
	Detect(ctx context.Context, frame *FrameData) ([]FaceRegion, error)
}

// IdentityMatcher compares a face against the registered student.
type IdentityMatcher interface {
	Collaborator
	MatchWithDetails(ctx context.Context, frame *FrameData, face FaceRegion) (MatchResult, error)
}

// GazeDetector locates eyes and grades where they look.
type GazeDetector interface {
	Collaborator
	Detect(ctx context.Context, frame *FrameData, faces []FaceRegion) ([]EyeDetection, error)
	CalculateRisk(ctx context.Context, eye EyeDetection) (RiskAssessment, error)
}

// ObjectClassifier looks for contraband such as phones.
type ObjectClassifier interface {
	Collaborator
	Classify(ctx context.Context, frame *FrameData) (ObjectResult, error)
}

// FrameSource delivers camera frames. Read returns ErrCameraClosed (possibly
// wrapped) when the source is exhausted; other errors are transient.
type FrameSource interface {
	Read(ctx context.Context) (*FrameData, error)
	Close() error
}

// FrameAdmission decides which frames run through the detection stages.
type FrameAdmission interface {
	// Name returns the admission policy identifier
	Name() string

	// ShouldProcess reports whether frame should be analysed
	ShouldProcess(frame *FrameData) bool

	// OnProcessed is called after an admitted frame is committed
	OnProcessed(outcome *FrameOutcome)

	// Reset clears internal state
	Reset()
}

// FramePublisher hands frames to another process.
type FramePublisher interface {
	WriteFrame(pixels []byte, width, height, channels int) error
	Cleanup() error
}

// Annotator draws the preview overlay for a frame. It returns the frame to
// publish, which may be the input modified in place.
type Annotator interface {
	Annotate(frame *FrameData, outcome *FrameOutcome) *FrameData
}

// OutcomeHandler receives every frame outcome.
type OutcomeHandler interface {
	OnFrameOutcome(outcome *FrameOutcome)
}

// OutcomeHandlerFunc adapts a function to OutcomeHandler.
type OutcomeHandlerFunc func(outcome *FrameOutcome)

func (f OutcomeHandlerFunc) OnFrameOutcome(outcome *FrameOutcome) {
	f(outcome)
}
