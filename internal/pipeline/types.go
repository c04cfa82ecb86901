package pipeline

import (
	"image"
	"time"

	"proctor/internal/alert"
	"proctor/internal/sessionlog"
)

// Stage identifies one detection step of the per-frame pipeline.
type Stage string

const (
	StagePresence Stage = "presence"
	StageIdentity Stage = "identity"
	StageGaze     Stage = "gaze"
	StageObject   Stage = "object"
)

// Event types recorded for collaborator failures. They are logged like
// alerts but never touch the alert vector.
const (
	EventDetectionError      = "detection_error"
	EventFaceMatchError      = "face_match_error"
	EventEyeDetectionError   = "eye_detection_error"
	EventPhoneDetectionError = "phone_detection_error"
)

// BBox is a pixel-space bounding box.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Rect converts the box to an image rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Point is a landmark position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FaceRegion is one face found by the presence stage.
type FaceRegion struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Landmarks  []Point `json:"landmarks,omitempty"`
}

// MatchResult is the identity stage verdict for a face.
type MatchResult struct {
	Matched    bool    `json:"matched"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// EyeDetection is one eye located by the gaze stage. Attributes carry
// detector-specific data needed to assess risk.
type EyeDetection struct {
	Side       string         `json:"side"`
	BBox       BBox           `json:"bbox"`
	Landmarks  []Point        `json:"landmarks,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RiskStatus classifies gaze behaviour.
type RiskStatus string

const (
	RiskSafe     RiskStatus = "SAFE"
	RiskRisk     RiskStatus = "RISK"
	RiskThinking RiskStatus = "THINKING"
	RiskClosed   RiskStatus = "CLOSED"
)

// RiskAssessment is the gaze verdict for one eye.
type RiskAssessment struct {
	Status          RiskStatus `json:"status"`
	Score           float64    `json:"score"`
	HorizontalRatio float64    `json:"horizontal_ratio"`
	VerticalRatio   float64    `json:"vertical_ratio"`
}

// ObjectResult is the contraband classifier verdict for a frame.
type ObjectResult struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
	ClassName  string  `json:"class_name"`
}

// FrameOutcome describes what happened to one frame.
type FrameOutcome struct {
	Seq          uint64           `json:"seq"`
	Timestamp    time.Time        `json:"timestamp"`
	Skipped      bool             `json:"skipped"`
	FaceCount    int              `json:"face_count"`
	Faces        []FaceRegion     `json:"faces,omitempty"`
	Match        *MatchResult     `json:"match,omitempty"`
	Eyes         []RiskAssessment `json:"eyes,omitempty"`
	Object       *ObjectResult    `json:"object,omitempty"`
	Errors       map[Stage]string `json:"errors,omitempty"`
	Alerts       alert.State      `json:"alerts"`
	ProcessingMs float64          `json:"processing_ms"`
}

func (o *FrameOutcome) fail(stage Stage, err error) {
	if o.Errors == nil {
		o.Errors = make(map[Stage]string)
	}
	o.Errors[stage] = err.Error()
}

// StageStatus reports whether a stage is active for the session.
type StageStatus struct {
	Stage    Stage  `json:"stage"`
	Detector string `json:"detector,omitempty"`
	Enabled  bool   `json:"enabled"`
	Reason   string `json:"reason,omitempty"`
	Failures uint64 `json:"failures"`
}

// Report is the end-of-session (or live) pipeline summary.
type Report struct {
	FramesCaptured  uint64             `json:"frames_captured"`
	FramesProcessed uint64             `json:"frames_processed"`
	FramesSkipped   uint64             `json:"frames_skipped"`
	ReadErrors      uint64             `json:"read_errors"`
	FramesAbandoned uint64             `json:"frames_abandoned"`
	CameraDropped   uint64             `json:"camera_dropped"`
	ProcessingRatio float64            `json:"processing_ratio"`
	Admission       string             `json:"admission"`
	MaxFPS          int                `json:"max_fps"`
	AvgProcessingMs float64            `json:"avg_processing_ms"`
	Stages          []StageStatus      `json:"stages"`
	Alerts          map[string]bool    `json:"alerts"`
	Session         sessionlog.Summary `json:"session"`
}
