package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proctor/internal/alert"
	"proctor/internal/sessionlog"
)

const tracerName = "proctor/pipeline"

// readRetryDelay paces the loop after a transient camera error.
const readRetryDelay = 10 * time.Millisecond

// Config holds the loop settings.
type Config struct {
	// MaxFPS caps the loop rate; zero means uncapped
	MaxFPS int
	// Headless yields for 1ms after every frame
	Headless bool
	// WriteInterval is the alert publish debounce
	WriteInterval time.Duration
}

// Dependencies are the collaborators wired into a Controller. Alerts,
// Logger and Presence are required; a nil optional stage is disabled.
type Dependencies struct {
	Alerts   *alert.Store
	Logger   *sessionlog.Logger
	Source   FrameSource
	Presence PresenceDetector
	Identity IdentityMatcher
	Gaze     GazeDetector
	Object   ObjectClassifier

	Admission FrameAdmission
	Frames    FramePublisher
	Annotator Annotator
	Bus       *EventBus
}

type stageState struct {
	name     Stage
	backend  Collaborator
	enabled  bool
	reason   string
	failures uint64
}

type loopStats struct {
	captured     uint64
	processed    uint64
	skipped      uint64
	readErrors   uint64
	abandoned    uint64
	publishFails uint64
	totalProcMs  float64
}

// Controller runs the per-frame proctoring state machine: admission, then
// presence, identity, gaze and object stages, then commit.
//
// ProcessFrame and Run must be called from a single goroutine. Report may
// be called concurrently. Close waits for the frame in flight and turns
// later ProcessFrame calls into no-ops.
type Controller struct {
	cfg Config

	alerts    *alert.Store
	logger    *sessionlog.Logger
	source    FrameSource
	presence  PresenceDetector
	identity  IdentityMatcher
	gaze      GazeDetector
	object    ObjectClassifier
	admission FrameAdmission
	frames    FramePublisher
	annotator Annotator
	bus       *EventBus
	tracer    trace.Tracer

	stages map[Stage]*stageState

	statsMu sync.RWMutex
	stats   loopStats

	// frameMu serializes frame processing against teardown.
	frameMu sync.Mutex
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// New loads every configured collaborator. A stage whose model fails to
// load is disabled for the session; a presence failure aborts with
// ErrPresenceUnavailable.
func New(ctx context.Context, cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Alerts == nil {
		return nil, fmt.Errorf("pipeline: alert store is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("pipeline: session logger is required")
	}
	if deps.Presence == nil {
		return nil, fmt.Errorf("%w: not configured", ErrPresenceUnavailable)
	}
	if cfg.WriteInterval < 0 {
		cfg.WriteInterval = 0
	}

	c := &Controller{
		cfg:       cfg,
		alerts:    deps.Alerts,
		logger:    deps.Logger,
		source:    deps.Source,
		presence:  deps.Presence,
		identity:  deps.Identity,
		gaze:      deps.Gaze,
		object:    deps.Object,
		admission: deps.Admission,
		frames:    deps.Frames,
		annotator: deps.Annotator,
		bus:       deps.Bus,
		tracer:    otel.Tracer(tracerName),
		stages:    make(map[Stage]*stageState, 4),
	}
	if c.admission == nil {
		c.admission = admitAll{}
	}

	if err := deps.Presence.LoadModel(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPresenceUnavailable, deps.Presence.Name(), err)
	}
	c.stages[StagePresence] = &stageState{name: StagePresence, backend: deps.Presence, enabled: true}

	// Widening a nil stage into Collaborator must stay nil.
	var identity, gaze, object Collaborator
	if deps.Identity != nil {
		identity = deps.Identity
	}
	if deps.Gaze != nil {
		gaze = deps.Gaze
	}
	if deps.Object != nil {
		object = deps.Object
	}
	c.loadStage(ctx, StageIdentity, identity)
	c.loadStage(ctx, StageGaze, gaze)
	c.loadStage(ctx, StageObject, object)

	for _, st := range c.StageStatus() {
		if st.Enabled {
			c.logger.LogInfo(fmt.Sprintf("Stage %s enabled (%s)", st.Stage, st.Detector))
		} else {
			c.logger.LogInfo(fmt.Sprintf("Stage %s disabled: %s", st.Stage, st.Reason))
		}
	}
	log.Printf("[Pipeline] Controller ready (admission: %s, max_fps: %d, headless: %v)",
		c.admission.Name(), cfg.MaxFPS, cfg.Headless)

	return c, nil
}

func (c *Controller) loadStage(ctx context.Context, stage Stage, backend Collaborator) {
	st := &stageState{name: stage, backend: backend}
	c.stages[stage] = st

	if backend == nil {
		st.reason = "not configured"
		return
	}
	if err := backend.LoadModel(ctx); err != nil {
		st.reason = fmt.Sprintf("model load failed: %v", err)
		log.Printf("[Pipeline] Stage %s disabled, %s failed to load: %v", stage, backend.Name(), err)
		return
	}
	st.enabled = true
}

func (c *Controller) enabled(stage Stage) bool {
	st, ok := c.stages[stage]
	return ok && st.enabled
}

// ProcessFrame runs one frame through the state machine and returns the
// frame to display or publish together with its outcome.
//
// The outcome is nil when the frame was abandoned: the controller is
// closed, or ctx ended while a stage was running. An abandoned frame
// logs nothing and leaves the published alerts alone.
func (c *Controller) ProcessFrame(ctx context.Context, frame *FrameData) (*FrameData, *FrameOutcome) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	if c.closed || ctx.Err() != nil {
		return frame, nil
	}

	start := time.Now()
	outcome := &FrameOutcome{Seq: frame.Seq, Timestamp: frame.Timestamp}

	c.statsMu.Lock()
	c.stats.captured++
	admitted := c.admission.ShouldProcess(frame)
	if admitted {
		c.stats.processed++
	} else {
		c.stats.skipped++
	}
	c.statsMu.Unlock()

	if !admitted {
		outcome.Skipped = true
		outcome.Alerts = c.alerts.Snapshot()
		out := c.emit(frame, outcome)
		return out, outcome
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.frame",
		trace.WithAttributes(attribute.Int64("frame.seq", int64(frame.Seq))))
	defer span.End()

	faces, ok := c.runPresence(ctx, frame, outcome)
	if ok && len(faces) == 1 {
		c.runIdentity(ctx, frame, faces[0], outcome)
		c.runGaze(ctx, frame, faces, outcome)
	}
	critical := c.runObject(ctx, frame, outcome)

	if ctx.Err() != nil {
		c.statsMu.Lock()
		c.stats.abandoned++
		c.statsMu.Unlock()
		span.SetStatus(codes.Error, "frame abandoned")
		return frame, nil
	}

	c.commit(critical)
	outcome.Alerts = c.alerts.Snapshot()
	outcome.ProcessingMs = float64(time.Since(start).Microseconds()) / 1000
	span.SetAttributes(attribute.Int("frame.faces", outcome.FaceCount))

	c.statsMu.Lock()
	c.stats.totalProcMs += outcome.ProcessingMs
	c.statsMu.Unlock()

	c.admission.OnProcessed(outcome)
	out := c.emit(frame, outcome)
	return out, outcome
}

func (c *Controller) startStage(ctx context.Context, stage Stage) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "pipeline."+string(stage))
}

func (c *Controller) stageFailed(stage Stage, span trace.Span, err error, outcome *FrameOutcome) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	outcome.fail(stage, err)

	c.statsMu.Lock()
	c.stages[stage].failures++
	c.statsMu.Unlock()
}

func (c *Controller) logEvent(eventType, message string, severity sessionlog.Severity, metadata map[string]any) {
	if err := c.logger.LogAlert(eventType, message, severity, metadata); err != nil {
		log.Printf("[Pipeline] Failed to log %s: %v", eventType, err)
	}
}

// runPresence applies the face-count rules. It reports false when the
// detector failed, in which case face alerts are left as they were.
func (c *Controller) runPresence(ctx context.Context, frame *FrameData, outcome *FrameOutcome) ([]FaceRegion, bool) {
	ctx, span := c.startStage(ctx, StagePresence)
	defer span.End()

	faces, err := c.presence.Detect(ctx, frame)
	if ctx.Err() != nil {
		return nil, false
	}
	if err != nil {
		c.stageFailed(StagePresence, span, err, outcome)
		c.logEvent(EventDetectionError, fmt.Sprintf("Face detection failed: %v", err), sessionlog.SeverityCritical, nil)
		return nil, false
	}

	outcome.Faces = faces
	outcome.FaceCount = len(faces)

	switch n := len(faces); {
	case n == 0:
		c.logEvent(alert.NoFace.String(), "No face detected", sessionlog.SeverityWarning, nil)
		c.alerts.SetAlert(alert.NoFace, true, false)
		c.alerts.SetAlert(alert.MultipleFaces, false, false)
	case n > 1:
		c.logEvent(alert.MultipleFaces.String(), fmt.Sprintf("Multiple faces detected: %d", n),
			sessionlog.SeverityWarning, map[string]any{"num_faces": n})
		c.alerts.SetAlert(alert.MultipleFaces, true, false)
		c.alerts.SetAlert(alert.NoFace, false, false)
	default:
		c.alerts.SetAlert(alert.NoFace, false, false)
		c.alerts.SetAlert(alert.MultipleFaces, false, false)
	}
	return faces, true
}

func (c *Controller) runIdentity(ctx context.Context, frame *FrameData, face FaceRegion, outcome *FrameOutcome) {
	if !c.enabled(StageIdentity) {
		c.alerts.Clear(alert.FaceMismatch)
		return
	}
	ctx, span := c.startStage(ctx, StageIdentity)
	defer span.End()

	res, err := c.identity.MatchWithDetails(ctx, frame, face)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.stageFailed(StageIdentity, span, err, outcome)
		c.logEvent(EventFaceMatchError, fmt.Sprintf("Face matching failed: %v", err), sessionlog.SeverityError, nil)
		return
	}
	outcome.Match = &res

	if res.Matched {
		c.alerts.Clear(alert.FaceMismatch)
		return
	}
	c.logEvent(alert.FaceMismatch.String(), "Face does not match registered student", sessionlog.SeverityWarning,
		map[string]any{
			"matched":    res.Matched,
			"distance":   res.Distance,
			"confidence": res.Confidence,
			"threshold":  res.Threshold,
		})
	c.alerts.SetAlert(alert.FaceMismatch, true, false)
}

func (c *Controller) runGaze(ctx context.Context, frame *FrameData, faces []FaceRegion, outcome *FrameOutcome) {
	if !c.enabled(StageGaze) {
		c.alerts.Clear(alert.EyeRiskMovement)
		return
	}
	ctx, span := c.startStage(ctx, StageGaze)
	defer span.End()

	fail := func(err error) {
		c.stageFailed(StageGaze, span, err, outcome)
		c.logEvent(EventEyeDetectionError, fmt.Sprintf("Eye detection failed: %v", err), sessionlog.SeverityInfo, nil)
	}

	eyes, err := c.gaze.Detect(ctx, frame, faces)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		fail(err)
		return
	}

	var risky *RiskAssessment
	assessments := make([]RiskAssessment, 0, len(eyes))
	for _, eye := range eyes {
		a, err := c.gaze.CalculateRisk(ctx, eye)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			fail(err)
			return
		}
		assessments = append(assessments, a)
		if a.Status == RiskRisk && risky == nil {
			risky = &assessments[len(assessments)-1]
		}
	}
	outcome.Eyes = assessments

	if risky == nil {
		c.alerts.Clear(alert.EyeRiskMovement)
		return
	}
	c.logEvent(alert.EyeRiskMovement.String(), "Suspicious eye movement detected", sessionlog.SeverityWarning,
		map[string]any{
			"status":           string(risky.Status),
			"score":            risky.Score,
			"horizontal_ratio": risky.HorizontalRatio,
			"vertical_ratio":   risky.VerticalRatio,
		})
	c.alerts.SetAlert(alert.EyeRiskMovement, true, false)
}

// runObject reports whether it raised the phone alert, which must be
// published without waiting for the debounce interval.
func (c *Controller) runObject(ctx context.Context, frame *FrameData, outcome *FrameOutcome) bool {
	if !c.enabled(StageObject) {
		c.alerts.Clear(alert.PhoneDetected)
		return false
	}
	ctx, span := c.startStage(ctx, StageObject)
	defer span.End()

	res, err := c.object.Classify(ctx, frame)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.stageFailed(StageObject, span, err, outcome)
		c.logEvent(EventPhoneDetectionError, fmt.Sprintf("Phone detection failed: %v", err), sessionlog.SeverityInfo, nil)
		return false
	}
	outcome.Object = &res

	if !res.Detected {
		c.alerts.Clear(alert.PhoneDetected)
		return false
	}
	c.logEvent(alert.PhoneDetected.String(), "Phone detected", sessionlog.SeverityCritical,
		map[string]any{
			"confidence": res.Confidence,
			"class_name": res.ClassName,
		})
	return c.alerts.SetAlert(alert.PhoneDetected, true, true)
}

func (c *Controller) commit(critical bool) {
	if critical {
		if err := c.alerts.ForceFlush(); err != nil {
			log.Printf("[Pipeline] Critical alert publish failed: %v", err)
		}
	} else {
		c.alerts.FlushIfDue(c.cfg.WriteInterval)
	}
	c.logger.LogFrameProcessed()
}

// emit annotates, hands the frame to the frame channel and publishes the
// outcome.
func (c *Controller) emit(frame *FrameData, outcome *FrameOutcome) *FrameData {
	out := frame
	if c.annotator != nil {
		out = c.annotator.Annotate(frame, outcome)
	}

	if c.frames != nil && out.Valid() {
		if err := c.frames.WriteFrame(out.Pixels, out.Width, out.Height, out.Channels); err != nil {
			c.statsMu.Lock()
			c.stats.publishFails++
			fails := c.stats.publishFails
			c.statsMu.Unlock()
			if fails == 1 || fails%100 == 0 {
				log.Printf("[Pipeline] Frame channel publish failed (%d so far): %v", fails, err)
			}
		}
	}

	if c.bus != nil {
		c.bus.Publish(outcome)
	}
	return out
}

// Run reads frames from the source until ctx is cancelled or the camera
// closes. Transient read errors skip the frame. The caller still owns
// teardown through Close.
func (c *Controller) Run(ctx context.Context) error {
	if c.source == nil {
		return fmt.Errorf("pipeline: no frame source configured")
	}

	var frameTime time.Duration
	if c.cfg.MaxFPS > 0 {
		frameTime = time.Second / time.Duration(c.cfg.MaxFPS)
	}

	log.Printf("[Pipeline] Processing loop started")
	for {
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		loopStart := time.Now()

		frame, err := c.source.Read(ctx)
		if err != nil {
			if errors.Is(err, ErrCameraClosed) {
				log.Printf("[Pipeline] Camera closed, stopping loop: %v", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			c.statsMu.Lock()
			c.stats.readErrors++
			n := c.stats.readErrors
			c.statsMu.Unlock()
			if n == 1 || n%100 == 0 {
				log.Printf("[Pipeline] Frame read failed (%d so far): %v", n, err)
			}
			if !sleepCtx(ctx, readRetryDelay) {
				return nil
			}
			continue
		}

		c.ProcessFrame(ctx, frame)

		if c.cfg.Headless && !sleepCtx(ctx, time.Millisecond) {
			return nil
		}
		if frameTime > 0 {
			if remaining := frameTime - time.Since(loopStart); remaining > 0 && !sleepCtx(ctx, remaining) {
				return nil
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close tears the session down: clear and publish alerts, close the
// session log, remove the frame channel, release collaborators, release
// the camera. Every step runs even if an earlier one fails. Safe to call
// more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.frameMu.Lock()
		c.closed = true
		c.frameMu.Unlock()
		c.closeErr = c.teardown()
	})
	return c.closeErr
}

func (c *Controller) isClosed() bool {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	return c.closed
}

func (c *Controller) teardown() error {
	c.logReport()

	var errs []error
	c.alerts.ClearAll()
	if err := c.alerts.ForceFlush(); err != nil {
		errs = append(errs, fmt.Errorf("publish cleared alerts: %w", err))
	}

	if err := c.logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close session log: %w", err))
	}

	if c.frames != nil {
		if err := c.frames.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup frame channel: %w", err))
		}
	}

	for _, stage := range []Stage{StagePresence, StageIdentity, StageGaze, StageObject} {
		st := c.stages[stage]
		if st == nil || st.backend == nil {
			continue
		}
		if err := st.backend.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", st.backend.Name(), err))
		}
	}

	if c.source != nil {
		if err := c.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close camera: %w", err))
		}
	}

	if len(errs) > 0 {
		log.Printf("[Pipeline] Teardown finished with %d error(s)", len(errs))
	} else {
		log.Printf("[Pipeline] Teardown complete")
	}
	return errors.Join(errs...)
}

func (c *Controller) logReport() {
	r := c.Report()
	log.Printf("[Pipeline] Session %s: captured=%d processed=%d skipped=%d abandoned=%d camera_dropped=%d ratio=%.2f alerts=%d",
		r.Session.SessionID, r.FramesCaptured, r.FramesProcessed, r.FramesSkipped,
		r.FramesAbandoned, r.CameraDropped, r.ProcessingRatio, r.Session.TotalAlerts)
}

// StageStatus lists every stage in pipeline order.
func (c *Controller) StageStatus() []StageStatus {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()

	out := make([]StageStatus, 0, len(c.stages))
	for _, stage := range []Stage{StagePresence, StageIdentity, StageGaze, StageObject} {
		st := c.stages[stage]
		if st == nil {
			continue
		}
		s := StageStatus{
			Stage:    st.name,
			Enabled:  st.enabled,
			Reason:   st.reason,
			Failures: st.failures,
		}
		if st.backend != nil {
			s.Detector = st.backend.Name()
		}
		out = append(out, s)
	}
	return out
}

// Report summarizes the session so far.
func (c *Controller) Report() Report {
	c.statsMu.RLock()
	stats := c.stats
	c.statsMu.RUnlock()

	r := Report{
		FramesCaptured:  stats.captured,
		FramesProcessed: stats.processed,
		FramesSkipped:   stats.skipped,
		ReadErrors:      stats.readErrors,
		FramesAbandoned: stats.abandoned,
		Admission:       c.admission.Name(),
		MaxFPS:          c.cfg.MaxFPS,
		Stages:          c.StageStatus(),
		Alerts:          c.alerts.Snapshot().Named(),
		Session:         c.logger.Summary(),
	}
	if d, ok := c.source.(dropCounter); ok {
		r.CameraDropped = d.Dropped()
	}
	if stats.captured > 0 {
		r.ProcessingRatio = float64(stats.processed) / float64(stats.captured)
	}
	if stats.processed > 0 {
		r.AvgProcessingMs = stats.totalProcMs / float64(stats.processed)
	}
	return r
}

// dropCounter is implemented by sources that overwrite unread frames.
type dropCounter interface {
	Dropped() uint64
}

// admitAll processes every frame.
type admitAll struct{}

func (admitAll) Name() string                  { return "all" }
func (admitAll) ShouldProcess(*FrameData) bool { return true }
func (admitAll) OnProcessed(*FrameOutcome)     {}
func (admitAll) Reset()                        {}
