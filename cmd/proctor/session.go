package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"proctor/internal/alert"
	"proctor/internal/annotate"
	"proctor/internal/camera"
	"proctor/internal/config"
	"proctor/internal/database"
	"proctor/internal/detection"
	"proctor/internal/framechan"
	"proctor/internal/pipeline"
	"proctor/internal/pipeline/strategies"
	"proctor/internal/sessionlog"
	"proctor/internal/stream"
	"proctor/internal/telegram"
	"proctor/internal/telemetry"
	"proctor/internal/ws"
)

// session is everything one proctoring run owns
type session struct {
	controller *pipeline.Controller
	store      *alert.Store
	logger     *sessionlog.Logger
	hub        *ws.AlertHub
	bus        *pipeline.EventBus
	db         *database.Database
	preview    *stream.Preview
	notifier   *telegram.Notifier

	traceFile      *os.File
	shutdownTracer func(context.Context) error
}

// stages holds the constructed collaborators before the controller owns them
type stages struct {
	client   *detection.GRPCClient
	presence pipeline.PresenceDetector
	identity pipeline.IdentityMatcher
	gaze     pipeline.GazeDetector
	object   pipeline.ObjectClassifier
}

func (s *stages) cleanup() {
	for _, c := range []pipeline.Collaborator{s.presence, s.identity, s.gaze, s.object} {
		if c != nil {
			c.Cleanup()
		}
	}
	if s.client != nil {
		s.client.Close()
	}
}

func buildStages(cfg *config.Config) (*stages, error) {
	st := &stages{}
	sc := cfg.Stages

	usesGRPC := false
	for _, s := range []config.StageConfig{sc.Presence, sc.Identity, sc.Gaze, sc.Object} {
		if s.Enabled && s.Backend == "grpc" {
			usesGRPC = true
		}
	}
	if usesGRPC {
		client, err := detection.NewGRPCClient(detection.GRPCClientConfig{
			Endpoint:    cfg.Detector.Endpoint,
			Timeout:     cfg.Detector.Timeout,
			JPEGQuality: cfg.Detector.JPEGQuality,
		})
		if err != nil {
			return nil, err
		}
		st.client = client
	}

	if sc.Presence.Enabled {
		st.presence = detection.NewGRPCPresence(st.client, sc.Presence.Threshold)
	}
	if sc.Identity.Enabled {
		switch sc.Identity.Backend {
		case "http":
			st.identity = detection.NewHTTPMatcher(detection.HTTPMatcherConfig{
				Endpoint:  sc.Identity.Endpoint,
				StudentID: cfg.Session.StudentID,
				Threshold: sc.Identity.Threshold,
				Timeout:   cfg.Detector.Timeout,
			})
		default:
			st.identity = detection.NewGRPCIdentity(st.client, sc.Identity.Threshold)
		}
	}
	if sc.Gaze.Enabled {
		st.gaze = detection.NewGRPCGaze(st.client)
	}
	if sc.Object.Enabled {
		st.object = detection.NewGRPCObject(st.client, sc.Object.Threshold)
	}
	return st, nil
}

// buildSession wires the run. On error everything created so far is released.
func buildSession(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{}
	var (
		st     *stages
		source pipeline.FrameSource
		frames *framechan.Buffer
		err    error
		ready  bool
	)
	defer func() {
		if ready {
			return
		}
		if frames != nil {
			frames.Cleanup()
		}
		if s.preview != nil {
			s.preview.Cleanup()
		}
		if source != nil {
			source.Close()
		}
		if st != nil {
			st.cleanup()
		}
		if s.logger != nil {
			s.logger.Close()
		}
		if s.store != nil {
			s.store.ClearAll()
			s.store.ForceFlush()
		}
		s.close(context.Background())
	}()

	if err := os.MkdirAll(cfg.Session.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if cfg.Telemetry.Enabled {
		f, err := os.Create(filepath.Join(cfg.Session.LogDir, "traces.json"))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		s.traceFile = f
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.Service, f)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		s.shutdownTracer = shutdown
	}

	if cfg.Database.Path != "" {
		db, err := database.New(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := db.Migrate(); err != nil {
			return nil, err
		}
	}

	s.store, err = alert.NewStore(cfg.Alerts.StateFile, cfg.Alerts.Cooldown)
	if err != nil {
		return nil, err
	}

	if cfg.Status.Enabled && cfg.Status.Preview.Enabled {
		s.preview = stream.NewPreview(stream.PreviewConfig{
			FPS:     cfg.Status.Preview.FPS,
			Quality: cfg.Status.Preview.Quality,
		})
	}

	if tg := cfg.Notify.Telegram; tg.Enabled {
		bot, err := telegram.NewBot(telegram.BotConfig{
			BotToken: tg.BotToken,
			ChatID:   tg.ChatID,
			APIURL:   tg.APIURL,
		})
		if err != nil {
			return nil, err
		}
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if info, err := bot.GetMe(checkCtx); err != nil {
			log.Printf("[proctor] Telegram bot check failed, notifications may not arrive: %v", err)
		} else {
			log.Printf("[proctor] Telegram notifications via @%s", info.Username)
		}
		cancel()

		ncfg := telegram.NotifierConfig{
			StudentID:   cfg.Session.StudentID,
			MinSeverity: sessionlog.Severity(tg.MinSeverity),
			Cooldown:    tg.Cooldown,
			NotifyClose: tg.NotifyClose,
		}
		if s.preview != nil {
			ncfg.Snapshot = s.preview.Current
		}
		s.notifier = telegram.NewNotifier(bot, ncfg)
	}

	logCfg := sessionlog.Config{
		Dir:           cfg.Session.LogDir,
		StreakTimeout: cfg.Session.StreakTimeout,
	}
	var dbSink, notifySink sessionlog.Sink
	if s.db != nil {
		dbSink = s.db
	}
	if s.notifier != nil {
		notifySink = s.notifier
	}
	logCfg.Sink = sessionlog.MultiSink(dbSink, notifySink)
	s.logger, err = sessionlog.New(logCfg)
	if err != nil {
		return nil, err
	}
	if s.db != nil {
		sum := s.logger.Summary()
		if err := s.db.StartSession(&database.SessionRecord{
			ID:          sum.SessionID,
			StudentID:   cfg.Session.StudentID,
			StartTime:   sum.StartTime,
			SummaryPath: s.logger.AlertsPath(),
		}); err != nil {
			log.Printf("[proctor] Session store unavailable: %v", err)
		}
	}

	st, err = buildStages(cfg)
	if err != nil {
		return nil, err
	}

	source, err = camera.Open(camera.Config{
		Device:     cfg.Camera.Device,
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FPS:        cfg.Camera.FPS,
		FFmpegPath: cfg.Camera.FFmpeg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}

	admission, err := strategies.Create(strategies.Settings{
		Mode:       strategies.Mode(cfg.Pipeline.Admission),
		SkipFrames: cfg.Pipeline.SkipFrames,
		Interval:   cfg.Pipeline.Interval,
	})
	if err != nil {
		return nil, err
	}

	s.bus = pipeline.NewEventBus()
	s.hub = ws.NewAlertHub()
	s.bus.Subscribe(s.hub)
	s.store.OnPublish(s.hub.BroadcastAlerts)

	deps := pipeline.Dependencies{
		Alerts:    s.store,
		Logger:    s.logger,
		Source:    source,
		Admission: admission,
		Bus:       s.bus,
	}
	if st.presence != nil {
		deps.Presence = st.presence
	}
	if st.identity != nil {
		deps.Identity = st.identity
	}
	if st.gaze != nil {
		deps.Gaze = st.gaze
	}
	if st.object != nil {
		deps.Object = st.object
	}
	var publishers []pipeline.FramePublisher
	if cfg.FrameChan.Enabled {
		frames, err = framechan.Create(cfg.FrameChan.Path, cfg.FrameChan.Capacity)
		if err != nil {
			return nil, err
		}
		log.Printf("[proctor] Frame channel %s ready (%s payload)",
			frames.Path(), humanize.IBytes(uint64(frames.Capacity())))
		publishers = append(publishers, frames)
	}
	if s.preview != nil {
		publishers = append(publishers, s.preview)
	}
	switch len(publishers) {
	case 0:
	case 1:
		deps.Frames = publishers[0]
	default:
		deps.Frames = stream.NewTee(publishers...)
	}
	if cfg.Pipeline.Overlay && deps.Frames != nil {
		deps.Annotator = annotate.New()
	}

	s.controller, err = pipeline.New(ctx, pipeline.Config{
		MaxFPS:        cfg.Pipeline.MaxFPS,
		Headless:      cfg.Pipeline.Headless,
		WriteInterval: cfg.Alerts.WriteInterval,
	}, deps)
	if err != nil {
		if errors.Is(err, pipeline.ErrPresenceUnavailable) {
			log.Printf("[proctor] Cannot start session: %v", err)
		}
		return nil, err
	}

	// The controller owns the stages, source and frame channel now
	if st.client != nil {
		log.Printf("[proctor] Detector service at %s", st.client.Endpoint())
	}
	ready = true
	return s, nil
}

// close releases what the controller does not own. Call after controller.Close.
func (s *session) close(ctx context.Context) {
	if s.notifier != nil {
		s.notifier.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("[proctor] Failed to close session store: %v", err)
		}
	}
	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			log.Printf("[proctor] Failed to flush traces: %v", err)
		}
	}
	if s.traceFile != nil {
		s.traceFile.Close()
	}
}
