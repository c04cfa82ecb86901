// Package config loads the proctor configuration from an optional YAML file,
// PROCTOR_ environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a double
// underscore: PROCTOR_ALERTS__COOLDOWN=2s sets alerts.cooldown.
const EnvPrefix = "PROCTOR_"

// Config is the complete, immutable run configuration
type Config struct {
	Camera    CameraConfig    `koanf:"camera"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Detector  DetectorConfig  `koanf:"detector"`
	Stages    StagesConfig    `koanf:"stages"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Session   SessionConfig   `koanf:"session"`
	FrameChan FrameChanConfig `koanf:"framechan"`
	Database  DatabaseConfig  `koanf:"database"`
	Status    StatusConfig    `koanf:"status"`
	Notify    NotifyConfig    `koanf:"notify"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type CameraConfig struct {
	Device string `koanf:"device"`
	Width  int    `koanf:"width"`
	Height int    `koanf:"height"`
	FPS    int    `koanf:"fps"`
	FFmpeg string `koanf:"ffmpeg"`
}

type PipelineConfig struct {
	// Admission is skip, continuous, interval or disabled
	Admission  string        `koanf:"admission"`
	SkipFrames int           `koanf:"skip_frames"`
	Interval   time.Duration `koanf:"interval"`
	MaxFPS     int           `koanf:"max_fps"`
	Headless   bool          `koanf:"headless"`
	Overlay    bool          `koanf:"overlay"`
}

// DetectorConfig is the shared gRPC detector service connection
type DetectorConfig struct {
	Endpoint    string        `koanf:"endpoint"`
	Timeout     time.Duration `koanf:"timeout"`
	JPEGQuality int           `koanf:"jpeg_quality"`
}

type StagesConfig struct {
	Presence StageConfig `koanf:"presence"`
	Identity StageConfig `koanf:"identity"`
	Gaze     StageConfig `koanf:"gaze"`
	Object   StageConfig `koanf:"object"`
}

type namedStage struct {
	name string
	cfg  StageConfig
}

// ordered lists the stages in pipeline order.
func (s StagesConfig) ordered() []namedStage {
	return []namedStage{
		{"presence", s.Presence},
		{"identity", s.Identity},
		{"gaze", s.Gaze},
		{"object", s.Object},
	}
}

// StageConfig selects a stage backend
type StageConfig struct {
	Enabled bool `koanf:"enabled"`
	// Backend is grpc, or http for the identity stage
	Backend string `koanf:"backend"`
	// Endpoint overrides the detector endpoint for http backends
	Endpoint  string  `koanf:"endpoint"`
	Threshold float64 `koanf:"threshold"`
}

type AlertsConfig struct {
	StateFile     string        `koanf:"state_file"`
	Cooldown      time.Duration `koanf:"cooldown"`
	WriteInterval time.Duration `koanf:"write_interval"`
}

type SessionConfig struct {
	LogDir        string        `koanf:"log_dir"`
	StreakTimeout time.Duration `koanf:"streak_timeout"`
	StudentID     string        `koanf:"student_id"`
}

type FrameChanConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Path     string `koanf:"path"`
	Capacity int    `koanf:"capacity"`
}

type DatabaseConfig struct {
	// Path of the SQLite session store; empty disables it
	Path string `koanf:"path"`
}

type StatusConfig struct {
	Enabled bool          `koanf:"enabled"`
	Addr    string        `koanf:"addr"`
	Auth    AuthConfig    `koanf:"auth"`
	Preview PreviewConfig `koanf:"preview"`
}

// PreviewConfig is the MJPEG preview served at /stream
type PreviewConfig struct {
	Enabled bool `koanf:"enabled"`
	FPS     int  `koanf:"fps"`
	Quality int  `koanf:"quality"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `koanf:"telegram"`
}

type TelegramConfig struct {
	Enabled     bool          `koanf:"enabled"`
	BotToken    string        `koanf:"bot_token"`
	ChatID      string        `koanf:"chat_id"`
	APIURL      string        `koanf:"api_url"`
	MinSeverity string        `koanf:"min_severity"`
	Cooldown    time.Duration `koanf:"cooldown"`
	NotifyClose bool          `koanf:"notify_close"`
}

type AuthConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	JWTSecret   string        `koanf:"jwt_secret"`
	TokenExpiry time.Duration `koanf:"token_expiry"`
}

type TelemetryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Service string `koanf:"service"`
}

var defaults = map[string]any{
	"camera.device":                "/dev/video0",
	"camera.width":                 640,
	"camera.height":                480,
	"camera.fps":                   15,
	"camera.ffmpeg":                "ffmpeg",
	"pipeline.admission":           "skip",
	"pipeline.skip_frames":         2,
	"pipeline.interval":            "500ms",
	"pipeline.max_fps":             30,
	"pipeline.headless":            false,
	"pipeline.overlay":             true,
	"detector.endpoint":            "localhost:50051",
	"detector.timeout":             "5s",
	"detector.jpeg_quality":        85,
	"stages.presence.enabled":      true,
	"stages.presence.backend":      "grpc",
	"stages.presence.threshold":    0.5,
	"stages.identity.enabled":      true,
	"stages.identity.backend":      "grpc",
	"stages.identity.threshold":    0.6,
	"stages.gaze.enabled":          true,
	"stages.gaze.backend":          "grpc",
	"stages.object.enabled":        true,
	"stages.object.backend":        "grpc",
	"stages.object.threshold":      0.5,
	"alerts.state_file":            "/tmp/proctor/alert_state.json",
	"alerts.cooldown":              "1s",
	"alerts.write_interval":        "100ms",
	"session.log_dir":              "logs",
	"session.streak_timeout":       "5s",
	"framechan.enabled":            true,
	"framechan.path":               "/tmp/proctor/frame.mmap",
	"framechan.capacity":           1920 * 1080 * 3,
	"status.enabled":               false,
	"status.addr":                  "127.0.0.1:8090",
	"status.auth.username":         "proctor",
	"status.auth.token_expiry":     "8h",
	"status.preview.enabled":       true,
	"status.preview.fps":           5,
	"status.preview.quality":       75,
	"notify.telegram.enabled":      false,
	"notify.telegram.min_severity": "critical",
	"notify.telegram.cooldown":     "30s",
	"notify.telegram.notify_close": true,
	"telemetry.enabled":            false,
	"telemetry.service":            "proctor",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (optional; a missing file is not an error), applies
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	// Environment variables override the file
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Secrets may reference other environment variables as ${NAME}
	cfg.Status.Auth.Password = substituteEnvVars(cfg.Status.Auth.Password)
	cfg.Status.Auth.JWTSecret = substituteEnvVars(cfg.Status.Auth.JWTSecret)
	cfg.Notify.Telegram.BotToken = substituteEnvVars(cfg.Notify.Telegram.BotToken)
	cfg.Notify.Telegram.ChatID = substituteEnvVars(cfg.Notify.Telegram.ChatID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Camera.Device != "", "camera.device is required")
	check(c.Camera.Width > 0 && c.Camera.Height > 0, "camera size must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	check(c.Camera.FPS > 0, "camera.fps must be positive, got %d", c.Camera.FPS)

	switch c.Pipeline.Admission {
	case "skip", "continuous", "interval", "disabled":
	default:
		errs = append(errs, fmt.Errorf("pipeline.admission %q is not one of skip, continuous, interval, disabled", c.Pipeline.Admission))
	}
	check(c.Pipeline.SkipFrames >= 0, "pipeline.skip_frames must not be negative, got %d", c.Pipeline.SkipFrames)
	check(c.Pipeline.MaxFPS >= 0, "pipeline.max_fps must not be negative, got %d", c.Pipeline.MaxFPS)
	check(c.Pipeline.Admission != "interval" || c.Pipeline.Interval > 0, "pipeline.interval must be positive in interval mode")

	check(c.Stages.Presence.Enabled, "stages.presence cannot be disabled")
	for _, st := range c.Stages.ordered() {
		name, s := st.name, st.cfg
		if !s.Enabled {
			continue
		}
		switch {
		case s.Backend == "grpc":
			check(c.Detector.Endpoint != "", "detector.endpoint is required by stages.%s", name)
		case s.Backend == "http" && name == "identity":
			check(s.Endpoint != "", "stages.identity.endpoint is required for the http backend")
		default:
			errs = append(errs, fmt.Errorf("stages.%s.backend %q is not supported", name, s.Backend))
		}
		check(s.Threshold >= 0, "stages.%s.threshold must not be negative", name)
	}

	check(c.Alerts.StateFile != "", "alerts.state_file is required")
	check(c.Alerts.Cooldown >= 0, "alerts.cooldown must not be negative, got %v", c.Alerts.Cooldown)
	check(c.Alerts.WriteInterval >= 0, "alerts.write_interval must not be negative, got %v", c.Alerts.WriteInterval)

	check(c.Session.LogDir != "", "session.log_dir is required")
	check(c.Session.StreakTimeout > 0, "session.streak_timeout must be positive, got %v", c.Session.StreakTimeout)

	if c.FrameChan.Enabled {
		check(c.FrameChan.Path != "", "framechan.path is required when enabled")
		check(c.FrameChan.Capacity > 0, "framechan.capacity must be positive, got %d", c.FrameChan.Capacity)
		check(c.Camera.Width*c.Camera.Height*3 <= c.FrameChan.Capacity,
			"framechan.capacity %d is smaller than a %dx%d frame", c.FrameChan.Capacity, c.Camera.Width, c.Camera.Height)
	}

	if c.Status.Enabled {
		check(c.Status.Addr != "", "status.addr is required when enabled")
		check(!c.Status.Auth.Enabled || c.Status.Auth.Password != "", "status.auth.password is required when auth is enabled")
		if c.Status.Preview.Enabled {
			check(c.Status.Preview.FPS > 0, "status.preview.fps must be positive, got %d", c.Status.Preview.FPS)
			check(c.Status.Preview.Quality > 0 && c.Status.Preview.Quality <= 100,
				"status.preview.quality must be within 1..100, got %d", c.Status.Preview.Quality)
		}
	}

	if t := c.Notify.Telegram; t.Enabled {
		check(t.BotToken != "", "notify.telegram.bot_token is required when enabled")
		check(t.ChatID != "", "notify.telegram.chat_id is required when enabled")
		switch t.MinSeverity {
		case "info", "warning", "error", "critical":
		default:
			errs = append(errs, fmt.Errorf("notify.telegram.min_severity %q is not one of info, warning, error, critical", t.MinSeverity))
		}
		check(t.Cooldown >= 0, "notify.telegram.cooldown must not be negative, got %v", t.Cooldown)
	}

	return errors.Join(errs...)
}
