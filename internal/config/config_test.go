package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proctor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Alerts.Cooldown != time.Second {
		t.Errorf("cooldown = %v, want 1s", cfg.Alerts.Cooldown)
	}
	if cfg.Alerts.WriteInterval != 100*time.Millisecond {
		t.Errorf("write interval = %v", cfg.Alerts.WriteInterval)
	}
	if cfg.Session.StreakTimeout != 5*time.Second {
		t.Errorf("streak timeout = %v", cfg.Session.StreakTimeout)
	}
	if cfg.Pipeline.SkipFrames != 2 || cfg.Pipeline.MaxFPS != 30 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.FrameChan.Capacity != 1920*1080*3 {
		t.Errorf("capacity = %d", cfg.FrameChan.Capacity)
	}
	if !cfg.Stages.Presence.Enabled || cfg.Stages.Identity.Threshold != 0.6 {
		t.Errorf("stages = %+v", cfg.Stages)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
camera:
  device: rtsp://exam-cam/stream
pipeline:
  skip_frames: 0
  headless: true
alerts:
  cooldown: 3s
stages:
  identity:
    backend: http
    endpoint: http://faces:8000
`)
	t.Setenv("PROCTOR_ALERTS__COOLDOWN", "250ms")
	t.Setenv("PROCTOR_SESSION__STUDENT_ID", "s-17")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Camera.Device != "rtsp://exam-cam/stream" {
		t.Errorf("device = %q", cfg.Camera.Device)
	}
	if cfg.Pipeline.SkipFrames != 0 || !cfg.Pipeline.Headless {
		t.Errorf("file values not applied: %+v", cfg.Pipeline)
	}
	if cfg.Alerts.Cooldown != 250*time.Millisecond {
		t.Errorf("env should override file, cooldown = %v", cfg.Alerts.Cooldown)
	}
	if cfg.Session.StudentID != "s-17" {
		t.Errorf("student id = %q", cfg.Session.StudentID)
	}
	if cfg.Stages.Identity.Backend != "http" || cfg.Stages.Identity.Threshold != 0.6 {
		t.Errorf("identity = %+v", cfg.Stages.Identity)
	}
}

func TestLoadSubstitutesSecrets(t *testing.T) {
	path := writeConfig(t, `
status:
  enabled: true
  auth:
    enabled: true
    password: ${EXAM_PASSWORD}
`)
	t.Setenv("EXAM_PASSWORD", "hunter2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Status.Auth.Password != "hunter2" {
		t.Errorf("password = %q", cfg.Status.Auth.Password)
	}
}

func TestLoadTelegram(t *testing.T) {
	path := writeConfig(t, `
notify:
  telegram:
    enabled: true
    bot_token: ${BOT_TOKEN}
    chat_id: "-1001"
`)
	t.Setenv("BOT_TOKEN", "123:abc")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tg := cfg.Notify.Telegram
	if tg.BotToken != "123:abc" || tg.ChatID != "-1001" {
		t.Errorf("telegram = %+v", tg)
	}
	if tg.MinSeverity != "critical" || tg.Cooldown != 30*time.Second || !tg.NotifyClose {
		t.Errorf("telegram defaults = %+v", tg)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"negative skip", func(c *Config) { c.Pipeline.SkipFrames = -1 }, "skip_frames"},
		{"negative cooldown", func(c *Config) { c.Alerts.Cooldown = -time.Second }, "cooldown"},
		{"zero capacity", func(c *Config) { c.FrameChan.Capacity = 0 }, "capacity"},
		{"capacity below frame", func(c *Config) { c.FrameChan.Capacity = 10 }, "smaller than"},
		{"missing state file", func(c *Config) { c.Alerts.StateFile = "" }, "state_file"},
		{"presence disabled", func(c *Config) { c.Stages.Presence.Enabled = false }, "presence"},
		{"unknown admission", func(c *Config) { c.Pipeline.Admission = "motion" }, "admission"},
		{"http gaze", func(c *Config) { c.Stages.Gaze.Backend = "http" }, "stages.gaze.backend"},
		{"auth without password", func(c *Config) {
			c.Status.Enabled = true
			c.Status.Auth.Enabled = true
		}, "password"},
		{"preview quality", func(c *Config) {
			c.Status.Enabled = true
			c.Status.Preview.Quality = 101
		}, "status.preview.quality"},
		{"telegram without token", func(c *Config) {
			c.Notify.Telegram.Enabled = true
			c.Notify.Telegram.ChatID = "1"
		}, "bot_token"},
		{"telegram severity", func(c *Config) {
			c.Notify.Telegram = TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1", MinSeverity: "loud"}
		}, "min_severity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidateStageErrorsInPipelineOrder(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := *base
	for _, s := range []*StageConfig{&c.Stages.Presence, &c.Stages.Identity, &c.Stages.Gaze, &c.Stages.Object} {
		s.Enabled = true
		s.Backend = "bogus"
	}

	first := c.Validate()
	if first == nil {
		t.Fatal("expected errors for unsupported backends")
	}
	msg := first.Error()
	last := -1
	for _, name := range []string{"presence", "identity", "gaze", "object"} {
		i := strings.Index(msg, "stages."+name+".backend")
		if i < last {
			t.Fatalf("stage errors out of pipeline order:\n%s", msg)
		}
		last = i
	}
	for i := 0; i < 20; i++ {
		if got := c.Validate().Error(); got != msg {
			t.Fatalf("Validate output changed between runs:\n%s\nvs\n%s", msg, got)
		}
	}
}
