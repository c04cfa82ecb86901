package camera

import (
	"fmt"
	"strings"

	"proctor/internal/pipeline"
)

// Config describes where frames come from
type Config struct {
	// Device is a V4L2 device path, an RTSP/HTTP stream URL, or an HTTP
	// JPEG snapshot URL
	Device string
	Width  int
	Height int
	FPS    int
	// FFmpegPath overrides the ffmpeg binary
	FFmpegPath string
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	return c
}

// Open picks a frame source for the configured device
func Open(config Config) (pipeline.FrameSource, error) {
	config = config.withDefaults()
	if config.Device == "" {
		return nil, fmt.Errorf("camera device is required")
	}
	if isSnapshotEndpoint(config.Device) {
		return NewSnapshotSource(config), nil
	}
	src, err := StartFFmpeg(config)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

func isSnapshotEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "snapshot"))
}
