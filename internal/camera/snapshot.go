package camera

import (
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"proctor/internal/pipeline"
)

var _ pipeline.FrameSource = (*SnapshotSource)(nil)

// SnapshotSource polls an HTTP endpoint that returns a single JPEG image
type SnapshotSource struct {
	url      string
	client   *http.Client
	interval time.Duration
	last     time.Time
	seq      atomic.Uint64
	closed   atomic.Bool
}

// NewSnapshotSource creates a polling source paced at the configured FPS
func NewSnapshotSource(config Config) *SnapshotSource {
	config = config.withDefaults()
	interval := time.Second / time.Duration(config.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	log.Printf("[Camera] Polling snapshots from %s every %v", config.Device, interval)
	return &SnapshotSource{
		url:      config.Device,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
	}
}

// Read fetches and decodes the next snapshot. Fetch failures are transient.
func (s *SnapshotSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	if s.closed.Load() {
		return nil, pipeline.ErrCameraClosed
	}

	if wait := s.interval - time.Since(s.last); !s.last.IsZero() && wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.last = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching frame from %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}

	img, err := jpeg.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return pipeline.FrameFromImage(img, s.seq.Add(1), s.last), nil
}

func (s *SnapshotSource) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.client.CloseIdleConnections()
	}
	return nil
}
