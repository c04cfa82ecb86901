package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"proctor/internal/pipeline"
)

var _ pipeline.FrameSource = (*StreamSource)(nil)

// StreamSource reads fixed-size BGR frames from a raw video stream. A
// capture goroutine keeps only the newest frame so a slow consumer never
// falls behind the camera.
type StreamSource struct {
	width, height int

	frames chan *pipeline.FrameData
	done   chan struct{}
	errMu  sync.Mutex
	err    error

	seq     atomic.Uint64
	dropped atomic.Uint64

	closer    func() error
	closeOnce sync.Once
	closeErr  error
}

// StartFFmpeg launches ffmpeg decoding the device to rawvideo bgr24 on stdout
func StartFFmpeg(config Config) (*StreamSource, error) {
	config = config.withDefaults()
	cmd := exec.Command(config.FFmpegPath, ffmpegArgs(config)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Keep the last stderr line for diagnostics
	go func() {
		scanner := bufio.NewScanner(stderr)
		var last string
		for scanner.Scan() {
			last = scanner.Text()
		}
		if last != "" {
			log.Printf("[Camera] ffmpeg: %s", last)
		}
	}()

	log.Printf("[Camera] Started ffmpeg capture (device: %s, %dx%d @ %d fps)",
		config.Device, config.Width, config.Height, config.FPS)

	return NewStreamSource(stdout, config.Width, config.Height, func() error {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Killed on purpose
			return nil
		}
		return err
	}), nil
}

func ffmpegArgs(c Config) []string {
	var input []string
	switch {
	case strings.HasPrefix(c.Device, "rtsp://"):
		input = []string{"-rtsp_transport", "tcp", "-i", c.Device}
	case isNetworkSource(c.Device):
		input = []string{"-i", c.Device}
	default:
		// V4L2 device (USB camera)
		input = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
			"-framerate", fmt.Sprintf("%d", c.FPS),
			"-i", c.Device,
		}
	}
	output := []string{
		"-loglevel", "error",
		"-vf", fmt.Sprintf("scale=%d:%d", c.Width, c.Height),
		"-r", fmt.Sprintf("%d", c.FPS),
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-",
	}
	return append(input, output...)
}

// NewStreamSource reads width*height*3 byte frames from r. closer, if set,
// is called once by Close.
func NewStreamSource(r io.Reader, width, height int, closer func() error) *StreamSource {
	s := &StreamSource{
		width:  width,
		height: height,
		frames: make(chan *pipeline.FrameData, 1),
		done:   make(chan struct{}),
		closer: closer,
	}
	go s.capture(r)
	return s
}

func (s *StreamSource) capture(r io.Reader) {
	defer close(s.done)

	size := s.width * s.height * 3
	br := bufio.NewReaderSize(r, size)
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = pipeline.ErrCameraClosed
			} else {
				err = fmt.Errorf("%w: %v", pipeline.ErrCameraClosed, err)
			}
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			return
		}

		frame := &pipeline.FrameData{
			Seq:       s.seq.Add(1),
			Timestamp: time.Now(),
			Width:     s.width,
			Height:    s.height,
			Channels:  3,
			Pixels:    buf,
		}

		// Replace a frame nobody picked up yet
		select {
		case s.frames <- frame:
		default:
			select {
			case <-s.frames:
				s.dropped.Add(1)
			default:
			}
			s.frames <- frame
		}
	}
}

// Read returns the newest captured frame, waiting for one if needed
func (s *StreamSource) Read(ctx context.Context) (*pipeline.FrameData, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	default:
	}

	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		// Drain a frame that raced with the end of the stream
		select {
		case frame := <-s.frames:
			return frame, nil
		default:
		}
		s.errMu.Lock()
		defer s.errMu.Unlock()
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns how many frames were replaced before being read
func (s *StreamSource) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *StreamSource) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
		log.Printf("[Camera] Capture stopped after %d frames (%d dropped)", s.seq.Load(), s.dropped.Load())
	})
	return s.closeErr
}
