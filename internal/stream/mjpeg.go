// Package stream serves the annotated session preview as an MJPEG stream.
package stream

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"log"
	"net/http"
	"sync"
	"time"

	"proctor/internal/pipeline"
)

// DefaultFPS is the preview rate when none is configured.
const DefaultFPS = 5

// PreviewConfig configures a Preview.
type PreviewConfig struct {
	// FPS caps how often frames are encoded for viewers
	FPS     int
	Quality int
}

type rawFrame struct {
	pixels   []byte
	width    int
	height   int
	channels int
}

// Preview is a pipeline.FramePublisher that re-encodes published frames as
// JPEG and pushes them to every connected MJPEG viewer. Frames are dropped,
// never queued, when viewers or the encoder fall behind.
type Preview struct {
	interval time.Duration
	quality  int
	now      func() time.Time

	mu        sync.Mutex
	lastFrame time.Time
	current   []byte
	stopped   bool

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frames chan rawFrame
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ pipeline.FramePublisher = (*Preview)(nil)

// NewPreview starts the encoder goroutine.
func NewPreview(cfg PreviewConfig) *Preview {
	fps := cfg.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = 75
	}

	p := &Preview{
		interval: time.Second / time.Duration(fps),
		quality:  quality,
		now:      time.Now,
		clients:  make(map[chan []byte]struct{}),
		frames:   make(chan rawFrame, 1),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.encodeLoop()
	return p
}

// WriteFrame hands a frame to the encoder. It never blocks the caller.
func (p *Preview) WriteFrame(pixels []byte, width, height, channels int) error {
	if width <= 0 || height <= 0 || len(pixels) != width*height*channels {
		return fmt.Errorf("preview frame %dx%dx%d does not match %d bytes", width, height, channels, len(pixels))
	}
	if p.ClientCount() == 0 {
		return nil
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	now := p.now()
	if now.Sub(p.lastFrame) < p.interval {
		p.mu.Unlock()
		return nil
	}
	p.lastFrame = now
	p.mu.Unlock()

	// The caller reuses its buffer after we return
	buf := make([]byte, len(pixels))
	copy(buf, pixels)
	frame := rawFrame{pixels: buf, width: width, height: height, channels: channels}

	select {
	case p.frames <- frame:
	default:
		// Encoder busy, drop
	}
	return nil
}

func (p *Preview) encodeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case f := <-p.frames:
			fd := &pipeline.FrameData{
				Width:    f.width,
				Height:   f.height,
				Channels: f.channels,
				Pixels:   f.pixels,
			}
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, fd.ToRGBA(), &jpeg.Options{Quality: p.quality}); err != nil {
				log.Printf("[Preview] Failed to encode frame: %v", err)
				continue
			}
			p.broadcast(buf.Bytes())
		}
	}
}

func (p *Preview) broadcast(jpegData []byte) {
	p.mu.Lock()
	p.current = jpegData
	p.mu.Unlock()

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for ch := range p.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip frame
		}
	}
}

// Current returns the last encoded frame, or nil.
func (p *Preview) Current() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// ClientCount returns the number of connected viewers.
func (p *Preview) ClientCount() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the client
// goes away or the preview stops.
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan []byte, 2)
	p.clientsMu.Lock()
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		p.clientsMu.Unlock()
		http.Error(w, "Preview stopped", http.StatusServiceUnavailable)
		return
	}
	p.clients[clientCh] = struct{}{}
	p.clientsMu.Unlock()

	defer func() {
		p.clientsMu.Lock()
		delete(p.clients, clientCh)
		p.clientsMu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Printf("[Preview] Viewer connected from %s", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			log.Printf("[Preview] Viewer %s disconnected", r.RemoteAddr)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// Cleanup stops the encoder and disconnects every viewer.
func (p *Preview) Cleanup() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	p.clientsMu.Lock()
	for ch := range p.clients {
		close(ch)
		delete(p.clients, ch)
	}
	p.clientsMu.Unlock()
	return nil
}
