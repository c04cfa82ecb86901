package stream

import (
	"bytes"
	"errors"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func waitViewers(t *testing.T, p *Preview, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("viewer count = %d, want %d", p.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func grayFrame(w, h int, v byte) []byte {
	return bytes.Repeat([]byte{v}, w*h*3)
}

func TestPreview_StreamsJPEGParts(t *testing.T) {
	p := NewPreview(PreviewConfig{FPS: 100, Quality: 80})
	defer p.Cleanup()

	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content type = %q (%v)", resp.Header.Get("Content-Type"), err)
	}
	waitViewers(t, p, 1)

	if err := p.WriteFrame(grayFrame(32, 24, 128), 32, 24, 3); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("part content type = %q", ct)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatalf("read part: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Errorf("frame size = %v", b)
	}
	if p.Current() == nil {
		t.Error("Current should hold the last encoded frame")
	}
}

func TestPreview_NoViewersSkipsEncoding(t *testing.T) {
	p := NewPreview(PreviewConfig{})
	defer p.Cleanup()

	if err := p.WriteFrame(grayFrame(4, 4, 1), 4, 4, 3); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if p.Current() != nil {
		t.Error("frames should not be encoded without viewers")
	}
}

func TestPreview_RejectsMismatchedFrame(t *testing.T) {
	p := NewPreview(PreviewConfig{})
	defer p.Cleanup()

	if err := p.WriteFrame(make([]byte, 10), 4, 4, 3); err == nil {
		t.Error("expected error for short payload")
	}
}

func TestPreview_CleanupDisconnectsViewers(t *testing.T) {
	p := NewPreview(PreviewConfig{})
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	waitViewers(t, p, 1)

	if err := p.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Cleanup")
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after cleanup = %d, want 503", rec.Code)
	}
	if err := p.Cleanup(); err != nil {
		t.Errorf("second Cleanup: %v", err)
	}
}

type recordingPublisher struct {
	frames  int
	cleaned bool
	err     error
}

func (r *recordingPublisher) WriteFrame([]byte, int, int, int) error {
	r.frames++
	return r.err
}

func (r *recordingPublisher) Cleanup() error {
	r.cleaned = true
	return nil
}

func TestTee(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("full")}
	tee := NewTee(a, nil, b)

	if err := tee.WriteFrame(nil, 0, 0, 0); err == nil {
		t.Error("expected joined error from failing publisher")
	}
	if a.frames != 1 || b.frames != 1 {
		t.Errorf("frames = %d/%d, want 1/1", a.frames, b.frames)
	}
	if err := tee.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !a.cleaned || !b.cleaned {
		t.Error("every publisher should be cleaned up")
	}
}
