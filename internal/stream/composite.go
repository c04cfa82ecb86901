package stream

import (
	"errors"

	"proctor/internal/pipeline"
)

// Tee forwards every frame to several publishers, such as the frame channel
// and the MJPEG preview.
type Tee struct {
	publishers []pipeline.FramePublisher
}

var _ pipeline.FramePublisher = (*Tee)(nil)

// NewTee skips nil publishers.
func NewTee(publishers ...pipeline.FramePublisher) *Tee {
	t := &Tee{}
	for _, p := range publishers {
		if p != nil {
			t.publishers = append(t.publishers, p)
		}
	}
	return t
}

// WriteFrame writes to every publisher and joins their errors.
func (t *Tee) WriteFrame(pixels []byte, width, height, channels int) error {
	var errs []error
	for _, p := range t.publishers {
		if err := p.WriteFrame(pixels, width, height, channels); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup releases every publisher.
func (t *Tee) Cleanup() error {
	var errs []error
	for _, p := range t.publishers {
		if err := p.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
