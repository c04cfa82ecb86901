// Package framechan hands the latest video frame to another process through
// a memory-mapped file. The channel holds a single slot: each write replaces
// the previous frame, and readers copy whatever is currently mapped.
//
// Layout: six little-endian uint32 values (width, height, channels,
// timestamp seconds, timestamp microseconds, payload length) followed by a
// payload area of fixed capacity. There is no lock and no version field, so
// a reader racing a writer can observe a torn frame.
package framechan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// HeaderSize is the length of the fixed header in bytes.
const HeaderSize = 24

// DefaultCapacity fits one 1080p BGR frame.
const DefaultCapacity = 1920 * 1080 * 3

var (
	ErrFrameTooLarge = errors.New("frame exceeds channel capacity")
	ErrInvalidFrame  = errors.New("frame dimensions do not match payload")
	ErrReadOnly      = errors.New("frame channel opened read-only")
	ErrClosed        = errors.New("frame channel is closed")
)

// Info is the decoded header.
type Info struct {
	Width         int
	Height        int
	Channels      int
	Timestamp     time.Time
	PayloadLength int
}

// Frame is a copied frame.
type Frame struct {
	Info
	Pixels []byte
}

// Buffer is one end of a frame channel.
type Buffer struct {
	path     string
	capacity int
	file     *os.File
	data     []byte
	writable bool
	now      func() time.Time
}

// Create creates (or truncates) the backing file, maps it read-write and
// zeroes the header. The creator owns the file and should call Cleanup.
func Create(path string, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create frame channel directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame channel: %w", err)
	}
	size := HeaderSize + capacity
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size frame channel: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map frame channel: %w", err)
	}

	b := &Buffer{
		path:     path,
		capacity: capacity,
		file:     f,
		data:     data,
		writable: true,
		now:      time.Now,
	}
	clear(b.data[:HeaderSize])

	log.Printf("[FrameChannel] Created %s (capacity %d bytes)", path, capacity)
	return b, nil
}

// Open maps an existing channel read-only. A capacity of zero is derived
// from the file size.
func Open(path string, capacity int) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame channel: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat frame channel: %w", err)
	}

	if capacity <= 0 {
		capacity = int(st.Size()) - HeaderSize
	}
	size := HeaderSize + capacity
	if capacity <= 0 || st.Size() < int64(size) {
		f.Close()
		return nil, fmt.Errorf("frame channel %s is %d bytes, want at least %d", path, st.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map frame channel: %w", err)
	}

	return &Buffer{
		path:     path,
		capacity: capacity,
		file:     f,
		data:     data,
		now:      time.Now,
	}, nil
}

// Path returns the backing file path.
func (b *Buffer) Path() string {
	return b.path
}

// Capacity returns the payload capacity in bytes.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// WriteFrame replaces the slot contents. The header is written before the
// payload. Oversized or inconsistent frames are rejected without writing.
func (b *Buffer) WriteFrame(pixels []byte, width, height, channels int) error {
	if b.data == nil {
		return ErrClosed
	}
	if !b.writable {
		return ErrReadOnly
	}
	n := len(pixels)
	if n > b.capacity {
		log.Printf("[FrameChannel] Frame too large: %d bytes > %d", n, b.capacity)
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, b.capacity)
	}
	if width <= 0 || height <= 0 || channels <= 0 || width*height*channels != n {
		return fmt.Errorf("%w: %dx%dx%d vs %d bytes", ErrInvalidFrame, width, height, channels, n)
	}

	ts := b.now()
	putHeader(b.data[:HeaderSize], width, height, channels, ts, n)
	copy(b.data[HeaderSize:HeaderSize+n], pixels)

	if err := unix.Msync(b.data[:HeaderSize+n], unix.MS_ASYNC); err != nil {
		log.Printf("[FrameChannel] msync failed: %v", err)
	}
	return nil
}

func putHeader(h []byte, width, height, channels int, ts time.Time, n int) {
	binary.LittleEndian.PutUint32(h[0:], uint32(width))
	binary.LittleEndian.PutUint32(h[4:], uint32(height))
	binary.LittleEndian.PutUint32(h[8:], uint32(channels))
	binary.LittleEndian.PutUint32(h[12:], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(h[16:], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(h[20:], uint32(n))
}

func parseHeader(h []byte) Info {
	sec := binary.LittleEndian.Uint32(h[12:])
	usec := binary.LittleEndian.Uint32(h[16:])
	return Info{
		Width:         int(binary.LittleEndian.Uint32(h[0:])),
		Height:        int(binary.LittleEndian.Uint32(h[4:])),
		Channels:      int(binary.LittleEndian.Uint32(h[8:])),
		Timestamp:     time.Unix(int64(sec), int64(usec)*1000),
		PayloadLength: int(binary.LittleEndian.Uint32(h[20:])),
	}
}

// ReadFrameInfo decodes the header. It reports false when no frame has
// been written or the header is out of range.
func (b *Buffer) ReadFrameInfo() (Info, bool) {
	if b.data == nil {
		return Info{}, false
	}
	info := parseHeader(b.data[:HeaderSize])
	if info.Width == 0 || info.Height == 0 || info.PayloadLength == 0 {
		return Info{}, false
	}
	if info.PayloadLength > b.capacity {
		return Info{}, false
	}
	return info, true
}

// ReadFrame copies the current frame out of the mapping.
func (b *Buffer) ReadFrame() (*Frame, bool) {
	info, ok := b.ReadFrameInfo()
	if !ok {
		return nil, false
	}
	pixels := make([]byte, info.PayloadLength)
	copy(pixels, b.data[HeaderSize:HeaderSize+info.PayloadLength])
	return &Frame{Info: info, Pixels: pixels}, true
}

// Close unmaps the channel and closes the file.
func (b *Buffer) Close() error {
	if b.data == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(b.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	b.data = nil
	if err := b.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}

// Cleanup closes the channel and, for the creator, removes the backing file.
func (b *Buffer) Cleanup() error {
	err := b.Close()
	if b.writable {
		if rmErr := os.Remove(b.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = errors.Join(err, fmt.Errorf("remove frame channel: %w", rmErr))
		}
		b.writable = false
	}
	return err
}
