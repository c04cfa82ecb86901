package pipeline

import (
	"image"
	"image/color"
	"time"
)

// FrameData is a captured video frame as interleaved pixels. Three-channel
// frames are BGR, four-channel frames BGRA, one-channel frames grayscale.
type FrameData struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Pixels    []byte
}

// Valid reports whether the pixel buffer matches the dimensions.
func (f *FrameData) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && f.Channels > 0 &&
		len(f.Pixels) == f.Width*f.Height*f.Channels
}

// Crop returns a copy of the region inside b, clamped to the frame.
func (f *FrameData) Crop(b BBox) *FrameData {
	r := b.Rect().Intersect(image.Rect(0, 0, f.Width, f.Height))
	out := &FrameData{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     r.Dx(),
		Height:    r.Dy(),
		Channels:  f.Channels,
	}
	if r.Empty() {
		return out
	}
	rowLen := r.Dx() * f.Channels
	out.Pixels = make([]byte, 0, rowLen*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		start := (y*f.Width + r.Min.X) * f.Channels
		out.Pixels = append(out.Pixels, f.Pixels[start:start+rowLen]...)
	}
	return out
}

// ToRGBA converts the frame into an image for encoding or drawing.
func (f *FrameData) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		src := i * f.Channels
		dst := i * 4
		if src+f.Channels > len(f.Pixels) {
			break
		}
		switch f.Channels {
		case 1:
			v := f.Pixels[src]
			img.Pix[dst], img.Pix[dst+1], img.Pix[dst+2] = v, v, v
		default:
			img.Pix[dst] = f.Pixels[src+2]
			img.Pix[dst+1] = f.Pixels[src+1]
			img.Pix[dst+2] = f.Pixels[src]
		}
		img.Pix[dst+3] = 0xff
	}
	return img
}

// FrameFromImage converts img into a three-channel BGR frame.
func FrameFromImage(img image.Image, seq uint64, ts time.Time) *FrameData {
	b := img.Bounds()
	f := &FrameData{
		Seq:       seq,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Channels:  3,
		Pixels:    make([]byte, b.Dx()*b.Dy()*3),
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			f.Pixels[i] = c.B
			f.Pixels[i+1] = c.G
			f.Pixels[i+2] = c.R
			i += 3
		}
	}
	return f
}

// SetRGBA writes img back into a BGR or BGRA frame of the same size.
func (f *FrameData) SetRGBA(img *image.RGBA) {
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		src := i * 4
		dst := i * f.Channels
		if dst+f.Channels > len(f.Pixels) || src+4 > len(img.Pix) {
			return
		}
		switch f.Channels {
		case 1:
			r, g, b := uint32(img.Pix[src]), uint32(img.Pix[src+1]), uint32(img.Pix[src+2])
			f.Pixels[dst] = byte((299*r + 587*g + 114*b) / 1000)
		default:
			f.Pixels[dst] = img.Pix[src+2]
			f.Pixels[dst+1] = img.Pix[src+1]
			f.Pixels[dst+2] = img.Pix[src]
		}
	}
}
