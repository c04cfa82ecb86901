// Package annotate draws the preview overlay onto frames before they are
// published to the frame channel.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"proctor/internal/alert"
	"proctor/internal/pipeline"
)

var _ pipeline.Annotator = (*Overlay)(nil)

var (
	colorOK      = color.RGBA{0, 255, 0, 255}
	colorUnknown = color.RGBA{255, 165, 0, 255}
	colorAlert   = color.RGBA{255, 0, 0, 255}
	colorInfo    = color.RGBA{255, 255, 255, 255}
	colorSkipped = color.RGBA{160, 160, 160, 255}
)

// Overlay draws face boxes, the active alerts and frame status
type Overlay struct {
	// Thickness of box edges in pixels
	Thickness int
}

func New() *Overlay {
	return &Overlay{Thickness: 2}
}

// Annotate draws onto frame in place and returns it
func (o *Overlay) Annotate(frame *pipeline.FrameData, outcome *pipeline.FrameOutcome) *pipeline.FrameData {
	if !frame.Valid() || outcome == nil {
		return frame
	}
	img := frame.ToRGBA()

	if outcome.Skipped {
		o.drawLabel(img, 5, 5, fmt.Sprintf("Frame %d (skipped)", outcome.Seq), colorSkipped)
		frame.SetRGBA(img)
		return frame
	}

	for _, face := range outcome.Faces {
		boxColor := colorUnknown
		label := fmt.Sprintf("face %.0f%%", face.Confidence*100)
		switch {
		case outcome.FaceCount > 1:
			boxColor = colorAlert
		case outcome.Match != nil && outcome.Match.Matched:
			boxColor = colorOK
			label = fmt.Sprintf("verified %.2f", outcome.Match.Distance)
		case outcome.Match != nil:
			boxColor = colorAlert
			label = fmt.Sprintf("mismatch %.2f", outcome.Match.Distance)
		}
		b := face.BBox
		o.drawBox(img, b.X, b.Y, b.W, b.H, boxColor)
		o.drawLabel(img, b.X, b.Y-15, label, boxColor)
	}

	y := 5
	o.drawLabel(img, 5, y, fmt.Sprintf("Frame %d  faces %d  %.0fms", outcome.Seq, outcome.FaceCount, outcome.ProcessingMs), colorInfo)
	for _, kind := range alert.Kinds() {
		if !outcome.Alerts[kind] {
			continue
		}
		y += 16
		o.drawLabel(img, 5, y, kind.DisplayName(), colorAlert)
	}
	if outcome.Object != nil && outcome.Object.Detected {
		y += 16
		o.drawLabel(img, 5, y, fmt.Sprintf("%s %.0f%%", outcome.Object.ClassName, outcome.Object.Confidence*100), colorAlert)
	}

	frame.SetRGBA(img)
	return frame
}

// drawBox draws a rectangle outline clipped to the image
func (o *Overlay) drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA) {
	bounds := img.Bounds()
	thickness := o.Thickness
	if thickness <= 0 {
		thickness = 1
	}
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

// drawLabel draws text on a dark background; y is the top of the label
func (o *Overlay) drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	bounds := img.Bounds()
	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 14; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			if p := image.Pt(x+dx, y+dy); p.In(bounds) {
				img.SetRGBA(p.X, p.Y, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
