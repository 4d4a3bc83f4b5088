// Package framesource renders the synthetic frames that feed the stream.
package framesource

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
)

var ErrUnavailable = errors.New("framesource: no frame available")

// MaxDimension bounds either side of a frame.
const MaxDimension = 8192

var bars = []color.RGBA{
	{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0x00, A: 0xff},
	{R: 0x00, G: 0x00, B: 0xc0, A: 0xff},
}

var (
	black = color.RGBA{A: 0xff}
	white = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// TestPattern draws colour bars with a box orbiting the centre and a binary
// frame counter along the bottom edge. Each call to Produce advances the
// animation by one frame and reuses the same buffer.
type TestPattern struct {
	img   *image.RGBA
	frame uint64
}

func NewTestPattern(width, height int) (*TestPattern, error) {
	if err := validateSize(width, height); err != nil {
		return nil, err
	}
	return &TestPattern{img: image.NewRGBA(image.Rect(0, 0, width, height))}, nil
}

func validateSize(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("framesource: invalid frame size %dx%d", width, height)
	}
	return nil
}

// Frames reports how many frames have been produced.
func (p *TestPattern) Frames() uint64 { return p.frame }

// Produce renders the next frame as width*height*4 RGBA bytes.
func (p *TestPattern) Produce(width, height int) ([]byte, error) {
	if err := validateSize(width, height); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if b := p.img.Bounds(); b.Dx() != width || b.Dy() != height {
		p.img = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	p.render()
	p.frame++
	return p.img.Pix, nil
}

func (p *TestPattern) render() {
	img := p.img
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	stripe := max(h/8, 1)
	barsBottom := h - stripe

	for i, c := range bars {
		x0 := i * w / len(bars)
		x1 := (i + 1) * w / len(bars)
		draw.Draw(img, image.Rect(x0, 0, x1, barsBottom), image.NewUniform(c), image.Point{}, draw.Src)
	}
	draw.Draw(img, image.Rect(0, barsBottom, w, h), image.NewUniform(black), image.Point{}, draw.Src)

	// Orbiting box, one revolution every 120 frames.
	angle := 2 * math.Pi * float64(p.frame%120) / 120
	size := max(min(w, barsBottom)/6, 1)
	radius := float64(min(w, barsBottom)-size) / 3
	cx := w/2 + int(radius*math.Cos(angle)) - size/2
	cy := barsBottom/2 + int(radius*math.Sin(angle)) - size/2
	draw.Draw(img, image.Rect(cx, cy, cx+size, cy+size).Intersect(img.Bounds()), image.NewUniform(white), image.Point{}, draw.Src)

	// 32-bit frame counter, most significant bit first.
	cell := max(w/32, 1)
	for bit := 0; bit < 32; bit++ {
		if p.frame&(1<<(31-bit)) == 0 {
			continue
		}
		x0 := bit * cell
		if x0 >= w {
			break
		}
		draw.Draw(img, image.Rect(x0, barsBottom, min(x0+cell, w), h), image.NewUniform(white), image.Point{}, draw.Src)
	}
}
