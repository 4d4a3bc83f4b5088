// Package vp8 encodes RGBA frames with libvpx through pion/mediadevices.
//
// It needs cgo and the libvpx development package (pkg-config vpx).
package vp8

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
)

type Config struct {
	FPS         float64
	BitrateKbps int
}

// Encoder implements pipeline.Encoder. It is not safe for concurrent use.
//
// libvpx pulls frames from a reader; Encode stages the caller's frame as the
// reader's next image and pulls exactly one encoded frame.
type Encoder struct {
	params vpx.VP8Params
	fps    float64

	enc    codec.ReadCloser
	width  int
	height int
	img    *image.RGBA
}

func New(cfg Config) (*Encoder, error) {
	if !(cfg.FPS > 0) || math.IsInf(cfg.FPS, 0) || float64(time.Second)/cfg.FPS >= math.MaxInt64 {
		return nil, fmt.Errorf("vp8: invalid fps %v", cfg.FPS)
	}
	if cfg.BitrateKbps <= 0 {
		return nil, fmt.Errorf("vp8: invalid bitrate %d kbps", cfg.BitrateKbps)
	}
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8: params: %w", err)
	}
	params.BitRate = cfg.BitrateKbps * 1000
	// One keyframe per second lets a late viewer start quickly.
	params.KeyFrameInterval = int(math.Ceil(cfg.FPS))
	params.RateControlEndUsage = vpx.RateControlCBR
	params.Deadline = time.Duration(float64(time.Second) / cfg.FPS)
	return &Encoder{params: params, fps: cfg.FPS}, nil
}

func (e *Encoder) build(width, height int) error {
	if e.enc != nil {
		_ = e.enc.Close()
		e.enc = nil
	}
	e.img = &image.RGBA{
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	src := video.ReaderFunc(func() (image.Image, func(), error) {
		return e.img, func() {}, nil
	})
	enc, err := e.params.BuildVideoEncoder(video.ToI420(src), prop.Media{
		Video: prop.Video{
			Width:       width,
			Height:      height,
			FrameRate:   float32(e.fps),
			FrameFormat: frame.FormatI420,
		},
	})
	if err != nil {
		return fmt.Errorf("vp8: build encoder %dx%d: %w", width, height, err)
	}
	e.enc, e.width, e.height = enc, width, height
	return nil
}

func (e *Encoder) Encode(rgba []byte, width, height int) ([]byte, error) {
	if n := width * height * 4; width <= 0 || height <= 0 || len(rgba) < n {
		return nil, fmt.Errorf("vp8: frame is %d bytes for %dx%d", len(rgba), width, height)
	}
	if e.enc == nil || width != e.width || height != e.height {
		if err := e.build(width, height); err != nil {
			return nil, err
		}
	}
	e.img.Pix = rgba[:width*height*4]
	defer func() { e.img.Pix = nil }()

	b, release, err := e.enc.Read()
	if err != nil {
		return nil, fmt.Errorf("vp8: encode: %w", err)
	}
	defer release()
	return bytes.Clone(b), nil
}

// ForceKeyFrame makes the next encoded frame a keyframe.
func (e *Encoder) ForceKeyFrame() error {
	if e.enc == nil {
		return nil
	}
	kf, ok := e.enc.Controller().(codec.KeyFrameController)
	if !ok {
		return errors.New("vp8: encoder cannot force keyframes")
	}
	return kf.ForceKeyFrame()
}

func (e *Encoder) Close() error {
	if e.enc == nil {
		return nil
	}
	err := e.enc.Close()
	e.enc = nil
	return err
}
