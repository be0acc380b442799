// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package codec decodes, resizes and re-encodes images for the image
// processing worker.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"io"
	"math"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/olivere/filequeue"
)

// ErrUnsupportedFormat is returned for output formats the codec cannot
// write.
var ErrUnsupportedFormat = errors.New("codec: unsupported format")

// DefaultQuality is used when no quality is requested.
const DefaultQuality = 80

// Info describes an encoded image without decoding all of its pixels.
type Info struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Format     string `json:"format"`
	ColorSpace string `json:"colorSpace"`
	HasAlpha   bool   `json:"hasAlpha"`
}

// Metadata returns the info as a metadata map.
func (i Info) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"width":      i.Width,
		"height":     i.Height,
		"format":     i.Format,
		"colorSpace": i.ColorSpace,
		"hasAlpha":   i.HasAlpha,
	}
}

// DecodeConfig reads the dimensions and color model of an image.
func DecodeConfig(r io.Reader) (Info, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return Info{}, fmt.Errorf("codec: decode config: %w", err)
	}
	return Info{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Format:     format,
		ColorSpace: colorSpace(cfg.ColorModel),
		HasAlpha:   modelHasAlpha(cfg.ColorModel),
	}, nil
}

// Decode decodes an image, applying its EXIF orientation.
func Decode(r io.Reader) (image.Image, Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Info{}, fmt.Errorf("codec: read: %w", err)
	}
	info, err := DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, Info{}, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, Info{}, fmt.Errorf("codec: decode: %w", err)
	}
	b := img.Bounds()
	info.Width, info.Height = b.Dx(), b.Dy()
	if o, ok := img.(interface{ Opaque() bool }); ok {
		info.HasAlpha = info.HasAlpha && !o.Opaque()
	}
	return img, info, nil
}

// Resize scales img into a width x height box using the given fit mode.
// An empty fit mode means cover.
func Resize(img image.Image, width, height int, fit string) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("codec: invalid box %dx%d", width, height)
	}
	b := img.Bounds()
	sw, sh := float64(b.Dx()), float64(b.Dy())
	if sw == 0 || sh == 0 {
		return nil, errors.New("codec: empty image")
	}
	sx, sy := float64(width)/sw, float64(height)/sh

	switch fit {
	case "", filequeue.FitCover:
		return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos), nil
	case filequeue.FitFill:
		return imaging.Resize(img, width, height, imaging.Lanczos), nil
	case filequeue.FitContain:
		scale := math.Min(sx, sy)
		scaled := imaging.Resize(img, scaledDim(sw, scale), scaledDim(sh, scale), imaging.Lanczos)
		canvas := imaging.New(width, height, color.NRGBA{})
		return imaging.PasteCenter(canvas, scaled), nil
	case filequeue.FitInside:
		return imaging.Fit(img, width, height, imaging.Lanczos), nil
	case filequeue.FitOutside:
		scale := math.Max(sx, sy)
		return imaging.Resize(img, scaledDim(sw, scale), scaledDim(sh, scale), imaging.Lanczos), nil
	default:
		return nil, fmt.Errorf("codec: unknown fit mode %q", fit)
	}
}

func scaledDim(v, scale float64) int {
	n := int(math.Round(v * scale))
	if n < 1 {
		n = 1
	}
	return n
}

// Encode writes img in the given format. Quality applies to webp and
// jpeg; zero means DefaultQuality.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var err error
	switch format {
	case filequeue.FormatWebP:
		err = webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	case filequeue.FormatJPEG, "jpg":
		err = imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case filequeue.FormatPNG:
		err = imaging.Encode(w, img, imaging.PNG)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return fmt.Errorf("codec: encode %s: %w", format, err)
	}
	return nil
}

func colorSpace(m color.Model) string {
	switch m {
	case color.GrayModel, color.Gray16Model:
		return "gray"
	case color.CMYKModel:
		return "cmyk"
	case color.YCbCrModel, color.NYCbCrAModel:
		return "ycbcr"
	case nil:
		return "unknown"
	}
	if _, ok := m.(color.Palette); ok {
		return "palette"
	}
	return "srgb"
}

func modelHasAlpha(m color.Model) bool {
	switch m {
	case color.GrayModel, color.Gray16Model, color.CMYKModel, color.YCbCrModel:
		return false
	}
	return true
}
