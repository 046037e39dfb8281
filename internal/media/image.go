package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	MaxImageSide = 1024
	JPEGQuality  = 85
	ImageType    = "image/jpeg"

	// MaxImagePixels caps the decoded size of an upload.
	MaxImagePixels = 40_000_000
)

var ErrInvalidImage = errors.New("media: unsupported or corrupt image")

// Normalize decodes a JPEG, PNG, GIF or WebP upload, flattens it onto white,
// shrinks it so the long side is at most MaxImageSide, and re-encodes it as JPEG.
// Images declaring more than MaxImagePixels are rejected before decoding.
func Normalize(raw []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxImagePixels/cfg.Height {
		return nil, errors.Wrapf(ErrInvalidImage, "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, MaxImagePixels)
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrInvalidImage
	}

	w, h := fitWithin(b.Dx(), b.Dy(), MaxImageSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return out.Bytes(), nil
}

func fitWithin(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		nh := h * max / w
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := w * max / h
	if nw < 1 {
		nw = 1
	}
	return nw, max
}

// DataURL encodes data as a base64 data: URL.
func DataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
