// Package frame handles captured still frames: header inspection and
// downscaling before upload to the remote services.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// jpegQuality for re-encoded uploads. The segmentation service works on
// masks, not fine texture, so this is generous.
const jpegQuality = 90

// Dimensions decodes just the image header and returns its pixel size.
func Dimensions(img []byte) (uint32, uint32, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return 0, 0, fmt.Errorf("unreadable image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("image header reports %dx%d", cfg.Width, cfg.Height)
	}
	return uint32(cfg.Width), uint32(cfg.Height), nil
}

// Downscale re-encodes the frame so its longest edge is at most maxEdgePx,
// preserving aspect ratio. Frames already within the bound are returned
// unchanged, so tap coordinates taken against the original remain valid
// whenever no resize happened. The returned dimensions are those of the
// returned image either way.
func Downscale(img []byte, maxEdgePx int) ([]byte, uint32, uint32, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("unreadable image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if maxEdgePx <= 0 || longest <= maxEdgePx {
		return img, uint32(w), uint32(h), nil
	}

	ratio := float64(maxEdgePx) / float64(longest)
	dw := int(float64(w) * ratio)
	dh := int(float64(h) * ratio)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to re-encode frame: %w", err)
	}
	return buf.Bytes(), uint32(dw), uint32(dh), nil
}

// ScaleTap maps a tap taken against an image of (fromW, fromH) onto an image
// of (toW, toH). Used when the uploaded frame was downscaled after the taps
// were collected.
func ScaleTap(x, y, fromW, toW uint32) (uint32, uint32) {
	if fromW == 0 || fromW == toW {
		return x, y
	}
	ratio := float64(toW) / float64(fromW)
	return uint32(float64(x) * ratio), uint32(float64(y) * ratio)
}
