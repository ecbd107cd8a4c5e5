package calibration

import (
	"bytes"
	"fmt"
	"image"

	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
)

// fromEXIF attempts the tier 1 extraction: focal length from embedded photo
// metadata. It returns an error (causing fallthrough to the next tier) when
// no focal length can be derived — a partially populated record is never
// returned.
func fromEXIF(photo []byte) (CameraCalibration, error) {
	x, err := exif.Decode(bytes.NewReader(photo))
	if err != nil {
		return CameraCalibration{}, fmt.Errorf("no exif metadata: %w", err)
	}

	width, height, err := imageDimensions(x, photo)
	if err != nil {
		return CameraCalibration{}, err
	}

	focal35, err := focalLength35(x, width)
	if err != nil {
		return CameraCalibration{}, err
	}

	fovH, fovV := FOVFromFocal35(focal35)
	return CameraCalibration{
		FocalLength35mm:  ptrFloat64(focal35),
		FOVHorizontalDeg: ptrFloat64(fovH),
		FOVVerticalDeg:   ptrFloat64(fovV),
		SensorWidthMM:    ptrFloat64(FullFrameWidthMM),
		SensorHeightMM:   ptrFloat64(FullFrameHeightMM),
		ImageWidthPx:     width,
		ImageHeightPx:    height,
		Method:           MethodExif,
	}, nil
}

// focalLength35 returns the 35mm-equivalent focal length: the dedicated EXIF
// tag when present, otherwise the raw focal length scaled by a crop factor
// derived from the focal-plane resolution tags.
func focalLength35(x *exif.Exif, imageWidthPx uint32) (float64, error) {
	if tag, err := x.Get(exif.FocalLengthIn35mmFilm); err == nil {
		if v, err := tag.Int(0); err == nil && v > 0 {
			return float64(v), nil
		}
	}

	tag, err := x.Get(exif.FocalLength)
	if err != nil {
		return 0, fmt.Errorf("exif metadata lacks focal length: %w", err)
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 || num <= 0 {
		return 0, fmt.Errorf("unreadable focal length tag: %v", err)
	}
	focalMM := float64(num) / float64(den)

	sensorWidthMM, err := sensorWidthFromFocalPlane(x, imageWidthPx)
	if err != nil {
		return 0, fmt.Errorf("raw focal length %0.2fmm present but crop factor underivable: %w", focalMM, err)
	}
	crop := FullFrameWidthMM / sensorWidthMM
	return focalMM * crop, nil
}

// sensorWidthFromFocalPlane derives the physical sensor width from the
// FocalPlaneXResolution tag (pixels per resolution unit on the focal plane).
func sensorWidthFromFocalPlane(x *exif.Exif, imageWidthPx uint32) (float64, error) {
	resTag, err := x.Get(exif.FocalPlaneXResolution)
	if err != nil {
		return 0, fmt.Errorf("no focal plane resolution: %w", err)
	}
	num, den, err := resTag.Rat2(0)
	if err != nil || num == 0 || den == 0 {
		return 0, fmt.Errorf("unreadable focal plane resolution: %v", err)
	}
	pixelsPerUnit := float64(num) / float64(den)

	// Resolution unit: 2 = inches (the common case), 3 = centimeters.
	unitMM := 25.4
	if unitTag, err := x.Get(exif.FocalPlaneResolutionUnit); err == nil {
		if unit, err := unitTag.Int(0); err == nil && unit == 3 {
			unitMM = 10.0
		}
	}

	widthMM := float64(imageWidthPx) / pixelsPerUnit * unitMM
	if widthMM <= 0 || widthMM > FullFrameWidthMM*2 {
		return 0, fmt.Errorf("implausible sensor width %0.2fmm", widthMM)
	}
	return widthMM, nil
}

// imageDimensions prefers the EXIF pixel dimension tags and falls back to
// decoding the image header.
func imageDimensions(x *exif.Exif, photo []byte) (uint32, uint32, error) {
	var width, height uint32
	if tag, err := x.Get(exif.PixelXDimension); err == nil {
		if v, err := tag.Int(0); err == nil && v > 0 {
			width = uint32(v)
		}
	}
	if tag, err := x.Get(exif.PixelYDimension); err == nil {
		if v, err := tag.Int(0); err == nil && v > 0 {
			height = uint32(v)
		}
	}
	if width > 0 && height > 0 {
		return width, height, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(photo))
	if err != nil {
		return 0, 0, fmt.Errorf("cannot determine image dimensions: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("image header reports empty dimensions")
	}
	return uint32(cfg.Width), uint32(cfg.Height), nil
}
