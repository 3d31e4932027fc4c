package server

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
)

// exifAllowList is the fixed set of capture tags copied into the auto
// metadata when present.
var exifAllowList = []exif.FieldName{
	exif.Make,
	exif.Model,
	exif.Software,
	exif.DateTimeOriginal,
	exif.Orientation,
	exif.PixelXDimension,
	exif.PixelYDimension,
}

// ExtractImageMetadata decodes data as a raster image and returns a
// best-effort description of it. It never fails: undecodable input yields
// nil, and missing capture tags yield a result without the exif sub-object.
// Callers treat nil as a valid outcome, not an error.
func ExtractImageMetadata(data []byte) *AutoMetadata {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	meta := &AutoMetadata{
		Width:  cfg.Width,
		Height: cfg.Height,
		Pixels: fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		Format: strings.ToUpper(format),
		Mode:   colorMode(cfg.ColorModel),
	}

	if tags := extractCaptureTags(data); len(tags) > 0 {
		meta.Exif = tags
	}

	return meta
}

// detectImageFormat decodes just enough of data to identify its format,
// upper-cased ("JPEG", "PNG", ...).
func detectImageFormat(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return strings.ToUpper(format), nil
}

// extractCaptureTags reads the allow-listed EXIF tags. Tag values are
// strings where the tag is textual, integers otherwise; unreadable tags
// are skipped.
func extractCaptureTags(data []byte) map[string]interface{} {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	tags := make(map[string]interface{})
	for _, name := range exifAllowList {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		if s, err := tag.StringVal(); err == nil {
			tags[string(name)] = s
			continue
		}
		if n, err := tag.Int(0); err == nil {
			tags[string(name)] = n
		}
	}

	if len(tags) == 0 {
		return nil
	}
	return tags
}

// colorMode names the color model reported by the decoder.
func colorMode(m color.Model) string {
	switch m {
	case color.RGBAModel:
		return "RGBA"
	case color.RGBA64Model:
		return "RGBA64"
	case color.NRGBAModel:
		return "NRGBA"
	case color.NRGBA64Model:
		return "NRGBA64"
	case color.GrayModel:
		return "Gray"
	case color.Gray16Model:
		return "Gray16"
	case color.CMYKModel:
		return "CMYK"
	case color.YCbCrModel:
		return "YCbCr"
	case color.NYCbCrAModel:
		return "NYCbCrA"
	}
	if _, ok := m.(color.Palette); ok {
		return "Paletted"
	}
	return "unknown"
}
