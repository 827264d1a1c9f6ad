// Package imaging validates uploaded study images before they enter the
// report lifecycle. It reads only headers: pixel data is never decoded.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned for any payload that is not a well-formed image.
var ErrInvalidImage = errors.New("invalid image")

const ContentTypeDICOM = "application/dicom"

// Info describes an accepted image.
type Info struct {
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Modality string `json:"modality,omitempty"`
}

// Inspect checks that data is a non-empty image of a supported format. The
// content type is only a hint: an octet-stream upload is sniffed, but a
// declared non-image type is rejected outright.
func Inspect(data []byte, contentType string) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	mediaType := ""
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return Info{}, fmt.Errorf("%w: bad content type %q", ErrInvalidImage, contentType)
		}
		mediaType = strings.ToLower(mt)
	}

	switch {
	case mediaType == ContentTypeDICOM:
		return inspectDICOM(data)
	case mediaType == "", mediaType == "application/octet-stream":
		if isDICOM(data) {
			return inspectDICOM(data)
		}
		return inspectRaster(data)
	case strings.HasPrefix(mediaType, "image/"):
		return inspectRaster(data)
	default:
		return Info{}, fmt.Errorf("%w: unsupported content type %q", ErrInvalidImage, mediaType)
	}
}

func inspectRaster(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: zero dimensions", ErrInvalidImage)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Part 10 files carry a 128 byte preamble followed by "DICM".
func isDICOM(data []byte) bool {
	return len(data) >= 132 && string(data[128:132]) == "DICM"
}

func inspectDICOM(data []byte) (info Info, err error) {
	if !isDICOM(data) {
		return Info{}, fmt.Errorf("%w: missing DICM preamble", ErrInvalidImage)
	}
	// malformed uploads can trip the parser
	defer func() {
		if r := recover(); r != nil {
			info, err = Info{}, fmt.Errorf("%w: dicom parse panic: %v", ErrInvalidImage, r)
		}
	}()

	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	info = Info{Format: "dicom"}
	info.Height = firstInt(ds, tag.Rows)
	info.Width = firstInt(ds, tag.Columns)
	if info.Width <= 0 || info.Height <= 0 {
		return Info{}, fmt.Errorf("%w: dicom has no image dimensions", ErrInvalidImage)
	}
	if elem, err := ds.FindElementByTag(tag.Modality); err == nil {
		if v, ok := elem.Value.GetValue().([]string); ok && len(v) > 0 {
			info.Modality = strings.TrimSpace(v[0])
		}
	}
	return info, nil
}

func firstInt(ds dicom.Dataset, t tag.Tag) int {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return 0
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case int:
		return v
	}
	return 0
}
