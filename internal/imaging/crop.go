package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"net/url"
	"strings"

	_ "image/jpeg" // captures arriving as data URIs are not always PNG

	"github.com/snaprelay/snaprelay/pkg/models"
)

// ErrRectTooSmall is returned when the clamped selection falls below the
// minimum usable size at an image edge.
var ErrRectTooSmall = fmt.Errorf("selection too small after clamping (minimum %dpx)", models.MinSelectionSize)

// Clamp returns v limited to [lo, hi]
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Decode turns a captured payload into a bitmap. The payload is either raw
// encoded image bytes or a self-contained data URI with a base64 or
// literal-encoded body; both decode to the same in-memory representation.
func Decode(payload []byte) (image.Image, error) {
	raw := payload
	if bytes.HasPrefix(payload, []byte("data:")) {
		var err error
		raw, err = decodeDataURI(string(payload))
		if err != nil {
			return nil, err
		}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode captured image: %w", err)
	}
	return img, nil
}

func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, errors.New("malformed data URI: no comma separator")
	}
	header, body := uri[:comma], uri[comma+1:]

	if strings.Contains(header, "base64") {
		data, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, fmt.Errorf("malformed data URI body: %w", err)
		}
		return data, nil
	}

	data, err := url.PathUnescape(body)
	if err != nil {
		return nil, fmt.Errorf("malformed data URI body: %w", err)
	}
	return []byte(data), nil
}

// Crop clamps rect into the image bounds, renders the sub-region into a
// fresh surface and re-encodes it as PNG. The clamped rectangle must keep
// both edges at or above the selection minimum.
func Crop(img image.Image, rect models.SelectionRect) ([]byte, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	sx := Clamp(rect.X, 0, width-1)
	sy := Clamp(rect.Y, 0, height-1)
	sw := Clamp(rect.W, 1, width-sx)
	sh := Clamp(rect.H, 1, height-sy)

	if sw < models.MinSelectionSize || sh < models.MinSelectionSize {
		return nil, ErrRectTooSmall
	}

	dst := image.NewRGBA(image.Rect(0, 0, sw, sh))
	src := image.Pt(bounds.Min.X+sx, bounds.Min.Y+sy)
	draw.Draw(dst, dst.Bounds(), img, src, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode cropped image: %w", err)
	}
	return buf.Bytes(), nil
}
