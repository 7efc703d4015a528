package webbridge

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	// ErrMalformedDataURI is returned when a message has no "<prefix>,<payload>" shape
	ErrMalformedDataURI = errors.New("malformed data URI")
	// ErrEmptyImage is returned for payloads that decode to zero pixels
	ErrEmptyImage = errors.New("image has no pixels")
)

// DecodeDataURI parses "<mime-prefix>,<base64-payload>" into an RGBA frame.
// The prefix is not inspected; the image format is sniffed from the bytes.
func DecodeDataURI(uri string) (*image.RGBA, error) {
	idx := strings.IndexByte(uri, ',')
	if idx < 0 {
		return nil, ErrMalformedDataURI
	}

	payload := strings.TrimSpace(uri[idx+1:])
	if payload == "" {
		return nil, ErrMalformedDataURI
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some browsers drop padding
		var rawErr error
		raw, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, fmt.Errorf("decode base64 payload: %w", err)
		}
	}

	return DecodeImage(raw)
}

// DecodeImage decodes JPEG, PNG or WebP bytes into an RGBA frame
func DecodeImage(raw []byte) (*image.RGBA, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%s: %w", format, ErrEmptyImage)
	}

	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst, nil
}
