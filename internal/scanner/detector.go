package scanner

import (
	"fmt"
	"image"
	"math"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/pastebarcode/pastebarcode/internal/overlay"
)

// Detector finds and decodes barcodes in a frame
type Detector interface {
	Detect(img image.Image) ([]overlay.Detection, error)
}

// DetectorFunc adapts a function to Detector
type DetectorFunc func(img image.Image) ([]overlay.Detection, error)

// Detect calls f(img)
func (f DetectorFunc) Detect(img image.Image) ([]overlay.Detection, error) {
	return f(img)
}

// ZXingDetector runs a fixed set of 2D and 1D readers over each frame.
// It is not safe for concurrent use.
type ZXingDetector struct {
	readers []gozxing.Reader
	hints   map[gozxing.DecodeHintType]interface{}
}

// NewZXingDetector creates a detector for QR, Data Matrix and the common
// retail and logistics 1D symbologies
func NewZXingDetector() *ZXingDetector {
	return &ZXingDetector{
		readers: []gozxing.Reader{
			qrcode.NewQRCodeReader(),
			datamatrix.NewDataMatrixReader(),
			oned.NewEAN13Reader(),
			oned.NewEAN8Reader(),
			oned.NewUPCEReader(),
			oned.NewCode128Reader(),
			oned.NewCode39Reader(),
			oned.NewCode93Reader(),
			oned.NewITFReader(),
			oned.NewCodaBarReader(),
		},
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Detect returns one detection per distinct decoded text. A frame without
// any code yields no detections and no error.
func (d *ZXingDetector) Detect(img image.Image) ([]overlay.Detection, error) {
	bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(gozxing.NewLuminanceSourceFromImage(img)))
	if err != nil {
		return nil, fmt.Errorf("failed to binarize frame: %w", err)
	}

	var dets []overlay.Detection
	seen := make(map[string]bool)
	for _, reader := range d.readers {
		result, err := reader.Decode(bmp, d.hints)
		reader.Reset()
		if err != nil {
			// NotFound, Checksum and Format all mean no usable code here
			continue
		}
		text := result.GetText()
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		dets = append(dets, overlay.Detection{
			Text:   text,
			Format: result.GetBarcodeFormat().String(),
			Bounds: boundsOf(result.GetResultPoints(), img.Bounds()),
		})
	}
	return dets, nil
}

// boundsOf encloses the result points. 1D readers report points along a
// single scan line, so thin boxes are grown vertically.
func boundsOf(points []gozxing.ResultPoint, frame image.Rectangle) image.Rectangle {
	if len(points) == 0 {
		return image.Rectangle{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		if p == nil {
			continue
		}
		minX = math.Min(minX, p.GetX())
		maxX = math.Max(maxX, p.GetX())
		minY = math.Min(minY, p.GetY())
		maxY = math.Max(maxY, p.GetY())
	}
	if math.IsInf(minX, 1) {
		return image.Rectangle{}
	}

	r := image.Rect(int(minX), int(minY), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
	if r.Dy() < 16 {
		grow := r.Dx() / 6
		if grow < 8 {
			grow = 8
		}
		r.Min.Y -= grow
		r.Max.Y += grow
	}
	return r.Inset(-4).Intersect(frame)
}
