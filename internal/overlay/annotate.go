package overlay

import (
	"image"
	"image/color"
)

var (
	// BoxColor outlines a detected code
	BoxColor = color.RGBA{0, 255, 0, 255}
	// LockedColor outlines codes seen during the lock interval
	LockedColor = color.RGBA{255, 170, 0, 255}
)

// Detection is one decoded code located in a frame
type Detection struct {
	Text   string
	Format string
	Bounds image.Rectangle
}

// Annotate outlines every detection and writes its text just above the
// box, or inside it when the box touches the top edge
func Annotate(img *image.RGBA, detections []Detection, c color.RGBA) {
	for _, det := range detections {
		if det.Bounds.Empty() {
			continue
		}
		DrawBox(img, det.Bounds, c, 2)

		label := NewLabel(det.Text, det.Bounds.Min.X, 0)
		_, h := label.Size()
		label.Y = det.Bounds.Min.Y - h
		if label.Y < img.Bounds().Min.Y {
			label.Y = det.Bounds.Min.Y + 2
		}
		label.Render(img)
	}
}

// Status writes a short status line in the top-left corner
func Status(img *image.RGBA, text string) {
	b := img.Bounds()
	NewLabel(text, b.Min.X+4, b.Min.Y+4).Render(img)
}
