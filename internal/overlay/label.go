package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Label is a line of text with an optional background
type Label struct {
	Text       string
	X, Y       int
	Color      color.RGBA
	Background *color.RGBA // nil for transparent
	Padding    int
	Opacity    float64
}

// lineHeight is the basicfont glyph height
const lineHeight = 13

// NewLabel creates a white label with a translucent black background
func NewLabel(text string, x, y int) *Label {
	bg := color.RGBA{0, 0, 0, 255}
	return &Label{
		Text:       text,
		X:          x,
		Y:          y,
		Color:      color.RGBA{255, 255, 255, 255},
		Background: &bg,
		Padding:    3,
		Opacity:    1.0,
	}
}

// Size returns the rendered width and height including padding
func (l *Label) Size() (int, int) {
	d := &font.Drawer{Face: basicfont.Face7x13}
	w := d.MeasureString(l.Text).Ceil()
	return w + l.Padding*2, lineHeight + l.Padding*2
}

// Render draws the label with its top-left corner at (X, Y)
func (l *Label) Render(img *image.RGBA) {
	if l.Text == "" {
		return
	}

	width, height := l.Size()

	if l.Background != nil {
		DrawRectangle(img, image.Rect(l.X, l.Y, l.X+width, l.Y+height), *l.Background, l.Opacity*0.6)
	}

	textWidth := width - l.Padding*2
	textImg := image.NewRGBA(image.Rect(0, 0, textWidth, lineHeight))
	d := &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(l.Color),
		Face: basicfont.Face7x13,
		// Baseline sits above the descent
		Dot: fixed.Point26_6{X: 0, Y: fixed.I(lineHeight - basicfont.Face7x13.Descent)},
	}
	d.DrawString(l.Text)

	BlendImage(img, textImg, l.X+l.Padding, l.Y+l.Padding, l.Opacity)
}
