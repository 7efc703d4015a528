package overlay

import (
	"image"
	"image/color"
	"testing"
)

func blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func TestDrawBox(t *testing.T) {
	img := blank(50, 50)
	DrawBox(img, image.Rect(10, 10, 30, 30), BoxColor, 2)

	if got := img.RGBAAt(10, 20); got != BoxColor {
		t.Errorf("left edge = %v", got)
	}
	if got := img.RGBAAt(29, 29); got != BoxColor {
		t.Errorf("bottom-right corner = %v", got)
	}
	if got := img.RGBAAt(20, 20); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("interior painted: %v", got)
	}
}

func TestDrawBox_Clips(t *testing.T) {
	img := blank(20, 20)
	// Partly outside the frame, must not panic
	DrawBox(img, image.Rect(-5, -5, 40, 40), BoxColor, 3)
	if got := img.RGBAAt(10, 10); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("interior painted: %v", got)
	}
}

func TestBlendImage(t *testing.T) {
	dst := image.NewRGBA(image.Rect(0, 0, 2, 1))
	dst.SetRGBA(0, 0, color.RGBA{0, 0, 0, 255})
	dst.SetRGBA(1, 0, color.RGBA{0, 0, 0, 255})

	src := image.NewUniform(color.RGBA{200, 100, 0, 255})
	srcImg := image.NewRGBA(image.Rect(0, 0, 1, 1))
	srcImg.Set(0, 0, src.C)

	BlendImage(dst, srcImg, 0, 0, 1.0)
	BlendImage(dst, srcImg, 1, 0, 0.5)

	if got := dst.RGBAAt(0, 0); got.R != 200 || got.G != 100 {
		t.Errorf("opaque blend = %v", got)
	}
	if got := dst.RGBAAt(1, 0); got.R < 95 || got.R > 105 || got.A != 255 {
		t.Errorf("half blend = %v", got)
	}
}

func TestLabel(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 40))
	l := NewLabel("4006381333931", 2, 2)
	w, h := l.Size()
	if w != 13*7+6 || h != lineHeight+6 {
		t.Errorf("Size() = %dx%d", w, h)
	}
	l.Render(img)

	lit := 0
	for y := 0; y < h+2; y++ {
		for x := 0; x < w+2; x++ {
			if img.RGBAAt(x, y).R > 128 {
				lit++
			}
		}
	}
	if lit == 0 {
		t.Error("no text pixels drawn")
	}
}

func TestAnnotate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	Annotate(img, []Detection{
		{Text: "top", Bounds: image.Rect(5, 0, 40, 30)},
		{Text: "mid", Bounds: image.Rect(50, 50, 90, 90)},
		{Text: "empty"},
	}, BoxColor)

	if got := img.RGBAAt(50, 70); got != BoxColor {
		t.Errorf("box edge not drawn: %v", got)
	}
	if got := img.RGBAAt(5, 25); got != BoxColor {
		t.Errorf("top box edge not drawn: %v", got)
	}
}

func TestFlipHorizontal(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.SetRGBA(0, 0, BoxColor)
	img.SetRGBA(2, 1, LockedColor)

	out := FlipHorizontal(img)
	if got := out.RGBAAt(2, 0); got != BoxColor {
		t.Errorf("(2,0) = %v, want %v", got, BoxColor)
	}
	if got := out.RGBAAt(0, 1); got != LockedColor {
		t.Errorf("(0,1) = %v, want %v", got, LockedColor)
	}
	if got := img.RGBAAt(0, 0); got != BoxColor {
		t.Error("source image modified")
	}
}

func TestMirrorRect(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 50)
	tests := []struct {
		in, want image.Rectangle
	}{
		{image.Rect(10, 5, 30, 20), image.Rect(70, 5, 90, 20)},
		{image.Rect(0, 0, 100, 50), image.Rect(0, 0, 100, 50)},
		{image.Rectangle{}, image.Rectangle{}},
	}
	for _, tt := range tests {
		if got := MirrorRect(tt.in, bounds); got != tt.want {
			t.Errorf("MirrorRect(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
