package overlay

import "image"

// FlipHorizontal returns a mirrored copy of img
func FlipHorizontal(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(dst[(w-1-x)*4:(w-x)*4], src[x*4:x*4+4])
		}
	}
	return out
}

// MirrorRect maps r into the coordinates of a frame flipped within bounds
func MirrorRect(r, bounds image.Rectangle) image.Rectangle {
	if r.Empty() {
		return r
	}
	minX := bounds.Min.X + bounds.Max.X - r.Max.X
	maxX := bounds.Min.X + bounds.Max.X - r.Min.X
	return image.Rect(minX, r.Min.Y, maxX, r.Max.Y)
}
