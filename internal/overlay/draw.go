// Package overlay draws detection markers and text onto preview frames.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
)

// BlendImage blends a source image onto a destination image at the given position
// with the specified opacity
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	srcBounds := src.Bounds()
	dstBounds := dst.Bounds()

	for sy := srcBounds.Min.Y; sy < srcBounds.Max.Y; sy++ {
		dy := y + (sy - srcBounds.Min.Y)
		if dy < dstBounds.Min.Y || dy >= dstBounds.Max.Y {
			continue
		}

		for sx := srcBounds.Min.X; sx < srcBounds.Max.X; sx++ {
			dx := x + (sx - srcBounds.Min.X)
			if dx < dstBounds.Min.X || dx >= dstBounds.Max.X {
				continue
			}

			sr, sg, sb, sa := src.At(sx, sy).RGBA()
			alpha := float64(sa) * opacity / 65535.0
			if alpha <= 0 {
				continue
			}

			dr, dg, db, da := dst.At(dx, dy).RGBA()

			outAlpha := alpha + float64(da)/65535.0*(1-alpha)
			if outAlpha <= 0 {
				continue
			}
			// Source channels are alpha-premultiplied, so only the destination is weighted
			blend := func(s, d uint32) uint8 {
				v := (float64(s)*opacity + float64(d)*(1-alpha)) / 257
				if v > 255 {
					v = 255
				}
				return uint8(v)
			}
			dst.SetRGBA(dx, dy, color.RGBA{
				R: blend(sr, dr),
				G: blend(sg, dg),
				B: blend(sb, db),
				A: uint8(outAlpha * 255),
			})
		}
	}
}

// DrawRectangle draws a filled rectangle with the specified color and opacity
func DrawRectangle(dst *image.RGBA, r image.Rectangle, c color.Color, opacity float64) {
	if opacity >= 1 {
		draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(tmp, tmp.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	BlendImage(dst, tmp, r.Min.X, r.Min.Y, opacity)
}

// DrawBox outlines r with a border of the given thickness, clipped to dst
func DrawBox(dst *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}
