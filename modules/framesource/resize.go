package framesource

import (
	"image"

	"golang.org/x/image/draw"
)

// FitLongEdge returns the size of a w×h image scaled so that its long edge is
// at most maxEdge, preserving aspect ratio, and the scale factor applied.
// Images that already fit are returned unchanged with scale 1.
func FitLongEdge(w, h, maxEdge int) (nw, nh int, scale float64) {
	if w <= maxEdge && h <= maxEdge || maxEdge <= 0 {
		return w, h, 1
	}
	scale = min(float64(maxEdge)/float64(w), float64(maxEdge)/float64(h))
	nw = max(1, int(float64(w)*scale+0.5))
	nh = max(1, int(float64(h)*scale+0.5))
	return nw, nh, scale
}

// Downscale returns img resized to fit maxEdge and the scale factor used.
// When img already fits it is returned as is with scale 1.
func Downscale(img *image.RGBA, maxEdge int) (*image.RGBA, float64) {
	b := img.Bounds()
	nw, nh, scale := FitLongEdge(b.Dx(), b.Dy(), maxEdge)
	if scale == 1 {
		return img, 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, scale
}

// Mirror returns a horizontally flipped copy of f. The input is not modified.
func Mirror(f Frame) Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	row := f.Width * 4
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*row : (y+1)*row]
		dst := out.Data[y*row : (y+1)*row]
		for x := 0; x < f.Width; x++ {
			copy(dst[(f.Width-1-x)*4:(f.Width-x)*4], src[x*4:(x+1)*4])
		}
	}
	return out
}

// derive builds the display and inference frames for one raw capture.
func derive(raw *image.RGBA, opts Options) (display, inference Frame) {
	disp, _ := Downscale(raw, opts.DisplayMaxEdge)
	inf, _ := Downscale(raw, opts.InferenceMaxEdge)
	return FrameFromImage(disp, TagDisplay), FrameFromImage(inf, TagInference)
}
