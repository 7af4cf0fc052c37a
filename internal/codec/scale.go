package codec

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Scaler resizes decoded pictures to the fixed output geometry. Each plane is
// scaled independently so the output stays planar 4:2:0 regardless of the
// input's chroma subsampling.
type Scaler struct {
	width, height int
	interp        draw.Interpolator
}

// NewScaler returns a scaler producing w×h 4:2:0 pictures.
func NewScaler(w, h int) *Scaler {
	return &Scaler{width: w, height: h, interp: draw.ApproxBiLinear}
}

// Scale returns src resized to the scaler's geometry. A picture already in
// the target geometry and layout is returned as is.
func (s *Scaler) Scale(src *image.YCbCr) *image.YCbCr {
	b := src.Bounds()
	if b.Dx() == s.width && b.Dy() == s.height && src.SubsampleRatio == image.YCbCrSubsampleRatio420 {
		return src
	}
	dst := image.NewYCbCr(image.Rect(0, 0, s.width, s.height), image.YCbCrSubsampleRatio420)

	s.interp.Scale(planeY(dst), image.Rect(0, 0, s.width, s.height),
		planeY(src), image.Rect(0, 0, b.Dx(), b.Dy()), draw.Src, nil)

	sw, sh := chromaSize(src)
	dw, dh := chromaSize(dst)
	s.interp.Scale(planeC(dst, dst.Cb), image.Rect(0, 0, dw, dh),
		planeC(src, src.Cb), image.Rect(0, 0, sw, sh), draw.Src, nil)
	s.interp.Scale(planeC(dst, dst.Cr), image.Rect(0, 0, dw, dh),
		planeC(src, src.Cr), image.Rect(0, 0, sw, sh), draw.Src, nil)
	return dst
}

// ToRGBA converts a picture to the display pixel format.
func ToRGBA(src *image.YCbCr) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func planeY(img *image.YCbCr) *image.Gray {
	b := img.Bounds()
	off := img.YOffset(b.Min.X, b.Min.Y)
	return &image.Gray{
		Pix:    img.Y[off:],
		Stride: img.YStride,
		Rect:   image.Rect(0, 0, b.Dx(), b.Dy()),
	}
}

func planeC(img *image.YCbCr, pix []uint8) *image.Gray {
	b := img.Bounds()
	off := img.COffset(b.Min.X, b.Min.Y)
	w, h := chromaSize(img)
	return &image.Gray{
		Pix:    pix[off:],
		Stride: img.CStride,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// chromaSize returns the chroma plane geometry for img's subsampling.
func chromaSize(img *image.YCbCr) (int, int) {
	r := img.Rect
	w, h := r.Dx(), r.Dy()
	switch img.SubsampleRatio {
	case image.YCbCrSubsampleRatio422:
		return (r.Max.X+1)/2 - r.Min.X/2, h
	case image.YCbCrSubsampleRatio420:
		return (r.Max.X+1)/2 - r.Min.X/2, (r.Max.Y+1)/2 - r.Min.Y/2
	case image.YCbCrSubsampleRatio440:
		return w, (r.Max.Y+1)/2 - r.Min.Y/2
	case image.YCbCrSubsampleRatio411:
		return (r.Max.X+3)/4 - r.Min.X/4, h
	case image.YCbCrSubsampleRatio410:
		return (r.Max.X+3)/4 - r.Min.X/4, (r.Max.Y+1)/2 - r.Min.Y/2
	default:
		return w, h
	}
}

// scaleInto copies an arbitrary picture into a same-sized 4:2:0 destination.
func scaleInto(dst *image.YCbCr, src image.Image) {
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.YCbCrModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.YCbCr)
			dst.Y[dst.YOffset(x, y)] = c.Y
			if x%2 == 0 && y%2 == 0 {
				ci := dst.COffset(x, y)
				dst.Cb[ci] = c.Cb
				dst.Cr[ci] = c.Cr
			}
		}
	}
}
