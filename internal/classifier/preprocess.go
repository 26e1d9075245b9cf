package classifier

import (
	"image"

	"golang.org/x/image/draw"
)

// DefaultMean holds the training-set channel means in R, G, B order.
var DefaultMean = [3]float64{104.412277, 119.213318, 126.806091}

// DefaultScale divides mean-centred pixel values.
const DefaultScale = 255.0

// DefaultInputSize is the square input geometry of the shipped model.
const DefaultInputSize = 32

// Preprocessor resizes a frame to the model geometry and normalises it into a
// planar (channel, row, column) vector.
type Preprocessor struct {
	Width  int
	Height int
	Mean   [3]float64
	Scale  float64
}

// NewPreprocessor returns the normalisation used by the shipped model.
func NewPreprocessor(width, height int) Preprocessor {
	return Preprocessor{Width: width, Height: height, Mean: DefaultMean, Scale: DefaultScale}
}

// Resize scales img to the model geometry with a Catmull-Rom filter.
func (p Preprocessor) Resize(img image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Len is the length of the vector Prepare returns.
func (p Preprocessor) Len() int { return 3 * p.Width * p.Height }

// Prepare resizes img and returns (pixel - mean) / scale laid out plane by
// plane.
func (p Preprocessor) Prepare(img image.Image) []float64 {
	small := p.Resize(img)
	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	plane := p.Width * p.Height
	out := make([]float64, 3*plane)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			i := small.PixOffset(x, y)
			px := small.Pix[i : i+3 : i+3]
			at := y*p.Width + x
			for c := 0; c < 3; c++ {
				out[c*plane+at] = (float64(px[c]) - p.Mean[c]) / scale
			}
		}
	}
	return out
}
