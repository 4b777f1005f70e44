package dataset

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ImageNet channel statistics used by the pre-trained backbone.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// Jitter holds colour jitter strengths. Each factor is drawn uniformly
// from [1-s, 1+s].
type Jitter struct {
	Brightness float64
	Contrast   float64
	Saturation float64
}

// Transform maps a decoded image to a normalised HWC RGB sample of
// Size x Size pixels.
type Transform struct {
	Size        int
	FlipProb    float64 // horizontal flip probability
	MaxRotation float64 // degrees, angle drawn from [-MaxRotation, MaxRotation]
	Jitter      Jitter
	Mean        [3]float64
	Std         [3]float64
}

// TrainTransform is resize, random flip, random rotation up to 10 degrees,
// colour jitter of 0.2 and ImageNet normalisation.
func TrainTransform(size int) Transform {
	return Transform{
		Size:        size,
		FlipProb:    0.5,
		MaxRotation: 10,
		Jitter:      Jitter{Brightness: 0.2, Contrast: 0.2, Saturation: 0.2},
		Mean:        ImageNetMean,
		Std:         ImageNetStd,
	}
}

// EvalTransform is resize and ImageNet normalisation only.
func EvalTransform(size int) Transform {
	return Transform{Size: size, Mean: ImageNetMean, Std: ImageNetStd}
}

// SampleSize is the number of values Apply produces.
func (t Transform) SampleSize() int {
	return t.Size * t.Size * 3
}

// Augments reports whether Apply draws from its rng.
func (t Transform) Augments() bool {
	return t.FlipProb > 0 || t.MaxRotation > 0 ||
		t.Jitter.Brightness > 0 || t.Jitter.Contrast > 0 || t.Jitter.Saturation > 0
}

// Apply runs the pipeline on img. rng may be nil when the transform does
// not augment.
func (t Transform) Apply(img image.Image, rng *rand.Rand) []float64 {
	rgba := image.NewRGBA(image.Rect(0, 0, t.Size, t.Size))
	draw.BiLinear.Scale(rgba, rgba.Bounds(), opaque(img), img.Bounds(), draw.Src, nil)

	if t.FlipProb > 0 && rng.Float64() < t.FlipProb {
		flipHorizontal(rgba)
	}
	if t.MaxRotation > 0 {
		angle := (rng.Float64()*2 - 1) * t.MaxRotation
		rgba = rotate(rgba, angle)
	}

	px := toFloat(rgba)
	if t.Jitter != (Jitter{}) {
		colourJitter(px, t.Jitter, rng)
	}

	for i := 0; i < len(px); i += 3 {
		for c := 0; c < 3; c++ {
			px[i+c] = (px[i+c] - t.Mean[c]) / t.Std[c]
		}
	}
	return px
}

// opaque drops the alpha channel, keeping the stored colour of translucent
// pixels rather than darkening them.
func opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func flipHorizontal(img *image.RGBA) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			for c := 0; c < 4; c++ {
				row[l*4+c], row[r*4+c] = row[r*4+c], row[l*4+c]
			}
		}
	}
}

// rotate turns img by degrees about its centre with nearest-neighbour
// sampling. Uncovered corners are black.
func rotate(img *image.RGBA, degrees float64) *image.RGBA {
	if degrees == 0 {
		return img
	}
	b := img.Bounds()
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	sin, cos := math.Sincos(degrees * math.Pi / 180)

	// source to destination affine map
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	out := image.NewRGBA(b)
	draw.NearestNeighbor.Transform(out, m, img, b, draw.Src, nil)
	return out
}

// toFloat converts to HWC RGB in [0,1], dropping alpha.
func toFloat(img *image.RGBA) []float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]float64, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			out[o] = float64(row[x*4]) / 255
			out[o+1] = float64(row[x*4+1]) / 255
			out[o+2] = float64(row[x*4+2]) / 255
		}
	}
	return out
}

// colourJitter adjusts brightness, contrast and saturation in a random
// order, clamping to [0,1] after each step.
func colourJitter(px []float64, j Jitter, rng *rand.Rand) {
	factor := func(s float64) float64 { return 1 - s + rng.Float64()*2*s }

	for _, op := range rng.Perm(3) {
		switch op {
		case 0:
			if j.Brightness > 0 {
				f := factor(j.Brightness)
				for i := range px {
					px[i] = clamp01(px[i] * f)
				}
			}
		case 1:
			if j.Contrast > 0 {
				f := factor(j.Contrast)
				mean := 0.0
				for i := 0; i < len(px); i += 3 {
					mean += grey(px[i], px[i+1], px[i+2])
				}
				mean /= float64(len(px) / 3)
				for i := range px {
					px[i] = clamp01(f*px[i] + (1-f)*mean)
				}
			}
		case 2:
			if j.Saturation > 0 {
				f := factor(j.Saturation)
				for i := 0; i < len(px); i += 3 {
					g := grey(px[i], px[i+1], px[i+2])
					for c := 0; c < 3; c++ {
						px[i+c] = clamp01(f*px[i+c] + (1-f)*g)
					}
				}
			}
		}
	}
}

func grey(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
