package video

import (
	"image"
	"math"
	"sort"

	_ "image/jpeg"

	"golang.org/x/image/draw"
)

// grayFrom renders img as grayscale, scaled by the analysis downscale
// factor to keep pixel loops cheap.
func grayFrom(img image.Image, scale float64) *image.Gray {
	b := img.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	g := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(g, g.Bounds(), img, b, draw.Src, nil)
	return g
}

// grayStdDev measures overall brightness spread; near-zero means a
// uniform-color frame.
func grayStdDev(img image.Image, scale float64) float64 {
	g := grayFrom(img, scale)
	n := len(g.Pix)
	if n == 0 {
		return 0
	}

	var sum float64
	for _, p := range g.Pix {
		sum += float64(p)
	}
	mean := sum / float64(n)

	var variance float64
	for _, p := range g.Pix {
		d := float64(p) - mean
		variance += d * d
	}
	variance /= float64(n)
	return math.Sqrt(variance)
}

// trimUniformBorders removes residual uniform-color borders with a per-edge
// median-difference test. Returns the (possibly cropped) image and whether
// any trim happened.
func trimUniformBorders(img image.Image, scale, tol float64) (image.Image, bool) {
	g := grayFrom(img, scale)
	w := g.Bounds().Dx()
	h := g.Bounds().Dy()
	if w < 4 || h < 4 {
		return img, false
	}

	// Cap so a mostly-uniform frame still keeps its center.
	maxX := w * 45 / 100
	maxY := h * 45 / 100

	top := walkBorder(g, tol, maxY, func(i int) []uint8 { return rowPixels(g, i) })
	bottom := walkBorder(g, tol, maxY, func(i int) []uint8 { return rowPixels(g, h-1-i) })
	left := walkBorder(g, tol, maxX, func(i int) []uint8 { return colPixels(g, i) })
	right := walkBorder(g, tol, maxX, func(i int) []uint8 { return colPixels(g, w-1-i) })

	if top == 0 && bottom == 0 && left == 0 && right == 0 {
		return img, false
	}

	b := img.Bounds()
	inset := image.Rect(
		b.Min.X+scaleBack(left, scale),
		b.Min.Y+scaleBack(top, scale),
		b.Max.X-scaleBack(right, scale),
		b.Max.Y-scaleBack(bottom, scale),
	)
	if inset.Dx() <= 0 || inset.Dy() <= 0 {
		return img, false
	}

	cropped := image.NewRGBA(image.Rect(0, 0, inset.Dx(), inset.Dy()))
	draw.Draw(cropped, cropped.Bounds(), img, inset.Min, draw.Src)
	return cropped, true
}

// walkBorder counts how many consecutive lines from an edge are uniform and
// close to the edge's own median.
func walkBorder(g *image.Gray, tol float64, max int, line func(i int) []uint8) int {
	edgeMedian := median(line(0))
	count := 0
	for i := 0; i < max; i++ {
		pixels := line(i)
		if lineStdDev(pixels) >= tol {
			break
		}
		if absFloat(median(pixels)-edgeMedian) >= tol {
			break
		}
		count++
	}
	return count
}

func rowPixels(g *image.Gray, y int) []uint8 {
	w := g.Bounds().Dx()
	out := make([]uint8, w)
	copy(out, g.Pix[y*g.Stride:y*g.Stride+w])
	return out
}

func colPixels(g *image.Gray, x int) []uint8 {
	h := g.Bounds().Dy()
	out := make([]uint8, h)
	for y := 0; y < h; y++ {
		out[y] = g.Pix[y*g.Stride+x]
	}
	return out
}

func median(pixels []uint8) float64 {
	if len(pixels) == 0 {
		return 0
	}
	sorted := make([]uint8, len(pixels))
	copy(sorted, pixels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (float64(sorted[mid-1]) + float64(sorted[mid])) / 2
	}
	return float64(sorted[mid])
}

func lineStdDev(pixels []uint8) float64 {
	n := len(pixels)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, p := range pixels {
		sum += float64(p)
	}
	mean := sum / float64(n)
	var variance float64
	for _, p := range pixels {
		d := float64(p) - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n))
}

func scaleBack(v int, scale float64) int {
	if v <= 0 {
		return 0
	}
	return int(float64(v) / scale)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
