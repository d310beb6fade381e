package diff

import (
	"errors"
	"image"

	xdraw "golang.org/x/image/draw"
)

// ErrDegenerate is returned when a page has too little ink to estimate a
// transform. Terminal for the pair.
var ErrDegenerate = errors.New("too little ink to align")

const (
	// inkThreshold is the luminance below which a pixel counts as drawn.
	inkThreshold = 160

	// minInkPixels is the minimum ink required on both sides to attempt
	// alignment.
	minInkPixels = 100

	// coarseMaxDim bounds the coarsest pyramid level.
	coarseMaxDim = 256
)

// Transform is the estimated offset that maps the old page onto the new one.
type Transform struct {
	DX int
	DY int
}

// mask is a binary ink raster.
type mask struct {
	w, h int
	ink  []bool
}

func newMask(img image.Image) *mask {
	b := img.Bounds()
	m := &mask{w: b.Dx(), h: b.Dy(), ink: make([]bool, b.Dx()*b.Dy())}
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// Integer luma on 8-bit channels.
			lum := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000
			m.ink[y*m.w+x] = lum < inkThreshold
		}
	}
	return m
}

func (m *mask) at(x, y int) bool {
	if x < 0 || y < 0 || x >= m.w || y >= m.h {
		return false
	}
	return m.ink[y*m.w+x]
}

func (m *mask) count() int {
	n := 0
	for _, v := range m.ink {
		if v {
			n++
		}
	}
	return n
}

// overlapScore is intersection-over-union of the two ink sets with the old
// mask shifted by (dx, dy). Higher is better; 1 means identical ink.
func overlapScore(old, cur *mask, dx, dy int) float64 {
	inter, union := 0, 0
	for y := 0; y < cur.h; y++ {
		for x := 0; x < cur.w; x++ {
			a := old.at(x-dx, y-dy)
			b := cur.ink[y*cur.w+x]
			if a && b {
				inter++
			}
			if a || b {
				union++
			}
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// scaleTo resamples img to w x h.
func scaleTo(img image.Image, w, h int) image.Image {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// Align estimates the translation between two rasters by maximizing ink
// overlap over a coarse-to-fine pyramid. The old image is resampled to the
// new image's dimensions first, so scans at slightly different resolutions
// still line up.
func Align(oldImg, newImg image.Image) (Transform, float64, error) {
	nb := newImg.Bounds()
	w, h := nb.Dx(), nb.Dy()
	if w == 0 || h == 0 {
		return Transform{}, 0, ErrDegenerate
	}

	ob := oldImg.Bounds()
	if ob.Dx() != w || ob.Dy() != h {
		oldImg = scaleTo(oldImg, w, h)
	}

	// Pyramid factors: coarsest level fits within coarseMaxDim.
	factor := 1
	for max(w, h)/factor > coarseMaxDim {
		factor *= 2
	}
	var factors []int
	for f := factor; f >= 1; f /= 2 {
		factors = append(factors, f)
	}

	fullOld := newMask(oldImg)
	fullNew := newMask(newImg)
	if fullOld.count() < minInkPixels || fullNew.count() < minInkPixels {
		return Transform{}, 0, ErrDegenerate
	}

	var (
		best      Transform
		bestScore float64
		first     = true
	)
	for _, f := range factors {
		var mOld, mNew *mask
		if f == 1 {
			mOld, mNew = fullOld, fullNew
		} else {
			mOld = newMask(scaleTo(oldImg, w/f, h/f))
			mNew = newMask(scaleTo(newImg, w/f, h/f))
		}

		var cx, cy, radius int
		if first {
			// Exhaustive search at the coarsest level.
			cx, cy = 0, 0
			radius = max(mNew.w, mNew.h) / 8
			if radius < 4 {
				radius = 4
			}
			first = false
		} else {
			// Refine around the upscaled previous estimate.
			cx, cy = best.DX*2, best.DY*2
			radius = 2
		}

		bestScore = -1
		for dy := cy - radius; dy <= cy+radius; dy++ {
			for dx := cx - radius; dx <= cx+radius; dx++ {
				if s := overlapScore(mOld, mNew, dx, dy); s > bestScore {
					bestScore = s
					best = Transform{DX: dx, DY: dy}
				}
			}
		}
	}

	return best, bestScore, nil
}
