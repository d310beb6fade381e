package diff

import (
	"image"
	"image/color"
)

// changeCellSize is the grid pitch for the change-count heuristic.
const changeCellSize = 32

// changeCellMinInk is the changed-ink pixel count below which a cell is
// considered noise.
const changeCellMinInk = 16

var (
	colorRemoved = color.RGBA{R: 255, A: 255}                 // old-only ink
	colorAdded   = color.RGBA{G: 255, A: 255}                 // new-only ink
	colorCommon  = color.RGBA{R: 176, G: 176, B: 176, A: 255} // shared ink
	colorEdge    = color.RGBA{A: 255}                         // shared ink edges
	colorPaper   = color.RGBA{R: 255, G: 255, B: 255, A: 255} // background
)

// Compose renders the comparison overlay: red for removed ink, green for
// added ink, gray for common ink with its edge pixels in black so line
// structure stays readable.
func Compose(oldImg, newImg image.Image, t Transform) *image.RGBA {
	nb := newImg.Bounds()
	w, h := nb.Dx(), nb.Dy()

	ob := oldImg.Bounds()
	if ob.Dx() != w || ob.Dy() != h {
		oldImg = scaleTo(oldImg, w, h)
	}
	mOld := newMask(oldImg)
	mNew := newMask(newImg)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := mOld.at(x-t.DX, y-t.DY)
			b := mNew.at(x, y)
			var c color.RGBA
			switch {
			case a && b:
				if isEdge(mOld, mNew, t, x, y) {
					c = colorEdge
				} else {
					c = colorCommon
				}
			case a:
				c = colorRemoved
			case b:
				c = colorAdded
			default:
				c = colorPaper
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

// isEdge reports whether a common-ink pixel borders background on either
// source.
func isEdge(mOld, mNew *mask, t Transform, x, y int) bool {
	for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		nx, ny := x+d[0], y+d[1]
		if !mNew.at(nx, ny) || !mOld.at(nx-t.DX, ny-t.DY) {
			return true
		}
	}
	return false
}

// CountChanges tallies grid cells containing meaningful added or removed
// ink. Returns the cell count and whether any change was detected.
func CountChanges(oldImg, newImg image.Image, t Transform) (int, bool) {
	nb := newImg.Bounds()
	w, h := nb.Dx(), nb.Dy()

	ob := oldImg.Bounds()
	if ob.Dx() != w || ob.Dy() != h {
		oldImg = scaleTo(oldImg, w, h)
	}
	mOld := newMask(oldImg)
	mNew := newMask(newImg)

	cells := 0
	for cy := 0; cy < h; cy += changeCellSize {
		for cx := 0; cx < w; cx += changeCellSize {
			changed := 0
			for y := cy; y < cy+changeCellSize && y < h; y++ {
				for x := cx; x < cx+changeCellSize && x < w; x++ {
					a := mOld.at(x-t.DX, y-t.DY)
					b := mNew.at(x, y)
					if a != b {
						changed++
					}
				}
			}
			if changed >= changeCellMinInk {
				cells++
			}
		}
	}
	return cells, cells > 0
}
