package tui

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// halfBlock paints two pixels per cell: the foreground colors the top
// half, the background the bottom.
const halfBlock = "▀"

// viewport places a guest frame inside a cell grid. A cell is one
// pixel wide and two pixels tall before scaling, so a rows*cols area
// holds cols x rows*2 pixels.
type viewport struct {
	frameW, frameH int
	cellX, cellY   int
	cellW, cellH   int
	scale          float64
}

// fitViewport letterboxes a frameW x frameH frame into cols x rows
// cells, preserving the aspect ratio.
func fitViewport(frameW, frameH, cols, rows int) viewport {
	vp := viewport{frameW: frameW, frameH: frameH}
	if frameW <= 0 || frameH <= 0 || cols <= 0 || rows <= 0 {
		return vp
	}

	scaleX := float64(frameW) / float64(cols)
	scaleY := float64(frameH) / float64(rows*2)
	vp.scale = math.Max(scaleX, scaleY)

	vp.cellW = clampInt(int(math.Round(float64(frameW)/vp.scale)), 1, cols)
	vp.cellH = clampInt(int(math.Round(float64(frameH)/(2*vp.scale))), 1, rows)
	vp.cellX = (cols - vp.cellW) / 2
	vp.cellY = (rows - vp.cellH) / 2
	return vp
}

// pixelAt samples the frame pixel behind a cell column and half-row,
// nearest neighbor.
func (vp viewport) pixelAt(col, halfRow int) (int, int) {
	x := int(float64(col) * vp.scale)
	y := int(float64(halfRow) * vp.scale)
	if x >= vp.frameW {
		x = vp.frameW - 1
	}
	if y >= vp.frameH {
		y = vp.frameH - 1
	}
	return x, y
}

// toFrame maps an absolute cell position in the frame area to pixel
// coordinates, clamped to the frame. Positions in the letterbox snap
// to the nearest edge.
func (vp viewport) toFrame(col, row int) (int32, int32) {
	if vp.scale == 0 {
		return 0, 0
	}
	x := int(math.Floor(float64(col-vp.cellX) * vp.scale))
	y := int(math.Floor(float64(row-vp.cellY) * 2 * vp.scale))
	return int32(clampInt(x, 0, vp.frameW-1)), int32(clampInt(y, 0, vp.frameH-1))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// renderFrame draws img into a cols x rows cell area, letterboxed.
// Alpha is ignored; terminals do not blend.
func renderFrame(img *image.RGBA, cols, rows int) string {
	vp := fitViewport(img.Rect.Dx(), img.Rect.Dy(), cols, rows)

	cell := lipgloss.NewStyle()
	var b strings.Builder
	for row := 0; row < rows; row++ {
		if row > 0 {
			b.WriteByte('\n')
		}
		if row < vp.cellY || row >= vp.cellY+vp.cellH {
			continue
		}
		b.WriteString(strings.Repeat(" ", vp.cellX))
		r := row - vp.cellY
		for col := 0; col < vp.cellW; col++ {
			tx, ty := vp.pixelAt(col, 2*r)
			bx, by := vp.pixelAt(col, 2*r+1)
			top := img.RGBAAt(tx, ty)
			bottom := img.RGBAAt(bx, by)
			b.WriteString(cell.
				Foreground(lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", top.R, top.G, top.B))).
				Background(lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", bottom.R, bottom.G, bottom.B))).
				Render(halfBlock))
		}
	}
	return b.String()
}
