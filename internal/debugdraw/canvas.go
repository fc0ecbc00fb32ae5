// Package debugdraw renders replication debug draw calls to PNG images.
package debugdraw

import (
	"image"
	"image/color"
	"io"
	"log"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"

	"multiplayer/internal/replication"
)

const (
	labelSize      = 11
	minMarkerPx    = 2.0
	defaultMargin  = 1.1
	backgroundGray = 18
)

var (
	labelFace     font.Face
	labelFaceOnce sync.Once
)

// loadLabelFace parses the embedded Go font once. On failure gg keeps its
// built-in bitmap face.
func loadLabelFace() font.Face {
	labelFaceOnce.Do(func() {
		parsed, err := opentype.Parse(goregular.TTF)
		if err != nil {
			log.Printf("⚠️ Failed to parse label font: %v", err)
			return
		}
		labelFace, err = opentype.NewFace(parsed, &opentype.FaceOptions{
			Size:    labelSize,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			log.Printf("⚠️ Failed to create label font face: %v", err)
			labelFace = nil
		}
	})
	return labelFace
}

// Canvas is a replication.DebugDrawer backed by a gg context. World
// coordinates inside the view are scaled uniformly onto the image.
type Canvas struct {
	dc    *gg.Context
	view  replication.Bounds
	scale float64
}

var _ replication.DebugDrawer = (*Canvas)(nil)

// NewCanvas creates a width x height image showing view.
func NewCanvas(width, height int, view replication.Bounds) *Canvas {
	dc := gg.NewContext(width, height)
	dc.SetColor(color.RGBA{backgroundGray, backgroundGray, backgroundGray + 10, 255})
	dc.DrawRectangle(0, 0, float64(width), float64(height))
	dc.Fill()
	if face := loadLabelFace(); face != nil {
		dc.SetFontFace(face)
	}

	c := &Canvas{dc: dc, view: view, scale: 1}
	w, h := view.MaxX-view.MinX, view.MaxY-view.MinY
	if w > 0 && h > 0 {
		c.scale = math.Min(float64(width)/w, float64(height)/h)
	}
	return c
}

// ViewAround returns a square view centred on (x, y) that fits radius with
// a small margin.
func ViewAround(x, y, radius float64) replication.Bounds {
	r := radius * defaultMargin
	if r <= 0 {
		r = 1
	}
	return replication.Bounds{MinX: x - r, MinY: y - r, MaxX: x + r, MaxY: y + r}
}

func (c *Canvas) project(x, y float64) (float64, float64) {
	return (x - c.view.MinX) * c.scale, (y - c.view.MinY) * c.scale
}

func (c *Canvas) Circle(x, y, radius float64, fill bool, col color.Color) {
	px, py := c.project(x, y)
	r := math.Max(radius*c.scale, minMarkerPx)
	c.dc.SetColor(col)
	c.dc.DrawCircle(px, py, r)
	if fill {
		c.dc.Fill()
		return
	}
	c.dc.SetLineWidth(1)
	c.dc.Stroke()
}

func (c *Canvas) Text(x, y float64, s string, col color.Color) {
	px, py := c.project(x, y)
	c.dc.SetColor(col)
	c.dc.DrawStringAnchored(s, px, py, 0.5, 0.5)
}

// Image returns the rendered image. Further draw calls modify it.
func (c *Canvas) Image() image.Image { return c.dc.Image() }

// EncodePNG writes the image as PNG.
func (c *Canvas) EncodePNG(w io.Writer) error { return c.dc.EncodePNG(w) }

// RenderWindow draws win onto a size x size canvas showing view and writes
// it to out as PNG. Call it wherever the window's owner allows reads.
func RenderWindow(win replication.ReplicationWindow, view replication.Bounds, size int, out io.Writer) error {
	c := NewCanvas(size, size, view)
	win.DebugDraw(c)
	return c.EncodePNG(out)
}
