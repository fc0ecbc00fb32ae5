// Package spatial holds the broad-phase index and the lock-free queues the
// world host uses between its network goroutines and its tick goroutine.
//
// Structures store slot indices rather than pointers so the index can be
// rebuilt every tick without allocating.
package spatial

import (
	"math"
)

// SpatialGrid buckets slot indices into fixed-size square cells.
//
// A cell size equal to the largest query radius keeps a query to at most a
// 3x3 block of cells. Cells are stored row-major (cells[row*cols+col]).
type SpatialGrid struct {
	cellSize    float64
	invCellSize float64
	cols, rows  int
	cells       [][]uint32
	scratch     []uint32
	count       int
}

// NewSpatialGrid creates a grid covering worldWidth x worldHeight.
// maxEntities sizes each cell's initial capacity.
func NewSpatialGrid(worldWidth, worldHeight, cellSize float64, maxEntities int) *SpatialGrid {
	if cellSize <= 0 {
		cellSize = math.Max(worldWidth, worldHeight)
	}
	cols := max(int(math.Ceil(worldWidth/cellSize)), 1)
	rows := max(int(math.Ceil(worldHeight/cellSize)), 1)

	cells := make([][]uint32, cols*rows)
	perCell := max(maxEntities/len(cells), 4)
	for i := range cells {
		cells[i] = make([]uint32, 0, perCell)
	}

	return &SpatialGrid{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cols:        cols,
		rows:        rows,
		cells:       cells,
		scratch:     make([]uint32, 0, 64),
	}
}

// Clear empties every cell, keeping capacity.
func (g *SpatialGrid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0]
	}
	g.count = 0
}

// Insert files slot at (x, y). Positions outside the world clamp to the edge cells.
func (g *SpatialGrid) Insert(slot uint32, x, y float64) {
	idx := g.cellIndex(x, y)
	g.cells[idx] = append(g.cells[idx], slot)
	g.count++
}

// Len is the number of slots inserted since the last Clear.
func (g *SpatialGrid) Len() int { return g.count }

func (g *SpatialGrid) clampCol(col int) int { return min(max(col, 0), g.cols-1) }
func (g *SpatialGrid) clampRow(row int) int { return min(max(row, 0), g.rows-1) }

func (g *SpatialGrid) cellIndex(x, y float64) int {
	col := g.clampCol(int(math.Floor(x * g.invCellSize)))
	row := g.clampRow(int(math.Floor(y * g.invCellSize)))
	return row*g.cols + col
}

// QueryRadius returns every slot in a cell overlapping the square around
// (cx, cy). The result may include slots outside radius; callers do the
// exact distance check.
//
// The returned slice is reused by the next call.
func (g *SpatialGrid) QueryRadius(cx, cy, radius float64) []uint32 {
	g.scratch = g.scratch[:0]

	minCol := g.clampCol(int(math.Floor((cx - radius) * g.invCellSize)))
	maxCol := g.clampCol(int(math.Floor((cx + radius) * g.invCellSize)))
	minRow := g.clampRow(int(math.Floor((cy - radius) * g.invCellSize)))
	maxRow := g.clampRow(int(math.Floor((cy + radius) * g.invCellSize)))

	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			g.scratch = append(g.scratch, g.cells[row*g.cols+col]...)
		}
	}
	return g.scratch
}

// QueryCell returns the slots in the cell containing (x, y).
func (g *SpatialGrid) QueryCell(x, y float64) []uint32 {
	return g.cells[g.cellIndex(x, y)]
}

// GridStats describes cell occupancy, for the debug endpoints.
type GridStats struct {
	TotalCells     int     `json:"totalCells"`
	NonEmptyCells  int     `json:"nonEmptyCells"`
	TotalEntities  int     `json:"totalEntities"`
	MaxInCell      int     `json:"maxInCell"`
	AvgPerNonEmpty float64 `json:"avgPerNonEmpty"`
}

func (g *SpatialGrid) Stats() GridStats {
	var s GridStats
	s.TotalCells = len(g.cells)
	for _, cell := range g.cells {
		n := len(cell)
		s.TotalEntities += n
		s.MaxInCell = max(s.MaxInCell, n)
		if n > 0 {
			s.NonEmptyCells++
		}
	}
	if s.NonEmptyCells > 0 {
		s.AvgPerNonEmpty = float64(s.TotalEntities) / float64(s.NonEmptyCells)
	}
	return s
}

// Dimensions returns the grid's column and row counts and its cell size.
func (g *SpatialGrid) Dimensions() (cols, rows int, cellSize float64) {
	return g.cols, g.rows, g.cellSize
}
