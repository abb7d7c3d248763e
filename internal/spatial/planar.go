package spatial

import (
	"math"

	"github.com/annel0/geoworld/internal/vec"
)

// DefaultPlanarCellSize: размер ячейки внутри подземелья по умолчанию, пиксели
const DefaultPlanarCellSize = 32.0

// MaxPlanarCoord ограничивает модуль координат подземелья
const MaxPlanarCoord = 1e9

// PlanarIndex: индекс по евклидовым координатам (x, y) внутри подземелья
type PlanarIndex = Grid[vec.Vec2Float]

// NewPlanarIndex создаёт плоский индекс с квадратными ячейками cellSize
func NewPlanarIndex(cellSize float64) *PlanarIndex {
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		cellSize = DefaultPlanarCellSize
	}
	return newGrid[vec.Vec2Float](planarMetric{cellSize: cellSize}, cellSize)
}

type planarMetric struct {
	cellSize float64
}

func (m planarMetric) valid(p vec.Vec2Float) bool {
	return p.IsFinite() && math.Abs(p.X) <= MaxPlanarCoord && math.Abs(p.Y) <= MaxPlanarCoord
}

func (m planarMetric) cell(p vec.Vec2Float) cellKey {
	return cellKey{
		x: int(math.Floor(p.X / m.cellSize)),
		y: int(math.Floor(p.Y / m.cellSize)),
	}
}

func (m planarMetric) distance(a, b vec.Vec2Float) float64 {
	return a.DistanceTo(b)
}

func (m planarMetric) cover(c vec.Vec2Float, radius float64) cellRange {
	return cellRange{
		minX: math.Floor((c.X - radius) / m.cellSize),
		maxX: math.Floor((c.X + radius) / m.cellSize),
		minY: math.Floor((c.Y - radius) / m.cellSize),
		maxY: math.Floor((c.Y + radius) / m.cellSize),
	}
}
