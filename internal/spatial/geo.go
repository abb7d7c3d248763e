package spatial

import (
	"math"

	"github.com/annel0/geoworld/internal/vec"
)

// DefaultGeoCellSize: размер ячейки поверхности по умолчанию, метры
const DefaultGeoCellSize = 500.0

// GeoIndex: индекс по широте/долготе с ячейками фиксированного размера в метрах
type GeoIndex = Grid[vec.LatLng]

// NewGeoIndex создаёт географический индекс с ячейками cellSizeMeters × cellSizeMeters.
//
// Ячейки строятся в равнопромежуточном приближении: метры на градус долготы
// пересчитываются по широте самой точки. Вблизи полюсов и через меридиан ±180°
// приближение не корректируется.
func NewGeoIndex(cellSizeMeters float64) *GeoIndex {
	if cellSizeMeters <= 0 || math.IsNaN(cellSizeMeters) || math.IsInf(cellSizeMeters, 0) {
		cellSizeMeters = DefaultGeoCellSize
	}
	return newGrid[vec.LatLng](geoMetric{cellSize: cellSizeMeters}, cellSizeMeters)
}

type geoMetric struct {
	cellSize float64
}

func (m geoMetric) valid(p vec.LatLng) bool {
	return p.IsValid()
}

func (m geoMetric) cell(p vec.LatLng) cellKey {
	return cellKey{
		x: int(math.Floor(p.Lat * vec.MetersPerDegreeLat / m.cellSize)),
		y: int(math.Floor(p.Lng * vec.MetersPerDegreeLng(p.Lat) / m.cellSize)),
	}
}

func (m geoMetric) distance(a, b vec.LatLng) float64 {
	return vec.Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// cover переводит радиус в градусы и возвращает диапазон ячеек прямоугольника.
//
// Индекс долготы ячейки зависит от широты точки, поэтому границы по y
// считаются по всему поясу широт прямоугольника, а не только по центру.
func (m geoMetric) cover(c vec.LatLng, radius float64) cellRange {
	// Угловой радиус круга на сфере
	delta := radius / vec.EarthRadiusM

	dLat := math.Max(radius/vec.MetersPerDegreeLat, vec.ToDegrees(delta))
	latMin := math.Max(c.Lat-dLat, -90)
	latMax := math.Min(c.Lat+dLat, 90)

	cosMin := math.Min(math.Cos(vec.ToRadians(latMin)), math.Cos(vec.ToRadians(latMax)))
	cosMax := math.Max(math.Cos(vec.ToRadians(latMin)), math.Cos(vec.ToRadians(latMax)))
	if latMin <= 0 && latMax >= 0 {
		cosMax = 1
	}

	rng := cellRange{
		minX: math.Floor(latMin * vec.MetersPerDegreeLat / m.cellSize),
		maxX: math.Floor(latMax * vec.MetersPerDegreeLat / m.cellSize),
		minY: math.Inf(-1),
		maxY: math.Inf(1),
	}

	// Полюс внутри круга: долгота не ограничена
	sinDelta := math.Sin(delta)
	cosCenter := math.Cos(vec.ToRadians(c.Lat))
	if cosMin <= 1e-12 || delta >= math.Pi/2 || sinDelta >= cosCenter {
		return rng
	}

	dLng := math.Max(
		radius/(vec.MetersPerDegreeLat*cosMin),
		vec.ToDegrees(math.Asin(sinDelta/cosCenter)),
	)
	lngMin := c.Lng - dLng
	lngMax := c.Lng + dLng

	// Проекция lng·k, где k = 111111·cos(lat) лежит в [kMin, kMax]
	kMin := vec.MetersPerDegreeLat * cosMin
	kMax := vec.MetersPerDegreeLat * cosMax
	lo := math.Min(math.Min(lngMin*kMin, lngMin*kMax), math.Min(lngMax*kMin, lngMax*kMax))
	hi := math.Max(math.Max(lngMin*kMin, lngMin*kMax), math.Max(lngMax*kMin, lngMax*kMax))

	rng.minY = math.Floor(lo / m.cellSize)
	rng.maxY = math.Floor(hi / m.cellSize)
	return rng
}
