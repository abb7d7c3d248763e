package vec

import "math"

const (
	// EarthRadiusM: радиус Земли в метрах для формулы гаверсинуса.
	EarthRadiusM = 6371000.0

	// MetersPerDegreeLat: приближённое число метров в одном градусе широты.
	// Для долготы значение домножается на cos(широты).
	MetersPerDegreeLat = 111111.0
)

// LatLng представляет географическую точку в градусах
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceTo возвращает расстояние по большому кругу (гаверсинус) в метрах
func (p LatLng) DistanceTo(other LatLng) float64 {
	return Haversine(p.Lat, p.Lng, other.Lat, other.Lng)
}

// IsFinite сообщает, что обе координаты конечны
func (p LatLng) IsFinite() bool {
	return isFinite(p.Lat) && isFinite(p.Lng)
}

// IsValid проверяет попадание в допустимые диапазоны широты и долготы
func (p LatLng) IsValid() bool {
	return p.IsFinite() && p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Haversine вычисляет расстояние между двумя точками на сфере радиуса EarthRadiusM.
//
//	a = sin²(Δlat/2) + cos(lat1)·cos(lat2)·sin²(Δlng/2)
//	d = 2·R·atan2(√a, √(1−a))
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := ToRadians(lat1)
	phi2 := ToRadians(lat2)
	dPhi := ToRadians(lat2 - lat1)
	dLambda := ToRadians(lng2 - lng1)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)

	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// Погрешность округления может дать a чуть больше 1
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// MetersPerDegreeLng возвращает число метров в градусе долготы на заданной широте
func MetersPerDegreeLng(lat float64) float64 {
	return MetersPerDegreeLat * math.Cos(ToRadians(lat))
}

// ToRadians переводит градусы в радианы
func ToRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// ToDegrees переводит радианы в градусы
func ToDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
