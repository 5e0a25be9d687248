package geo

import "math"

// EarthRadiusMeters — радиус Земли для вычисления расстояний по большой окружности.
const EarthRadiusMeters = 6371000.0

// ValidLatitude проверяет, что широта лежит в диапазоне [-90, 90].
func ValidLatitude(lat float64) bool {
	return lat >= -90 && lat <= 90
}

// ValidLongitude проверяет, что долгота лежит в диапазоне [-180, 180].
func ValidLongitude(lon float64) bool {
	return lon >= -180 && lon <= 180
}

// Distance вычисляет расстояние между двумя точками по формуле гаверсинусов.
// Результат в метрах.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Midpoint возвращает покомпонентное среднее двух точек.
// Для близких точек (десятки метров) этого достаточно; для антимеридиана
// результат не определён, вызывающая сторона сама ограничивает дистанцию.
func Midpoint(lat1, lon1, lat2, lon2 float64) (float64, float64) {
	return (lat1 + lat2) / 2, (lon1 + lon2) / 2
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
