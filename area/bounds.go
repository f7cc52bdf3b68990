package area

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

const earthRadiusKm = 6371.0088

// Box is a latitude/longitude bounding box in degrees.
// When WrapsLongitude is set the longitude range crosses the antimeridian
// or covers the whole circle, and callers must not filter on longitude.
type Box struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
	WrapsLongitude bool
}

// BoundingBox returns the smallest box containing the spherical cap of
// radiusKm around (lat, lon).
func BoundingBox(lat, lon, radiusKm float64) Box {
	center := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	c := s2.CapFromCenterAngle(center, s1.Angle(radiusKm/earthRadiusKm))
	rect := c.RectBound()

	box := Box{
		LatMin: s1.Angle(rect.Lat.Lo).Degrees(),
		LatMax: s1.Angle(rect.Lat.Hi).Degrees(),
		LonMin: s1.Angle(rect.Lng.Lo).Degrees(),
		LonMax: s1.Angle(rect.Lng.Hi).Degrees(),
	}
	if rect.Lng.IsFull() || rect.Lng.IsInverted() {
		box.WrapsLongitude = true
	}
	return box
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * earthRadiusKm
}

// ValidCoordinates reports whether lat/lon are finite and within range.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
