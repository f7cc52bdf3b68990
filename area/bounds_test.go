package area

import (
	"math"
	"testing"
)

func TestBoundingBox(t *testing.T) {
	testCases := []struct {
		name      string
		lat, lon  float64
		radiusKm  float64
		wraps     bool
		latSpread float64
	}{
		{
			name: "Mumbai 10km", lat: 19.076, lon: 72.8777, radiusKm: 10,
			wraps: false, latSpread: 0.09,
		}, {
			name: "Antimeridian", lat: 0, lon: 179.99, radiusKm: 50,
			wraps: true, latSpread: 0.45,
		},
	}

	for _, testCase := range testCases {
		box := BoundingBox(testCase.lat, testCase.lon, testCase.radiusKm)
		if box.WrapsLongitude != testCase.wraps {
			t.Errorf("%s, wraps: expected %v, got %v", testCase.name, testCase.wraps, box.WrapsLongitude)
		}
		if box.LatMin > testCase.lat || box.LatMax < testCase.lat {
			t.Errorf("%s: latitude %v outside [%v, %v]", testCase.name, testCase.lat, box.LatMin, box.LatMax)
		}
		if math.Abs((testCase.lat-box.LatMin)-testCase.latSpread) > 0.01 {
			t.Errorf("%s, lat spread: expected ~%v, got %v", testCase.name, testCase.latSpread, testCase.lat-box.LatMin)
		}
		if !box.WrapsLongitude && (box.LonMin > testCase.lon || box.LonMax < testCase.lon) {
			t.Errorf("%s: longitude %v outside [%v, %v]", testCase.name, testCase.lon, box.LonMin, box.LonMax)
		}
	}
}

func TestBoundingBoxCoversPole(t *testing.T) {
	box := BoundingBox(89.99, 0, 20)
	if !box.WrapsLongitude {
		t.Errorf("expected a polar cap to cover all longitudes")
	}
	if math.Abs(box.LatMax-90) > 1e-9 {
		t.Errorf("expected LatMax 90, got %v", box.LatMax)
	}
}

func TestDistanceKm(t *testing.T) {
	// Mumbai to Pune
	d := DistanceKm(19.076, 72.8777, 18.5204, 73.8567)
	if d < 115 || d > 125 {
		t.Errorf("expected ~120km, got %v", d)
	}
	if d := DistanceKm(10, 10, 10, 10); d != 0 {
		t.Errorf("expected 0 for identical points, got %v", d)
	}
}

func TestValidCoordinates(t *testing.T) {
	testCases := []struct {
		lat, lon float64
		expected bool
	}{
		{19.076, 72.8777, true},
		{90, 180, true},
		{-90, -180, true},
		{90.0001, 0, false},
		{0, -180.5, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
	}
	for _, testCase := range testCases {
		if got := ValidCoordinates(testCase.lat, testCase.lon); got != testCase.expected {
			t.Errorf("ValidCoordinates(%v, %v): expected %v, got %v", testCase.lat, testCase.lon, testCase.expected, got)
		}
	}
}
