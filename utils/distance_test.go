package utils

import (
	"math"
	"testing"
)

func TestHaversineDistance(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		expected               float64
		tolerance              float64
	}{
		{"same point", 16.8409, 96.1735, 16.8409, 96.1735, 0, 0},
		{"one degree of latitude", 0, 0, 1, 0, 111194.93, 0.01},
		{"one degree of longitude on the equator", 0, 0, 0, 1, 111194.93, 0.01},
		{"paris to london", 48.8566, 2.3522, 51.5074, -0.1278, 343556, 500},
	}
	for _, tc := range cases {
		got := HaversineDistance(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
		if math.Abs(got-tc.expected) > tc.tolerance {
			t.Fatalf("%s: expected %.2f (±%.2f), got %.2f", tc.name, tc.expected, tc.tolerance, got)
		}
	}
}

func TestHaversineDistance_RoundsToCentimeters(t *testing.T) {
	got := HaversineDistance(16.84090, 96.17350, 16.84093, 96.17352)
	if got != math.Round(got*100)/100 {
		t.Fatalf("expected value rounded to 2 decimals, got %v", got)
	}
	if got <= 0 || got > 10 {
		t.Fatalf("expected a few meters, got %v", got)
	}
}

func TestHaversineDistance_Symmetric(t *testing.T) {
	a := HaversineDistance(16.8, 96.1, 21.9, 96.0)
	b := HaversineDistance(21.9, 96.0, 16.8, 96.1)
	if a != b {
		t.Fatalf("expected symmetric distance, got %v and %v", a, b)
	}
}
