package main

import "math"

const earthRadiusMeters = 6371000.0

type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type GeofenceResult struct {
	DistanceMeters float64 `json:"distanceMeters"`
	IsInside       bool    `json:"isInside"`
}

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(a, b LatLng) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// isWithinRadius reports whether coords fall inside the geofence. An event
// with no configured center or radius accepts any submission, including one
// with no coordinates at all.
func isWithinRadius(center *LatLng, radiusMeters float64, coords *LatLng) GeofenceResult {
	if center == nil || radiusMeters <= 0 {
		return GeofenceResult{IsInside: true}
	}
	if coords == nil {
		return GeofenceResult{IsInside: false}
	}

	distance := haversineMeters(*center, *coords)
	return GeofenceResult{
		DistanceMeters: distance,
		IsInside:       distance <= radiusMeters,
	}
}
