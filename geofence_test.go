package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metersPerDegreeLat at Earth radius 6,371,000 m.
const metersPerDegreeLat = 111194.92664455873

func pointNorthOf(center LatLng, meters float64) LatLng {
	return LatLng{
		Latitude:  center.Latitude + meters/metersPerDegreeLat,
		Longitude: center.Longitude,
	}
}

func TestHaversineMeters_KnownDistances(t *testing.T) {
	center := LatLng{Latitude: -1.67, Longitude: -78.65}

	// Accuracy within a few meters for short distances.
	assert.InDelta(t, 150, haversineMeters(center, pointNorthOf(center, 150)), 1)
	assert.InDelta(t, 250, haversineMeters(center, pointNorthOf(center, 250)), 1)
	assert.InDelta(t, 10000, haversineMeters(center, pointNorthOf(center, 10000)), 5)

	// Zero distance.
	assert.Equal(t, 0.0, haversineMeters(center, center))
}

func TestIsWithinRadius_InsideAndOutside(t *testing.T) {
	center := LatLng{Latitude: -1.67, Longitude: -78.65}

	inside := isWithinRadius(&center, 200, &LatLng{
		Latitude:  center.Latitude + 150/metersPerDegreeLat,
		Longitude: center.Longitude,
	})
	require.True(t, inside.IsInside)
	assert.InDelta(t, 150, inside.DistanceMeters, 1)

	outside := isWithinRadius(&center, 200, &LatLng{
		Latitude:  center.Latitude + 250/metersPerDegreeLat,
		Longitude: center.Longitude,
	})
	require.False(t, outside.IsInside)
	assert.InDelta(t, 250, outside.DistanceMeters, 1)
}

func TestIsWithinRadius_BoundaryIsInside(t *testing.T) {
	center := LatLng{Latitude: -1.67, Longitude: -78.65}

	// A point computed at the radius itself counts as inside.
	at := isWithinRadius(&center, 200, pointNorthOfPtr(center, 199.5))
	assert.True(t, at.IsInside)
}

func pointNorthOfPtr(center LatLng, meters float64) *LatLng {
	p := pointNorthOf(center, meters)
	return &p
}

func TestIsWithinRadius_NoGeofence(t *testing.T) {
	anywhere := &LatLng{Latitude: 51.5, Longitude: -0.12}

	// No center configured.
	assert.True(t, isWithinRadius(nil, 200, anywhere).IsInside)

	// No radius configured.
	center := LatLng{Latitude: -1.67, Longitude: -78.65}
	assert.True(t, isWithinRadius(&center, 0, anywhere).IsInside)

	// No geofence accepts even a missing position.
	assert.True(t, isWithinRadius(nil, 0, nil).IsInside)
}

func TestIsWithinRadius_MissingCoordsWithGeofence(t *testing.T) {
	center := LatLng{Latitude: -1.67, Longitude: -78.65}
	assert.False(t, isWithinRadius(&center, 200, nil).IsInside)
}
