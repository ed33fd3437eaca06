package main

import "unicode"

func isValidUserID(userID string) bool {
	if userID == "" || len(userID) > 64 {
		return false
	}

	for _, r := range userID {
		if r == '-' || r == '_' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}

func isValidCoords(c LatLng) bool {
	if c.Latitude < -90 || c.Latitude > 90 {
		return false
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return false
	}
	return true
}
