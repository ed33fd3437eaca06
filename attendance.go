package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

type WeeklyEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"startsAt"`
	Center   *LatLng   `json:"center,omitempty"`
	RadiusM  float64   `json:"radiusMeters,omitempty"`
}

type Attendance struct {
	EventID        string   `json:"eventId"`
	UserID         string   `json:"userId"`
	Coords         *LatLng  `json:"coords,omitempty"`
	DistanceMeters *float64 `json:"distanceMeters,omitempty"`
	Verified       bool     `json:"verified"`
	PhotoRef       string   `json:"photoRef,omitempty"`
}

func loadWeeklyEvent(tx *sql.Tx, eventID string) (*WeeklyEvent, error) {
	var event WeeklyEvent
	var lat, lng, radius sql.NullFloat64
	err := tx.QueryRow(`
		SELECT id, title, starts_at, geo_lat, geo_lng, geo_radius_m
		FROM weekly_events
		WHERE id = $1
	`, eventID).Scan(&event.ID, &event.Title, &event.StartsAt, &lat, &lng, &radius)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: weekly event %q", errNotFound, eventID)
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		event.Center = &LatLng{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	if radius.Valid {
		event.RadiusM = radius.Float64
	}
	return &event, nil
}

// MarkEventReported records an attendance submission and computes its
// geofence verdict. It never grants points; a separate award call gated on
// verified does. A submission may upgrade an unverified attendance, but a
// verified one that already earned points is immutable.
func MarkEventReported(ctx context.Context, db *sql.DB, eventID, userID string, coords *LatLng, photoRef string) (*Attendance, error) {
	if !isValidUserID(userID) {
		return nil, fmt.Errorf("%w: invalid userId", errValidation)
	}
	if eventID == "" {
		return nil, fmt.Errorf("%w: eventId is required", errValidation)
	}
	if coords != nil && !isValidCoords(*coords) {
		return nil, fmt.Errorf("%w: coordinates out of range", errValidation)
	}

	var attendance *Attendance
	err := runTx(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		event, err := loadWeeklyEvent(tx, eventID)
		if err != nil {
			return err
		}

		var priorVerified sql.NullBool
		err = tx.QueryRow(`
			SELECT verified
			FROM attendances
			WHERE event_id = $1 AND user_id = $2
			FOR UPDATE
		`, eventID, userID).Scan(&priorVerified)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if priorVerified.Valid && priorVerified.Bool {
			rewarded, err := attendanceRewarded(tx, eventID, userID)
			if err != nil {
				return err
			}
			if rewarded {
				return fmt.Errorf("%w: attendance already rewarded", errConflict)
			}
		}

		verdict := isWithinRadius(event.Center, event.RadiusM, coords)
		if event.Center == nil || event.RadiusM <= 0 {
			log.Printf("attendance without geofence: event=%s user=%s accepted unconditionally", eventID, userID)
		}

		var latValue, lngValue, distValue interface{}
		if coords != nil {
			latValue, lngValue = coords.Latitude, coords.Longitude
			distValue = verdict.DistanceMeters
		}

		if _, err := tx.Exec(`
			INSERT INTO attendances (event_id, user_id, lat, lng, distance_m, verified, photo_ref, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $8)
			ON CONFLICT (event_id, user_id) DO UPDATE SET
				lat = EXCLUDED.lat,
				lng = EXCLUDED.lng,
				distance_m = EXCLUDED.distance_m,
				verified = EXCLUDED.verified,
				photo_ref = COALESCE(EXCLUDED.photo_ref, attendances.photo_ref),
				updated_at = EXCLUDED.updated_at
		`, eventID, userID, latValue, lngValue, distValue, verdict.IsInside, photoRef, now); err != nil {
			return err
		}

		attendance = &Attendance{
			EventID:  eventID,
			UserID:   userID,
			Coords:   coords,
			Verified: verdict.IsInside,
			PhotoRef: photoRef,
		}
		if coords != nil {
			d := verdict.DistanceMeters
			attendance.DistanceMeters = &d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attendance, nil
}

// attendanceRewarded reports whether points were already granted against
// this attendance, which freezes its verified flag.
func attendanceRewarded(tx *sql.Tx, eventID, userID string) (bool, error) {
	key := claimKey(userID, EventWeeklyAttendance, "event-"+eventID)
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM idempotency_claims WHERE claim_key = $1)
	`, key).Scan(&exists)
	return exists, err
}
