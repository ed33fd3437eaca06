package main

import (
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testDB connects to the database named by TEST_DATABASE_URL and ensures the
// schema. Tests that need a real transactional store skip without it.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping store-backed test")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, ensureSchema(db))

	t.Cleanup(func() { db.Close() })
	return db
}

// testUserID returns a fresh user id so store-backed tests never collide.
func testUserID(t *testing.T) string {
	t.Helper()
	return "u-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func testConfig() *Config {
	return &Config{
		QRBaseURL:     "https://rewards.test",
		RedemptionTTL: 30 * time.Minute,
	}
}

func seedReward(t *testing.T, db *sql.DB, id string, cost int64, merchantID string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO rewards (id, title, cost, merchant_id, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (id) DO UPDATE SET cost = EXCLUDED.cost, merchant_id = EXCLUDED.merchant_id, active = TRUE
	`, id, "Test reward "+id, cost, merchantID)
	require.NoError(t, err)
}

func seedWeeklyEvent(t *testing.T, db *sql.DB, id string, center *LatLng, radiusM float64) {
	t.Helper()
	var lat, lng, radius interface{}
	if center != nil {
		lat, lng = center.Latitude, center.Longitude
	}
	if radiusM > 0 {
		radius = radiusM
	}
	_, err := db.Exec(`
		INSERT INTO weekly_events (id, title, starts_at, geo_lat, geo_lng, geo_radius_m, created_at)
		VALUES ($1, $2, NOW(), $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET geo_lat = EXCLUDED.geo_lat, geo_lng = EXCLUDED.geo_lng, geo_radius_m = EXCLUDED.geo_radius_m
	`, id, "Test event "+id, lat, lng, radius)
	require.NoError(t, err)
}

func userBalance(t *testing.T, db *sql.DB, userID string) int64 {
	t.Helper()
	var total int64
	err := db.QueryRow(`SELECT total FROM points_profiles WHERE user_id = $1`, userID).Scan(&total)
	require.NoError(t, err)
	return total
}

func ledgerSum(t *testing.T, db *sql.DB, userID string) int64 {
	t.Helper()
	var sum int64
	err := db.QueryRow(`
		SELECT COALESCE(SUM(points), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	require.NoError(t, err)
	return sum
}

func ledgerCount(t *testing.T, db *sql.DB, userID, eventType string) int {
	t.Helper()
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1 AND event_type = $2
	`, userID, eventType).Scan(&count)
	require.NoError(t, err)
	return count
}
