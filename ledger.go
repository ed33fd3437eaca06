package main

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PointsProfile struct {
	UserID            string
	Total             int64
	LifetimeEarned    int64
	Level             int
	XPToNext          int64
	StreakCount       int
	LastDailyAwardAt  sql.NullTime
	LastCityReportAt  sql.NullTime
	LastSurveyIDVoted sql.NullString
	UpdatedAt         time.Time
}

type LedgerEntry struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	EventType      string          `json:"eventType"`
	Points         int64           `json:"points"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// lockProfileForUpdate loads the profile row under FOR UPDATE, creating it
// lazily on first contact. All balance mutations go through this lock.
func lockProfileForUpdate(tx *sql.Tx, userID string) (*PointsProfile, error) {
	var p PointsProfile

	scan := func() error {
		return tx.QueryRow(`
			SELECT user_id, total, lifetime_earned, level, xp_to_next, streak_count,
				last_daily_award_at, last_city_report_at, last_survey_id_voted, updated_at
			FROM points_profiles
			WHERE user_id = $1
			FOR UPDATE
		`, userID).Scan(
			&p.UserID, &p.Total, &p.LifetimeEarned, &p.Level, &p.XPToNext, &p.StreakCount,
			&p.LastDailyAwardAt, &p.LastCityReportAt, &p.LastSurveyIDVoted, &p.UpdatedAt,
		)
	}

	err := scan()
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`
			INSERT INTO points_profiles (user_id)
			VALUES ($1)
			ON CONFLICT (user_id) DO NOTHING
		`, userID); err != nil {
			return nil, err
		}
		err = scan()
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func saveProfileTx(tx *sql.Tx, p *PointsProfile, now time.Time) error {
	p.Level, p.XPToNext = levelFor(p.LifetimeEarned)
	_, err := tx.Exec(`
		UPDATE points_profiles
		SET total = $2,
			lifetime_earned = $3,
			level = $4,
			xp_to_next = $5,
			streak_count = $6,
			last_daily_award_at = $7,
			last_city_report_at = $8,
			last_survey_id_voted = $9,
			updated_at = $10
		WHERE user_id = $1
	`, p.UserID, p.Total, p.LifetimeEarned, p.Level, p.XPToNext, p.StreakCount,
		p.LastDailyAwardAt, p.LastCityReportAt, p.LastSurveyIDVoted, now)
	return err
}

// appendLedgerTx writes one immutable signed point movement. Every profile
// mutation in the engine shares a transaction with exactly one of these.
func appendLedgerTx(tx *sql.Tx, userID, eventType string, points int64, metadata interface{}, idempotencyKey string, now time.Time) (string, error) {
	entryID := uuid.NewString()

	var metaJSON interface{}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", err
		}
		metaJSON = string(raw)
	}

	var keyValue sql.NullString
	if idempotencyKey != "" {
		keyValue = sql.NullString{String: idempotencyKey, Valid: true}
	}

	_, err := tx.Exec(`
		INSERT INTO ledger_entries (id, user_id, event_type, points, metadata, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entryID, userID, eventType, points, metaJSON, keyValue, now)
	if err != nil {
		return "", err
	}
	return entryID, nil
}

func loadProfile(db *sql.DB, userID string) (*PointsProfile, error) {
	var p PointsProfile
	err := db.QueryRow(`
		SELECT user_id, total, lifetime_earned, level, xp_to_next, streak_count,
			last_daily_award_at, last_city_report_at, last_survey_id_voted, updated_at
		FROM points_profiles
		WHERE user_id = $1
	`, userID).Scan(
		&p.UserID, &p.Total, &p.LifetimeEarned, &p.Level, &p.XPToNext, &p.StreakCount,
		&p.LastDailyAwardAt, &p.LastCityReportAt, &p.LastSurveyIDVoted, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func recentLedgerEntries(db *sql.DB, userID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := db.Query(`
		SELECT id, user_id, event_type, points, COALESCE(metadata::text, ''), COALESCE(idempotency_key, ''), created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []LedgerEntry{}
	for rows.Next() {
		var entry LedgerEntry
		var meta string
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.EventType, &entry.Points, &meta, &entry.IdempotencyKey, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" {
			entry.Metadata = json.RawMessage(meta)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type LeaderboardRow struct {
	Rank           int    `json:"rank"`
	UserID         string `json:"userId"`
	Total          int64  `json:"total"`
	Level          int    `json:"level"`
	StreakCount    int    `json:"streakCount"`
	LifetimeEarned int64  `json:"lifetimeEarned"`
}

func queryLeaderboard(db *sql.DB, page, pageSize int) ([]LeaderboardRow, int, error) {
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM points_profiles`).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	rows, err := db.Query(`
		SELECT
			ROW_NUMBER() OVER (ORDER BY lifetime_earned DESC, updated_at ASC, user_id ASC) AS rank,
			user_id, total, level, streak_count, lifetime_earned
		FROM points_profiles
		ORDER BY lifetime_earned DESC, updated_at ASC, user_id ASC
		LIMIT $1 OFFSET $2
	`, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := []LeaderboardRow{}
	for rows.Next() {
		var row LeaderboardRow
		if err := rows.Scan(&row.Rank, &row.UserID, &row.Total, &row.Level, &row.StreakCount, &row.LifetimeEarned); err != nil {
			return nil, 0, err
		}
		results = append(results, row)
	}
	return results, total, rows.Err()
}
