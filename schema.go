package main

import "database/sql"

func ensureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS points_profiles (
			user_id TEXT PRIMARY KEY,
			total BIGINT NOT NULL DEFAULT 0 CHECK (total >= 0),
			lifetime_earned BIGINT NOT NULL DEFAULT 0,
			level INT NOT NULL DEFAULT 1,
			xp_to_next BIGINT NOT NULL DEFAULT 100,
			streak_count INT NOT NULL DEFAULT 0,
			last_daily_award_at TIMESTAMPTZ,
			last_city_report_at TIMESTAMPTZ,
			last_survey_id_voted TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			points BIGINT NOT NULL,
			metadata JSONB,
			idempotency_key TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
			ON ledger_entries (user_id, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS idempotency_claims (
			claim_key TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			window_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_claims_user_event
			ON idempotency_claims (user_id, event_type, window_key);`,

		`CREATE TABLE IF NOT EXISTS streak_bonus_history (
			user_id TEXT NOT NULL,
			milestone INT NOT NULL,
			points BIGINT NOT NULL,
			awarded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, milestone)
		);`,

		`CREATE TABLE IF NOT EXISTS rewards (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			cost BIGINT NOT NULL CHECK (cost > 0),
			merchant_id TEXT NOT NULL,
			city_id TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS redemptions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			reward_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'validated', 'rejected', 'expired')),
			cost BIGINT NOT NULL,
			refunded BOOLEAN NOT NULL DEFAULT FALSE,
			qr_url TEXT NOT NULL,
			city_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_user
			ON redemptions (user_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_pending_expiry
			ON redemptions (expires_at) WHERE status = 'pending';`,

		`CREATE TABLE IF NOT EXISTS referral_codes (
			code TEXT PRIMARY KEY,
			owner_uid TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_referral_codes_owner
			ON referral_codes (owner_uid) WHERE active;`,

		`CREATE TABLE IF NOT EXISTS referral_redemptions (
			redeemer_uid TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			referrer_uid TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS weekly_events (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			starts_at TIMESTAMPTZ NOT NULL,
			geo_lat DOUBLE PRECISION,
			geo_lng DOUBLE PRECISION,
			geo_radius_m DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS attendances (
			event_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			lat DOUBLE PRECISION,
			lng DOUBLE PRECISION,
			distance_m DOUBLE PRECISION,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			photo_ref TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (event_id, user_id)
		);`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
