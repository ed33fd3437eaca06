package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// AwardMetadata carries the identity part of non-time windows. Point values
// are never read from here; the policy table is authoritative.
type AwardMetadata struct {
	PollID      string `json:"pollId,omitempty"`
	EventID     string `json:"eventId,omitempty"`
	Platform    string `json:"platform,omitempty"`
	ReferredUID string `json:"referredUid,omitempty"`
}

type AwardResult struct {
	Success        bool
	AlreadyAwarded bool
	PointsGranted  int64
	NewTotal       int64
	StreakCount    int
	StreakBonus    int64
}

// externallyAwardable lists the event types the award endpoint accepts.
// Referral payouts and streak bonuses are only reachable through their own
// transaction paths.
var externallyAwardable = map[string]bool{
	EventAppOpenDaily:     true,
	EventPollVote:         true,
	EventCityReport:       true,
	EventWeeklyAttendance: true,
	EventSocialFollow:     true,
}

const cityReportCooldown = 6 * time.Hour

// AwardPointsEvent decides whether one triggering action earns points and,
// when it does, commits claim + ledger entry + profile update as a single
// transaction. A duplicate within the window is a normal no-op outcome.
func AwardPointsEvent(ctx context.Context, db *sql.DB, policy *AwardPolicy, userID, eventType string, meta AwardMetadata) (AwardResult, error) {
	if !isValidUserID(userID) {
		return AwardResult{}, fmt.Errorf("%w: invalid userId", errValidation)
	}
	if !externallyAwardable[eventType] {
		return AwardResult{}, fmt.Errorf("%w: unknown event type %q", errValidation, eventType)
	}

	var result AwardResult
	err := runTx(ctx, db, func(tx *sql.Tx) error {
		var txErr error
		result, txErr = awardInTx(tx, policy, userID, eventType, meta, time.Now().UTC())
		return txErr
	})
	if err != nil {
		return AwardResult{}, err
	}
	return result, nil
}

// awardInTx runs the award inside an already-open transaction so the
// referral engine can share a boundary with its redemption guard.
func awardInTx(tx *sql.Tx, policy *AwardPolicy, userID, eventType string, meta AwardMetadata, now time.Time) (AwardResult, error) {
	rule, ok := policy.Rule(eventType)
	if !ok {
		return AwardResult{}, fmt.Errorf("%w: unknown event type %q", errValidation, eventType)
	}

	profile, err := lockProfileForUpdate(tx, userID)
	if err != nil {
		return AwardResult{}, err
	}

	duplicate := AwardResult{
		AlreadyAwarded: true,
		NewTotal:       profile.Total,
		StreakCount:    profile.StreakCount,
	}

	switch eventType {
	case EventCityReport:
		if profile.LastCityReportAt.Valid && now.Sub(profile.LastCityReportAt.Time) < cityReportCooldown {
			return duplicate, nil
		}
	case EventPollVote:
		votes, err := countDayClaims(tx, userID, eventType, now)
		if err != nil {
			return AwardResult{}, err
		}
		if votes >= rule.CapPerDay {
			return duplicate, nil
		}
	case EventWeeklyAttendance:
		verified, err := attendanceVerified(tx, meta.EventID, userID)
		if err != nil {
			return AwardResult{}, err
		}
		if !verified {
			return AwardResult{}, fmt.Errorf("%w: no verified attendance for event %q", errNotEligible, meta.EventID)
		}
	}

	windowKey, err := windowKeyFor(rule, now, meta)
	if err != nil {
		return AwardResult{}, err
	}

	claimed, err := tryClaim(tx, userID, eventType, windowKey, now)
	if err != nil {
		return AwardResult{}, err
	}
	if !claimed {
		return duplicate, nil
	}

	points := int64(rule.Points)
	key := claimKey(userID, eventType, windowKey)
	if _, err := appendLedgerTx(tx, userID, eventType, points, meta, key, now); err != nil {
		return AwardResult{}, err
	}

	profile.Total += points
	profile.LifetimeEarned += points

	switch eventType {
	case EventCityReport:
		profile.LastCityReportAt = sql.NullTime{Time: now, Valid: true}
	case EventPollVote:
		profile.LastSurveyIDVoted = sql.NullString{String: meta.PollID, Valid: true}
	}

	result := AwardResult{
		Success:       true,
		PointsGranted: points,
		StreakCount:   profile.StreakCount,
	}

	if rule.Streaked {
		bonus := applyStreak(tx, policy, profile, now)
		result.StreakCount = profile.StreakCount
		result.StreakBonus = bonus
	}

	if err := saveProfileTx(tx, profile, now); err != nil {
		return AwardResult{}, err
	}

	result.NewTotal = profile.Total
	return result, nil
}

// applyStreak updates the consecutive-day count on a newly granted daily
// open and claims the milestone bonus when one is crossed. A bonus that
// cannot be claimed never rolls back the daily award.
func applyStreak(tx *sql.Tx, policy *AwardPolicy, profile *PointsProfile, now time.Time) int64 {
	last := time.Time{}
	if profile.LastDailyAwardAt.Valid {
		last = profile.LastDailyAwardAt.Time
	}
	profile.StreakCount = nextStreakCount(last, profile.StreakCount, now)
	profile.LastDailyAwardAt = sql.NullTime{Time: now, Valid: true}

	bonusPoints, ok := policy.StreakBonus(profile.StreakCount)
	if !ok {
		return 0
	}

	windowKey := milestoneWindowKey(profile.StreakCount)
	claimed, err := tryClaim(tx, profile.UserID, EventStreakBonus, windowKey, now)
	if err != nil || !claimed {
		if err != nil {
			log.Printf("streak bonus claim failed user=%s milestone=%d: %v", profile.UserID, profile.StreakCount, err)
		}
		return 0
	}

	points := int64(bonusPoints)
	key := claimKey(profile.UserID, EventStreakBonus, windowKey)
	meta := map[string]int{"milestone": profile.StreakCount}
	if _, err := appendLedgerTx(tx, profile.UserID, EventStreakBonus, points, meta, key, now); err != nil {
		log.Printf("streak bonus ledger append failed user=%s milestone=%d: %v", profile.UserID, profile.StreakCount, err)
		return 0
	}
	if _, err := tx.Exec(`
		INSERT INTO streak_bonus_history (user_id, milestone, points, awarded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, milestone) DO NOTHING
	`, profile.UserID, profile.StreakCount, points, now); err != nil {
		log.Printf("streak bonus history insert failed user=%s: %v", profile.UserID, err)
		return 0
	}

	profile.Total += points
	profile.LifetimeEarned += points
	return points
}

// tryClaim is the distributed compare-and-set: the claim either comes into
// existence together with the rest of the transaction or the award is a
// duplicate. A unique violation here means another transaction won the race
// after our existence check; the caller retries and then observes the claim.
func tryClaim(tx *sql.Tx, userID, eventType, windowKey string, now time.Time) (bool, error) {
	key := claimKey(userID, eventType, windowKey)

	var exists bool
	if err := tx.QueryRow(`
		SELECT EXISTS (SELECT 1 FROM idempotency_claims WHERE claim_key = $1)
	`, key).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO idempotency_claims (claim_key, user_id, event_type, window_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key, userID, eventType, windowKey, now); err != nil {
		if isUniqueViolation(err) {
			return false, errClaimRace
		}
		return false, err
	}
	return true, nil
}

func countDayClaims(tx *sql.Tx, userID, eventType string, now time.Time) (int, error) {
	var count int
	err := tx.QueryRow(`
		SELECT COUNT(*)
		FROM idempotency_claims
		WHERE user_id = $1 AND event_type = $2 AND window_key LIKE $3
	`, userID, eventType, calendarDayKey(now)+"#%").Scan(&count)
	return count, err
}

func attendanceVerified(tx *sql.Tx, eventID, userID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	var verified bool
	err := tx.QueryRow(`
		SELECT verified
		FROM attendances
		WHERE event_id = $1 AND user_id = $2
	`, eventID, userID).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return verified, nil
}
