package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	referralCodeLength      = 6
	referralCodeMaxAttempts = 5
)

// Alphabet omits 0/O and 1/I, which read ambiguously on printed flyers.
const referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type ReferralResult struct {
	Success         bool
	AlreadyRedeemed bool
	ReferrerUID     string
	ReferrerPoints  int64
	RedeemerPoints  int64
}

func generateReferralCode() (string, error) {
	var b strings.Builder
	for i := 0; i < referralCodeLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(referralCodeAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(referralCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// EnsureReferralCode returns the user's active code, generating one on first
// use. Collisions with existing codes are regenerated a bounded number of
// times before the call fails. A partial unique index on (owner_uid) WHERE
// active holds the one-active-code invariant, so two devices racing here
// converge on whichever insert commits first.
func EnsureReferralCode(ctx context.Context, db *sql.DB, userID string) (string, error) {
	if !isValidUserID(userID) {
		return "", fmt.Errorf("%w: invalid userId", errValidation)
	}

	activeCode := func() (string, error) {
		var code string
		err := db.QueryRowContext(ctx, `
			SELECT code
			FROM referral_codes
			WHERE owner_uid = $1 AND active
			ORDER BY created_at DESC
			LIMIT 1
		`, userID).Scan(&code)
		return code, err
	}

	code, err := activeCode()
	if err == nil {
		return code, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	for attempt := 0; attempt < referralCodeMaxAttempts; attempt++ {
		candidate, err := generateReferralCode()
		if err != nil {
			return "", err
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO referral_codes (code, owner_uid, active, created_at)
			VALUES ($1, $2, TRUE, NOW())
		`, candidate, userID)
		if err == nil {
			return candidate, nil
		}
		if !isUniqueViolation(err) {
			return "", err
		}

		// Either a concurrent call issued this owner's code, or the code
		// value itself collided. An active row for the owner settles it.
		code, err = activeCode()
		if err == nil {
			return code, nil
		}
		if err != sql.ErrNoRows {
			return "", err
		}
	}
	return "", errExhausted
}

// RedeemReferralCode pays out the referrer credit and the redeemer welcome
// bonus. The one-redemption-per-lifetime guard, both awards and the
// redemption record share one transaction, so a retried call cannot pay
// twice.
func RedeemReferralCode(ctx context.Context, db *sql.DB, policy *AwardPolicy, code, redeemerUID string) (ReferralResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ReferralResult{}, fmt.Errorf("%w: code is required", errValidation)
	}
	if !isValidUserID(redeemerUID) {
		return ReferralResult{}, fmt.Errorf("%w: invalid redeemerUid", errValidation)
	}

	var result ReferralResult
	err := runTx(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		var ownerUID string
		var active bool
		err := tx.QueryRow(`
			SELECT owner_uid, active
			FROM referral_codes
			WHERE code = $1
			FOR UPDATE
		`, code).Scan(&ownerUID, &active)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: referral code %q", errNotFound, code)
		}
		if err != nil {
			return err
		}
		if !active {
			return fmt.Errorf("%w: referral code %q", errNotFound, code)
		}
		if ownerUID == redeemerUID {
			return fmt.Errorf("%w: self-referral", errForbidden)
		}

		var priorCode string
		err = tx.QueryRow(`
			SELECT code FROM referral_redemptions WHERE redeemer_uid = $1
		`, redeemerUID).Scan(&priorCode)
		if err == nil {
			result = ReferralResult{AlreadyRedeemed: true, ReferrerUID: ownerUID}
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO referral_redemptions (redeemer_uid, code, referrer_uid, created_at)
			VALUES ($1, $2, $3, $4)
		`, redeemerUID, code, ownerUID, now); err != nil {
			if isUniqueViolation(err) {
				return errClaimRace
			}
			return err
		}

		referrerAward, err := awardInTx(tx, policy, ownerUID, EventReferralSignup, AwardMetadata{ReferredUID: redeemerUID}, now)
		if err != nil {
			return err
		}
		redeemerAward, err := awardInTx(tx, policy, redeemerUID, EventReferralWelcome, AwardMetadata{}, now)
		if err != nil {
			return err
		}

		result = ReferralResult{
			Success:        true,
			ReferrerUID:    ownerUID,
			ReferrerPoints: referrerAward.PointsGranted,
			RedeemerPoints: redeemerAward.PointsGranted,
		}
		return nil
	})
	if err != nil {
		return ReferralResult{}, err
	}
	return result, nil
}
