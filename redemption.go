package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	RedemptionPending   = "pending"
	RedemptionValidated = "validated"
	RedemptionRejected  = "rejected"
	RedemptionExpired   = "expired"
)

type Reward struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Cost       int64  `json:"cost"`
	MerchantID string `json:"merchantId"`
	CityID     string `json:"cityId,omitempty"`
	Active     bool   `json:"active"`
}

type Redemption struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	RewardID   string     `json:"rewardId"`
	MerchantID string     `json:"merchantId"`
	Status     string     `json:"status"`
	Cost       int64      `json:"cost"`
	Refunded   bool       `json:"refunded"`
	QRURL      string     `json:"qrUrl"`
	CityID     string     `json:"cityId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// CreateRedemption debits the balance and issues a pending voucher in one
// transaction. Concurrent attempts for the same user serialize on the
// profile row lock, so the balance check and the debit are never split.
func CreateRedemption(ctx context.Context, db *sql.DB, cfg *Config, userID, rewardID, merchantID, cityID string) (*Redemption, int64, error) {
	if !isValidUserID(userID) {
		return nil, 0, fmt.Errorf("%w: invalid userId", errValidation)
	}
	if rewardID == "" || merchantID == "" {
		return nil, 0, fmt.Errorf("%w: rewardId and merchantId are required", errValidation)
	}

	var redemption *Redemption
	var newTotal int64
	err := runTx(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		profile, err := lockProfileForUpdate(tx, userID)
		if err != nil {
			return err
		}

		var reward Reward
		err = tx.QueryRow(`
			SELECT id, title, cost, merchant_id, COALESCE(city_id, ''), active
			FROM rewards
			WHERE id = $1
		`, rewardID).Scan(&reward.ID, &reward.Title, &reward.Cost, &reward.MerchantID, &reward.CityID, &reward.Active)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: reward %q", errNotFound, rewardID)
		}
		if err != nil {
			return err
		}
		if !reward.Active {
			return fmt.Errorf("%w: reward %q is inactive", errNotFound, rewardID)
		}
		if reward.MerchantID != merchantID {
			return fmt.Errorf("%w: reward does not belong to merchant", errForbidden)
		}

		if profile.Total < reward.Cost {
			return errInsufficientPoints
		}

		redemptionID := uuid.NewString()
		qrURL := redemptionQRURL(cfg.QRBaseURL, redemptionID)
		expiresAt := now.Add(cfg.RedemptionTTL)

		if _, err := appendLedgerTx(tx, userID, EventRedemption, -reward.Cost, map[string]string{
			"redemptionId": redemptionID,
			"rewardId":     reward.ID,
		}, redemptionID, now); err != nil {
			return err
		}

		profile.Total -= reward.Cost
		newTotal = profile.Total
		if err := saveProfileTx(tx, profile, now); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO redemptions (id, user_id, reward_id, merchant_id, status, cost, qr_url, city_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, 'pending', $5, $6, NULLIF($7, ''), $8, $9)
		`, redemptionID, userID, reward.ID, merchantID, reward.Cost, qrURL, cityID, now, expiresAt); err != nil {
			return err
		}

		redemption = &Redemption{
			ID:         redemptionID,
			UserID:     userID,
			RewardID:   reward.ID,
			MerchantID: merchantID,
			Status:     RedemptionPending,
			Cost:       reward.Cost,
			QRURL:      qrURL,
			CityID:     cityID,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return redemption, newTotal, nil
}

func redemptionQRURL(baseURL, redemptionID string) string {
	return baseURL + "/r/" + redemptionID
}

// ResolveRedemption applies a merchant decision. Only pending vouchers move;
// validated, rejected and expired are terminal. Resolving never touches the
// ledger: a rejection keeps the debit until an explicit refund.
func ResolveRedemption(ctx context.Context, db *sql.DB, redemptionID, merchantID, newStatus string) (*Redemption, error) {
	if newStatus != RedemptionValidated && newStatus != RedemptionRejected {
		return nil, fmt.Errorf("%w: unsupported transition to %q", errValidation, newStatus)
	}

	var resolved *Redemption
	var lazyExpired bool
	err := runTx(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		r, err := lockRedemption(tx, redemptionID)
		if err != nil {
			return err
		}
		if r.MerchantID != merchantID {
			return fmt.Errorf("%w: redemption belongs to another merchant", errForbidden)
		}

		if r.Status == RedemptionPending && now.After(r.ExpiresAt) {
			// Commit the expiry; the error is surfaced after the tx so the
			// status write is not rolled back with it.
			lazyExpired = true
			return markExpiredTx(tx, r, now)
		}
		if r.Status != RedemptionPending {
			if r.Status == RedemptionExpired {
				return fmt.Errorf("%w: redemption past TTL", errExpired)
			}
			return fmt.Errorf("%w: redemption already %s", errConflict, r.Status)
		}

		if _, err := tx.Exec(`
			UPDATE redemptions
			SET status = $2, resolved_at = $3
			WHERE id = $1
		`, r.ID, newStatus, now); err != nil {
			return err
		}

		r.Status = newStatus
		r.ResolvedAt = &now
		resolved = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lazyExpired {
		return nil, fmt.Errorf("%w: redemption past TTL", errExpired)
	}
	return resolved, nil
}

// RefundRedemption appends the explicit compensating ledger entry for a
// rejected or expired voucher. At most one refund per redemption.
func RefundRedemption(ctx context.Context, db *sql.DB, redemptionID string) (*Redemption, error) {
	var refunded *Redemption
	err := runTx(ctx, db, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		r, err := lockRedemption(tx, redemptionID)
		if err != nil {
			return err
		}
		if r.Status == RedemptionPending && now.After(r.ExpiresAt) {
			if err := markExpiredTx(tx, r, now); err != nil {
				return err
			}
		}
		if r.Status != RedemptionRejected && r.Status != RedemptionExpired {
			return fmt.Errorf("%w: only rejected or expired redemptions are refundable", errConflict)
		}
		if r.Refunded {
			return fmt.Errorf("%w: redemption already refunded", errConflict)
		}

		profile, err := lockProfileForUpdate(tx, r.UserID)
		if err != nil {
			return err
		}
		if _, err := appendLedgerTx(tx, r.UserID, EventRefund, r.Cost, map[string]string{
			"redemptionId": r.ID,
			"rewardId":     r.RewardID,
		}, r.ID+":refund", now); err != nil {
			return err
		}
		profile.Total += r.Cost
		if err := saveProfileTx(tx, profile, now); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			UPDATE redemptions SET refunded = TRUE WHERE id = $1
		`, r.ID); err != nil {
			return err
		}

		r.Refunded = true
		refunded = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

func lockRedemption(tx *sql.Tx, redemptionID string) (*Redemption, error) {
	var r Redemption
	var cityID sql.NullString
	var resolvedAt sql.NullTime
	err := tx.QueryRow(`
		SELECT id, user_id, reward_id, merchant_id, status, cost, refunded, qr_url, city_id, created_at, expires_at, resolved_at
		FROM redemptions
		WHERE id = $1
		FOR UPDATE
	`, redemptionID).Scan(
		&r.ID, &r.UserID, &r.RewardID, &r.MerchantID, &r.Status, &r.Cost, &r.Refunded,
		&r.QRURL, &cityID, &r.CreatedAt, &r.ExpiresAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: redemption %q", errNotFound, redemptionID)
	}
	if err != nil {
		return nil, err
	}
	if cityID.Valid {
		r.CityID = cityID.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	return &r, nil
}

func markExpiredTx(tx *sql.Tx, r *Redemption, now time.Time) error {
	if _, err := tx.Exec(`
		UPDATE redemptions
		SET status = 'expired', resolved_at = $2
		WHERE id = $1 AND status = 'pending'
	`, r.ID, now); err != nil {
		return err
	}
	r.Status = RedemptionExpired
	r.ResolvedAt = &now
	return nil
}

// listRedemptions returns a user's redemptions, lazily expiring any pending
// voucher already past its TTL.
func listRedemptions(ctx context.Context, db *sql.DB, userID string) ([]Redemption, error) {
	if _, err := SweepExpiredRedemptionsForUser(ctx, db, userID); err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT id, user_id, reward_id, merchant_id, status, cost, refunded, qr_url, COALESCE(city_id, ''), created_at, expires_at, resolved_at
		FROM redemptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 100
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	redemptions := []Redemption{}
	for rows.Next() {
		var r Redemption
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.RewardID, &r.MerchantID, &r.Status, &r.Cost, &r.Refunded,
			&r.QRURL, &r.CityID, &r.CreatedAt, &r.ExpiresAt, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			r.ResolvedAt = &t
		}
		redemptions = append(redemptions, r)
	}
	return redemptions, rows.Err()
}

func SweepExpiredRedemptionsForUser(ctx context.Context, db *sql.DB, userID string) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE redemptions
		SET status = 'expired', resolved_at = NOW()
		WHERE user_id = $1 AND status = 'pending' AND expires_at < NOW()
	`, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SweepExpiredRedemptions is the periodic counterpart to lazy expiry. It is
// run by the in-process ticker and by pointsctl.
func SweepExpiredRedemptions(ctx context.Context, db *sql.DB) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE redemptions
		SET status = 'expired', resolved_at = NOW()
		WHERE status = 'pending' AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func startExpirySweeper(db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			expired, err := SweepExpiredRedemptions(context.Background(), db)
			if err != nil {
				log.Println("redemption expiry sweep failed:", err)
				continue
			}
			if expired > 0 {
				log.Println("redemption expiry sweep: expired", expired)
			}
		}
	}()
}

func listRewards(db *sql.DB, cityID string) ([]Reward, error) {
	rows, err := db.Query(`
		SELECT id, title, cost, merchant_id, COALESCE(city_id, ''), active
		FROM rewards
		WHERE active AND ($1 = '' OR city_id IS NULL OR city_id = $1)
		ORDER BY cost ASC, id ASC
	`, cityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rewards := []Reward{}
	for rows.Next() {
		var reward Reward
		if err := rows.Scan(&reward.ID, &reward.Title, &reward.Cost, &reward.MerchantID, &reward.CityID, &reward.Active); err != nil {
			return nil, err
		}
		rewards = append(rewards, reward)
	}
	return rewards, rows.Err()
}
