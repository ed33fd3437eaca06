package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRedemption_HappyPath(t *testing.T) {
	db := testDB(t)
	policy := defaultPolicy()
	cfg := testConfig()
	userID := testUserID(t)
	ctx := context.Background()

	// Earn 120 through four city reports across rolling windows.
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		result := awardAt(t, db, policy, userID, EventCityReport, AwardMetadata{}, base.Add(time.Duration(i)*7*time.Hour))
		require.True(t, result.Success)
	}
	require.Equal(t, int64(120), userBalance(t, db, userID))

	rewardID := "rw-" + testUserID(t)
	seedReward(t, db, rewardID, 100, "merchant1")

	redemption, newTotal, err := CreateRedemption(ctx, db, cfg, userID, rewardID, "merchant1", "city1")
	require.NoError(t, err)
	assert.Equal(t, RedemptionPending, redemption.Status)
	assert.Equal(t, int64(20), newTotal)
	assert.Equal(t, cfg.QRBaseURL+"/r/"+redemption.ID, redemption.QRURL)
	assert.WithinDuration(t, time.Now().Add(cfg.RedemptionTTL), redemption.ExpiresAt, time.Minute)

	assert.Equal(t, int64(20), userBalance(t, db, userID))
	assert.Equal(t, userBalance(t, db, userID), ledgerSum(t, db, userID))
	assert.Equal(t, 1, ledgerCount(t, db, userID, EventRedemption))
}

func TestCreateRedemption_InsufficientPoints(t *testing.T) {
	db := testDB(t)
	policy := defaultPolicy()
	cfg := testConfig()
	userID := testUserID(t)
	ctx := context.Background()

	result, err := AwardPointsEvent(ctx, db, policy, userID, EventAppOpenDaily, AwardMetadata{})
	require.NoError(t, err)
	require.True(t, result.Success)

	rewardID := "rw-" + testUserID(t)
	seedReward(t, db, rewardID, 100, "merchant1")

	_, _, err = CreateRedemption(ctx, db, cfg, userID, rewardID, "merchant1", "")
	require.ErrorIs(t, err, errInsufficientPoints)

	// Balance untouched.
	assert.Equal(t, int64(5), userBalance(t, db, userID))
	assert.Equal(t, 0, ledgerCount(t, db, userID, EventRedemption))
}

func TestCreateRedemption_UnknownReward(t *testing.T) {
	db := testDB(t)
	cfg := testConfig()
	ctx := context.Background()

	_, _, err := CreateRedemption(ctx, db, cfg, testUserID(t), "rw-missing", "merchant1", "")
	assert.ErrorIs(t, err, errNotFound)
}

func TestCreateRedemption_ConcurrentNoDoubleSpend(t *testing.T) {
	db := testDB(t)
	policy := defaultPolicy()
	cfg := testConfig()
	userID := testUserID(t)
	ctx := context.Background()

	// Balance 150: five city reports at 30 across rolling windows.
	base := time.Date(2026, 4, 10, 0, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		result := awardAt(t, db, policy, userID, EventCityReport, AwardMetadata{}, base.Add(time.Duration(i)*7*time.Hour))
		require.True(t, result.Success)
	}
	require.Equal(t, int64(150), userBalance(t, db, userID))

	rewardID := "rw-" + testUserID(t)
	seedReward(t, db, rewardID, 100, "merchant1")

	type outcome struct {
		err error
	}
	outcomes := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := CreateRedemption(ctx, db, cfg, userID, rewardID, "merchant1", "")
			outcomes <- outcome{err: err}
		}()
	}

	var successes, insufficient int
	for i := 0; i < 2; i++ {
		o := <-outcomes
		switch {
		case o.err == nil:
			successes++
		case errors.Is(o.err, errInsufficientPoints):
			insufficient++
		default:
			t.Fatalf("unexpected outcome: %v", o.err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(50), userBalance(t, db, userID))
	assert.Equal(t, userBalance(t, db, userID), ledgerSum(t, db, userID))
}

func TestResolveRedemption_Transitions(t *testing.T) {
	db := testDB(t)
	policy := defaultPolicy()
	cfg := testConfig()
	userID := testUserID(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 20, 1, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		awardAt(t, db, policy, userID, EventCityReport, AwardMetadata{}, base.Add(time.Duration(i)*7*time.Hour))
	}

	rewardID := "rw-" + testUserID(t)
	seedReward(t, db, rewardID, 50, "merchant1")

	redemption, _, err := CreateRedemption(ctx, db, cfg, userID, rewardID, "merchant1", "")
	require.NoError(t, err)

	// Wrong merchant cannot act on the voucher.
	_, err = ResolveRedemption(ctx, db, redemption.ID, "merchant2", RedemptionValidated)
	require.ErrorIs(t, err, errForbidden)

	validated, err := ResolveRedemption(ctx, db, redemption.ID, "merchant1", RedemptionValidated)
	require.NoError(t, err)
	assert.Equal(t, RedemptionValidated, validated.Status)

	// Terminal: a second decision conflicts.
	_, err = ResolveRedemption(ctx, db, redemption.ID, "merchant1", RedemptionRejected)
	require.ErrorIs(t, err, errConflict)

	// Validation never refunds the debit.
	assert.Equal(t, userBalance(t, db, userID), ledgerSum(t, db, userID))
}

func TestResolveRedemption_LazyExpiry(t *testing.T) {
	db := testDB(t)
	policy := defaultPolicy()
	userID := testUserID(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 22, 1, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		awardAt(t, db, policy, userID, EventCityReport, AwardMetadata{}, base.Add(time.Duration(i)*7*time.Hour))
	}

	rewardID := "rw-" + testUserID(t)
	seedReward(t, db, rewardID, 50, "merchant1")

	cfg := testConfig()
	cfg.RedemptionTTL = -time.Minute // already expired on creation

	redemption, _, err := CreateRedemption(ctx, db, cfg, userID, rewardID, "merchant1", "")
	require.NoError(t, err)

	_, err = ResolveRedemption(ctx, db, redemption.ID, "merchant1", RedemptionValidated)
	require.ErrorIs(t, err, errExpired)

	// The expiry commits even though the call errors.
	var status string
	require.NoError(t, db.QueryRow(`
		SELECT status FROM redemptions WHERE id = $1
	`, redemption.ID).Scan(&status))
	assert.Equal(t, RedemptionExpired, status)

	redemptions, err := listRedemptions(ctx, db, userID)
	require.NoError(t, err)
	require.Len(t, redemptions, 1)
	assert.Equal(t, RedemptionExpired, redemptions[0].Status)
}

func TestRefundRedemption_OnceOnly(t *testing.T) {
	db := testDB(t)
	policy := defaultPolicy()
	cfg := testConfig()
	userID := testUserID(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 25, 1, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		awardAt(t, db, policy, userID, EventCityReport, AwardMetadata{}, base.Add(time.Duration(i)*7*time.Hour))
	}
	require.Equal(t, int64(60), userBalance(t, db, userID))

	rewardID := "rw-" + testUserID(t)
	seedReward(t, db, rewardID, 50, "merchant1")

	redemption, newTotal, err := CreateRedemption(ctx, db, cfg, userID, rewardID, "merchant1", "")
	require.NoError(t, err)
	require.Equal(t, int64(10), newTotal)

	// Pending vouchers are not refundable.
	_, err = RefundRedemption(ctx, db, redemption.ID)
	require.ErrorIs(t, err, errConflict)

	_, err = ResolveRedemption(ctx, db, redemption.ID, "merchant1", RedemptionRejected)
	require.NoError(t, err)

	// Rejection alone does not restore the balance.
	assert.Equal(t, int64(10), userBalance(t, db, userID))

	refunded, err := RefundRedemption(ctx, db, redemption.ID)
	require.NoError(t, err)
	assert.True(t, refunded.Refunded)
	assert.Equal(t, int64(60), userBalance(t, db, userID))
	assert.Equal(t, userBalance(t, db, userID), ledgerSum(t, db, userID))

	// Second refund blocked.
	_, err = RefundRedemption(ctx, db, redemption.ID)
	require.ErrorIs(t, err, errConflict)
	assert.Equal(t, int64(60), userBalance(t, db, userID))
}

func TestSweepExpiredRedemptions(t *testing.T) {
	db := testDB(t)
	policy := defaultPolicy()
	userID := testUserID(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 27, 1, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		awardAt(t, db, policy, userID, EventCityReport, AwardMetadata{}, base.Add(time.Duration(i)*7*time.Hour))
	}

	rewardID := "rw-" + testUserID(t)
	seedReward(t, db, rewardID, 50, "merchant1")

	cfg := testConfig()
	cfg.RedemptionTTL = -time.Minute

	redemption, _, err := CreateRedemption(ctx, db, cfg, userID, rewardID, "merchant1", "")
	require.NoError(t, err)

	swept, err := SweepExpiredRedemptionsForUser(ctx, db, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	_, err = ResolveRedemption(ctx, db, redemption.ID, "merchant1", RedemptionValidated)
	assert.ErrorIs(t, err, errExpired)
}
