package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	txMaxAttempts = 3
	txTimeout     = 5 * time.Second
)

// runTx executes fn inside a serializable transaction. Serialization
// failures and deadlocks are retried up to txMaxAttempts before surfacing
// as errConflict. Any other error from fn rolls back and is returned as-is.
func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var lastErr error

	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, txTimeout)
		err := runTxOnce(attemptCtx, db, fn)
		cancel()

		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return err
		}

		lastErr = err
		log.Printf("tx attempt %d/%d failed, retrying: %v", attempt, txMaxAttempts, err)
		time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
	}

	log.Println("tx retries exhausted:", lastErr)
	return errConflict
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isRetryableTxError(err error) bool {
	if errors.Is(err, errClaimRace) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
