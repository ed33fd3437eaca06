package main

import (
	"errors"
	"net/http"
)

var (
	errValidation         = errors.New("validation failed")
	errNotFound           = errors.New("not found")
	errNotEligible        = errors.New("not eligible")
	errInsufficientPoints = errors.New("insufficient points")
	errForbidden          = errors.New("forbidden")
	errExpired            = errors.New("expired")
	errConflict           = errors.New("write conflict")
	errExhausted          = errors.New("code generation exhausted")

	// errClaimRace marks a unique-violation on an idempotency claim insert
	// that slipped past the existence pre-check. The transaction is retried;
	// the pre-check then reports alreadyAwarded.
	errClaimRace = errors.New("claim insert race")
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, errValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, errNotFound):
		return "NOT_FOUND"
	case errors.Is(err, errNotEligible):
		return "NOT_ELIGIBLE"
	case errors.Is(err, errInsufficientPoints):
		return "INSUFFICIENT_POINTS"
	case errors.Is(err, errForbidden):
		return "FORBIDDEN"
	case errors.Is(err, errExpired):
		return "EXPIRED"
	case errors.Is(err, errConflict):
		return "CONFLICT"
	case errors.Is(err, errExhausted):
		return "CODE_EXHAUSTED"
	default:
		return "INTERNAL_ERROR"
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errValidation):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNotEligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errInsufficientPoints):
		return http.StatusConflict
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errExpired):
		return http.StatusGone
	case errors.Is(err, errConflict):
		return http.StatusConflict
	case errors.Is(err, errExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
