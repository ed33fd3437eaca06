package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer wires routes without a database; only request handling that
// fails validation before reaching the store is exercised here.
func newTestServer() *Server {
	s := &Server{
		router: mux.NewRouter(),
		hub:    newHub(),
		policy: defaultPolicy(),
		cfg:    testConfig(),
	}
	s.setupRoutes()
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, SimpleResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp SimpleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandleAwardPoints_RejectsMalformedInput(t *testing.T) {
	s := newTestServer()

	rec, resp := doJSON(t, s, http.MethodPost, "/points/award", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)

	rec, resp = doJSON(t, s, http.MethodPost, "/points/award", `{"userId":"bad user!","eventType":"app_open_daily"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)

	rec, resp = doJSON(t, s, http.MethodPost, "/points/award", `{"userId":"u1","eventType":"streak_bonus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)
}

func TestHandleCreateRedemption_RejectsMissingFields(t *testing.T) {
	s := newTestServer()

	rec, resp := doJSON(t, s, http.MethodPost, "/redemptions", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)
}

func TestHandleReferral_RejectsInvalidInput(t *testing.T) {
	s := newTestServer()

	rec, resp := doJSON(t, s, http.MethodPost, "/referral/code", `{"userId":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)

	rec, resp = doJSON(t, s, http.MethodPost, "/referral/redeem", `{"code":"","redeemerUid":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)
}

func TestHandleReportEvent_RejectsBadCoordinates(t *testing.T) {
	s := newTestServer()

	rec, resp := doJSON(t, s, http.MethodPost, "/events/report",
		`{"eventId":"ev1","userId":"u1","coords":{"latitude":123.0,"longitude":0}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)

	rec, resp = doJSON(t, s, http.MethodPost, "/events/report", `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error)
}

func TestHandleGetProfile_RejectsInvalidUser(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/profile?userId=bad%20user", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_MethodDiscipline(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/points/award", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/redemptions", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	assert.Equal(t, "INSUFFICIENT_POINTS", errorCode(errInsufficientPoints))
	assert.Equal(t, http.StatusConflict, errorStatus(errInsufficientPoints))

	assert.Equal(t, "NOT_FOUND", errorCode(errNotFound))
	assert.Equal(t, http.StatusNotFound, errorStatus(errNotFound))

	assert.Equal(t, "FORBIDDEN", errorCode(errForbidden))
	assert.Equal(t, http.StatusForbidden, errorStatus(errForbidden))

	assert.Equal(t, "EXPIRED", errorCode(errExpired))
	assert.Equal(t, http.StatusGone, errorStatus(errExpired))

	assert.Equal(t, "CONFLICT", errorCode(errConflict))
	assert.Equal(t, "NOT_ELIGIBLE", errorCode(errNotEligible))
	assert.Equal(t, "INTERNAL_ERROR", errorCode(assert.AnError))
}
