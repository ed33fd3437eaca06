package main

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

type Server struct {
	db     *sql.DB
	router *mux.Router
	hub    *Hub
	policy *AwardPolicy
	cfg    *Config
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, errorStatus(err), SimpleResponse{OK: false, Error: errorCode(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, SimpleResponse{OK: false, Error: "DB_UNAVAILABLE"})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleAwardPoints(w http.ResponseWriter, r *http.Request) {
	var req AwardPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
		return
	}

	result, err := AwardPointsEvent(r.Context(), s.db, s.policy, req.UserID, req.EventType, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if result.Success {
		s.hub.broadcastUpdate("points-award", map[string]interface{}{
			"userId":    req.UserID,
			"eventType": req.EventType,
			"points":    result.PointsGranted,
			"newTotal":  result.NewTotal,
		})
	}

	s.writeJSON(w, http.StatusOK, AwardPointsResponse{
		OK:             true,
		Success:        result.Success,
		AlreadyAwarded: result.AlreadyAwarded,
		PointsGranted:  result.PointsGranted,
		NewTotal:       result.NewTotal,
		StreakCount:    result.StreakCount,
		StreakBonus:    result.StreakBonus,
	})
}

func (s *Server) handleCreateRedemption(w http.ResponseWriter, r *http.Request) {
	var req CreateRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
		return
	}

	redemption, newTotal, err := CreateRedemption(r.Context(), s.db, s.cfg, req.UserID, req.RewardID, req.MerchantID, req.CityID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.hub.broadcastUpdate("redemption-created", map[string]interface{}{
		"userId":     redemption.UserID,
		"rewardId":   redemption.RewardID,
		"merchantId": redemption.MerchantID,
	})

	s.writeJSON(w, http.StatusOK, CreateRedemptionResponse{
		OK:           true,
		RedemptionID: redemption.ID,
		QRURL:        redemption.QRURL,
		Status:       redemption.Status,
		NewTotal:     newTotal,
		ExpiresAt:    redemption.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleResolveRedemption(newStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redemptionID := mux.Vars(r)["id"]

		var req MerchantActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
			return
		}

		redemption, err := ResolveRedemption(r.Context(), s.db, redemptionID, req.MerchantID, newStatus)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, RedemptionStatusResponse{
			OK:           true,
			RedemptionID: redemption.ID,
			Status:       redemption.Status,
		})
	}
}

func (s *Server) handleRefundRedemption(w http.ResponseWriter, r *http.Request) {
	redemptionID := mux.Vars(r)["id"]

	redemption, err := RefundRedemption(r.Context(), s.db, redemptionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, RedemptionStatusResponse{
		OK:           true,
		RedemptionID: redemption.ID,
		Status:       redemption.Status,
		Refunded:     redemption.Refunded,
	})
}

func (s *Server) handleListRedemptions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !isValidUserID(userID) {
		s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
		return
	}

	redemptions, err := listRedemptions(r.Context(), s.db, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"redemptions": redemptions,
	})
}

func (s *Server) handleEnsureReferralCode(w http.ResponseWriter, r *http.Request) {
	var req EnsureReferralCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
		return
	}

	code, err := EnsureReferralCode(r.Context(), s.db, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, EnsureReferralCodeResponse{OK: true, Code: code})
}

func (s *Server) handleRedeemReferralCode(w http.ResponseWriter, r *http.Request) {
	var req RedeemReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
		return
	}

	result, err := RedeemReferralCode(r.Context(), s.db, s.policy, req.Code, req.RedeemerUID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if result.Success {
		s.hub.broadcastUpdate("referral-redeemed", map[string]interface{}{
			"referrerUid": result.ReferrerUID,
			"redeemerUid": req.RedeemerUID,
		})
	}

	s.writeJSON(w, http.StatusOK, RedeemReferralResponse{
		OK:              true,
		Success:         result.Success,
		AlreadyRedeemed: result.AlreadyRedeemed,
		ReferrerUID:     result.ReferrerUID,
		ReferrerPoints:  result.ReferrerPoints,
		RedeemerPoints:  result.RedeemerPoints,
	})
}

func (s *Server) handleReportEvent(w http.ResponseWriter, r *http.Request) {
	var req ReportEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
		return
	}

	attendance, err := MarkEventReported(r.Context(), s.db, req.EventID, req.UserID, req.Coords, req.PhotoRef)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := ReportEventResponse{OK: true, Verified: attendance.Verified}
	if attendance.DistanceMeters != nil {
		resp.DistanceMeters = attendance.DistanceMeters
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !isValidUserID(userID) {
		s.writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "VALIDATION_ERROR"})
		return
	}

	profile, err := loadProfile(s.db, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if profile == nil {
		s.writeJSON(w, http.StatusNotFound, SimpleResponse{OK: false, Error: "NOT_FOUND"})
		return
	}

	entries, err := recentLedgerEntries(s.db, userID, 20)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := ProfileResponse{
		OK:          true,
		UserID:      profile.UserID,
		Total:       profile.Total,
		Level:       profile.Level,
		XPToNext:    profile.XPToNext,
		StreakCount: profile.StreakCount,
		Ledger:      entries,
	}
	if profile.LastDailyAwardAt.Valid {
		resp.LastDailyAwardAt = profile.LastDailyAwardAt.Time.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRewards(w http.ResponseWriter, r *http.Request) {
	cityID := strings.TrimSpace(r.URL.Query().Get("cityId"))

	rewards, err := listRewards(s.db, cityID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"rewards": rewards,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := parsePositiveInt(query.Get("page"), 1)
	pageSize := parsePositiveInt(query.Get("pageSize"), 50)
	if pageSize > 200 {
		pageSize = 200
	}

	results, total, err := queryLeaderboard(s.db, page, pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, LeaderboardResponse{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Results:  results,
	})
}

func parsePositiveInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/points/award", s.handleAwardPoints).Methods("POST")

	s.router.HandleFunc("/redemptions", s.handleCreateRedemption).Methods("POST")
	s.router.HandleFunc("/redemptions", s.handleListRedemptions).Methods("GET")
	s.router.HandleFunc("/redemptions/{id}/validate", s.handleResolveRedemption(RedemptionValidated)).Methods("POST")
	s.router.HandleFunc("/redemptions/{id}/reject", s.handleResolveRedemption(RedemptionRejected)).Methods("POST")
	s.router.HandleFunc("/redemptions/{id}/refund", s.handleRefundRedemption).Methods("POST")

	s.router.HandleFunc("/referral/code", s.handleEnsureReferralCode).Methods("POST")
	s.router.HandleFunc("/referral/redeem", s.handleRedeemReferralCode).Methods("POST")

	s.router.HandleFunc("/events/report", s.handleReportEvent).Methods("POST")

	s.router.HandleFunc("/profile", s.handleGetProfile).Methods("GET")
	s.router.HandleFunc("/rewards", s.handleListRewards).Methods("GET")
	s.router.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.handleWebSocket)
}
