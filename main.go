package main

import (
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
)

/* ======================
   Request / Response Types
   ====================== */

type SimpleResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type AwardPointsRequest struct {
	UserID    string        `json:"userId"`
	EventType string        `json:"eventType"`
	Metadata  AwardMetadata `json:"metadata,omitempty"`
}

type AwardPointsResponse struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	Success        bool   `json:"success"`
	AlreadyAwarded bool   `json:"alreadyAwarded"`
	PointsGranted  int64  `json:"pointsGranted"`
	NewTotal       int64  `json:"newTotal"`
	StreakCount    int    `json:"streakCount,omitempty"`
	StreakBonus    int64  `json:"streakBonus,omitempty"`
}

type CreateRedemptionRequest struct {
	UserID     string `json:"userId"`
	RewardID   string `json:"rewardId"`
	MerchantID string `json:"merchantId"`
	CityID     string `json:"cityId,omitempty"`
}

type CreateRedemptionResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	RedemptionID string `json:"redemptionId,omitempty"`
	QRURL        string `json:"qrUrl,omitempty"`
	Status       string `json:"status,omitempty"`
	NewTotal     int64  `json:"newTotal"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

type MerchantActionRequest struct {
	MerchantID string `json:"merchantId"`
}

type RedemptionStatusResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
	RedemptionID string `json:"redemptionId,omitempty"`
	Status       string `json:"status,omitempty"`
	Refunded     bool   `json:"refunded,omitempty"`
}

type EnsureReferralCodeRequest struct {
	UserID string `json:"userId"`
}

type EnsureReferralCodeResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type RedeemReferralRequest struct {
	Code        string `json:"code"`
	RedeemerUID string `json:"redeemerUid"`
}

type RedeemReferralResponse struct {
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
	Success         bool   `json:"success"`
	AlreadyRedeemed bool   `json:"alreadyRedeemed"`
	ReferrerUID     string `json:"referrerUid,omitempty"`
	ReferrerPoints  int64  `json:"referrerPoints,omitempty"`
	RedeemerPoints  int64  `json:"redeemerPoints,omitempty"`
}

type ReportEventRequest struct {
	EventID  string  `json:"eventId"`
	UserID   string  `json:"userId"`
	Coords   *LatLng `json:"coords,omitempty"`
	PhotoRef string  `json:"photoRef,omitempty"`
}

type ReportEventResponse struct {
	OK             bool     `json:"ok"`
	Error          string   `json:"error,omitempty"`
	Verified       bool     `json:"verified"`
	DistanceMeters *float64 `json:"distanceMeters,omitempty"`
}

type ProfileResponse struct {
	OK               bool          `json:"ok"`
	Error            string        `json:"error,omitempty"`
	UserID           string        `json:"userId,omitempty"`
	Total            int64         `json:"total"`
	Level            int           `json:"level,omitempty"`
	XPToNext         int64         `json:"xpToNext,omitempty"`
	StreakCount      int           `json:"streakCount"`
	LastDailyAwardAt string        `json:"lastDailyAwardAt,omitempty"`
	Ledger           []LedgerEntry `json:"ledger,omitempty"`
}

type LeaderboardResponse struct {
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	Total    int              `json:"total"`
	Results  []LeaderboardRow `json:"results"`
}

/* ======================
   Config
   ====================== */

type Config struct {
	DatabaseURL   string
	Port          string
	PolicyFile    string
	QRBaseURL     string
	RedemptionTTL time.Duration
	SweepInterval time.Duration
}

func loadConfig() *Config {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		Port:          os.Getenv("PORT"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
		QRBaseURL:     os.Getenv("QR_BASE_URL"),
		RedemptionTTL: 30 * time.Minute,
		SweepInterval: time.Minute,
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.QRBaseURL == "" {
		cfg.QRBaseURL = "https://rewards.academia.app"
	}
	if raw := os.Getenv("REDEMPTION_TTL_MINUTES"); raw != "" {
		if minutes, err := strconv.Atoi(raw); err == nil && minutes > 0 {
			cfg.RedemptionTTL = time.Duration(minutes) * time.Minute
		} else {
			log.Println("Ignoring invalid REDEMPTION_TTL_MINUTES:", raw)
		}
	}
	return cfg
}

/* ======================
   main()
   ====================== */

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	log.Println("App environment:", env)

	cfg := loadConfig()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open database:", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatal("failed to ping database:", err)
	}
	log.Println("Connected to PostgreSQL")

	if err := ensureSchema(db); err != nil {
		log.Fatal("Failed to ensure schema:", err)
	}

	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatal("Failed to load award policy:", err)
	}

	hub := newHub()
	go hub.run()

	startExpirySweeper(db, cfg.SweepInterval)

	server := &Server{
		db:     db,
		router: mux.NewRouter(),
		hub:    hub,
		policy: policy,
		cfg:    cfg,
	}
	server.setupRoutes()

	addr := "0.0.0.0:" + cfg.Port
	log.Println("Listening on", addr)
	if err := http.ListenAndServe(addr, server.router); err != nil {
		log.Fatal("server failed:", err)
	}
}
