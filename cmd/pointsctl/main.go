package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func openDB() (*sql.DB, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func main() {
	root := &cobra.Command{
		Use:   "pointsctl",
		Short: "Operator tooling for the academy points engine",
	}

	root.AddCommand(sweepExpiredCmd())
	root.AddCommand(seedRewardsCmd())
	root.AddCommand(seedEventsCmd())
	root.AddCommand(adjustCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sweepExpiredCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-expired",
		Short: "Expire pending redemptions past their TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := db.Exec(`
				UPDATE redemptions
				SET status = 'expired', resolved_at = NOW()
				WHERE status = 'pending' AND expires_at < NOW()
			`)
			if err != nil {
				return err
			}
			expired, _ := result.RowsAffected()
			fmt.Printf("Expired %d redemption(s)\n", expired)
			return nil
		},
	}
}

type rewardSeed struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	Cost       int64  `yaml:"cost"`
	MerchantID string `yaml:"merchantId"`
	CityID     string `yaml:"cityId"`
	Active     *bool  `yaml:"active"`
}

func seedRewardsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-rewards",
		Short: "Upsert the reward catalog from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var seeds []rewardSeed
			if err := yaml.Unmarshal(data, &seeds); err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			for _, seed := range seeds {
				if seed.ID == "" || seed.Title == "" || seed.Cost <= 0 || seed.MerchantID == "" {
					return fmt.Errorf("reward %q: id, title, merchantId and a positive cost are required", seed.ID)
				}
				active := true
				if seed.Active != nil {
					active = *seed.Active
				}
				if _, err := db.Exec(`
					INSERT INTO rewards (id, title, cost, merchant_id, city_id, active, created_at)
					VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NOW())
					ON CONFLICT (id) DO UPDATE SET
						title = EXCLUDED.title,
						cost = EXCLUDED.cost,
						merchant_id = EXCLUDED.merchant_id,
						city_id = EXCLUDED.city_id,
						active = EXCLUDED.active
				`, seed.ID, seed.Title, seed.Cost, seed.MerchantID, seed.CityID, active); err != nil {
					return err
				}
			}
			fmt.Printf("Seeded %d reward(s)\n", len(seeds))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "rewards.yaml", "reward catalog YAML file")
	return cmd
}

type eventSeed struct {
	ID       string    `yaml:"id"`
	Title    string    `yaml:"title"`
	StartsAt time.Time `yaml:"startsAt"`
	Geofence *struct {
		Latitude     float64 `yaml:"latitude"`
		Longitude    float64 `yaml:"longitude"`
		RadiusMeters float64 `yaml:"radiusMeters"`
	} `yaml:"geofence"`
}

func seedEventsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-events",
		Short: "Upsert weekly events from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var seeds []eventSeed
			if err := yaml.Unmarshal(data, &seeds); err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			for _, seed := range seeds {
				if seed.ID == "" || seed.Title == "" {
					return fmt.Errorf("event %q: id and title are required", seed.ID)
				}
				var lat, lng, radius interface{}
				if seed.Geofence != nil {
					lat = seed.Geofence.Latitude
					lng = seed.Geofence.Longitude
					radius = seed.Geofence.RadiusMeters
				}
				if _, err := db.Exec(`
					INSERT INTO weekly_events (id, title, starts_at, geo_lat, geo_lng, geo_radius_m, created_at)
					VALUES ($1, $2, $3, $4, $5, $6, NOW())
					ON CONFLICT (id) DO UPDATE SET
						title = EXCLUDED.title,
						starts_at = EXCLUDED.starts_at,
						geo_lat = EXCLUDED.geo_lat,
						geo_lng = EXCLUDED.geo_lng,
						geo_radius_m = EXCLUDED.geo_radius_m
				`, seed.ID, seed.Title, seed.StartsAt, lat, lng, radius); err != nil {
					return err
				}
			}
			fmt.Printf("Seeded %d event(s)\n", len(seeds))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "events.yaml", "weekly events YAML file")
	return cmd
}

func adjustCmd() *cobra.Command {
	var userID string
	var points int64
	var reason string
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Append a manual compensating ledger entry",
		Long:  "Applies an auditable signed point adjustment to one user. The ledger entry and the balance update commit together.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || points == 0 || reason == "" {
				return fmt.Errorf("--user, a non-zero --points and --reason are required")
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.Begin()
			if err != nil {
				return err
			}
			defer tx.Rollback()

			var total int64
			err = tx.QueryRow(`
				SELECT total FROM points_profiles WHERE user_id = $1 FOR UPDATE
			`, userID).Scan(&total)
			if err == sql.ErrNoRows {
				return fmt.Errorf("no points profile for user %q", userID)
			}
			if err != nil {
				return err
			}
			if total+points < 0 {
				return fmt.Errorf("adjustment would drive balance negative (current %d)", total)
			}

			entryID := uuid.NewString()
			if _, err := tx.Exec(`
				INSERT INTO ledger_entries (id, user_id, event_type, points, metadata, created_at)
				VALUES ($1, $2, 'manual_adjustment', $3, $4, NOW())
			`, entryID, userID, points, fmt.Sprintf(`{"reason": %q}`, reason)); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				UPDATE points_profiles
				SET total = total + $2, updated_at = NOW()
				WHERE user_id = $1
			`, userID, points); err != nil {
				return err
			}

			if err := tx.Commit(); err != nil {
				return err
			}
			fmt.Printf("Adjusted %s by %+d (ledger entry %s)\n", userID, points, entryID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().Int64Var(&points, "points", 0, "signed point delta")
	cmd.Flags().StringVar(&reason, "reason", "", "audit reason")
	return cmd
}
