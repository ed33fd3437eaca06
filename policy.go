package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EventAppOpenDaily     = "app_open_daily"
	EventPollVote         = "poll_vote"
	EventCityReport       = "city_report_created"
	EventWeeklyAttendance = "weekly_event_attendance"
	EventSocialFollow     = "social_follow"
	EventReferralSignup   = "referral_signup"
	EventReferralWelcome  = "referral_welcome"
	EventStreakBonus      = "streak_bonus"
	EventRedemption       = "redemption"
	EventRefund           = "redemption_refund"
	EventAdjustment       = "manual_adjustment"
)

type windowKind int

const (
	windowCalendarDay windowKind = iota
	windowRolling6h
	windowPerEvent
	windowPerPlatform
	windowPerReferredUser
	windowLifetime
	windowPerMilestone
)

type AwardRule struct {
	EventType string
	Window    windowKind
	CapPerDay int // capped calendar-day windows only; 0 means cap 1
	Points    int
	Streaked  bool
}

// AwardPolicy holds the server-authoritative point values. Client-supplied
// point amounts are never consulted.
type AwardPolicy struct {
	rules         map[string]AwardRule
	streakBonuses map[int]int // milestone day -> bonus points
}

func defaultPolicy() *AwardPolicy {
	p := &AwardPolicy{
		rules: map[string]AwardRule{
			EventAppOpenDaily:     {EventType: EventAppOpenDaily, Window: windowCalendarDay, Points: 5, Streaked: true},
			EventPollVote:         {EventType: EventPollVote, Window: windowCalendarDay, CapPerDay: 3, Points: 10},
			EventCityReport:       {EventType: EventCityReport, Window: windowRolling6h, Points: 30},
			EventWeeklyAttendance: {EventType: EventWeeklyAttendance, Window: windowPerEvent, Points: 50},
			EventSocialFollow:     {EventType: EventSocialFollow, Window: windowPerPlatform, Points: 20},
			EventReferralSignup:   {EventType: EventReferralSignup, Window: windowPerReferredUser, Points: 100},
			EventReferralWelcome:  {EventType: EventReferralWelcome, Window: windowLifetime, Points: 50},
		},
		streakBonuses: map[int]int{3: 25, 7: 50, 14: 100, 30: 200},
	}
	return p
}

type policyFile struct {
	Points        map[string]int `yaml:"points"`
	StreakBonuses map[int]int    `yaml:"streakBonuses"`
}

// LoadPolicy returns the default policy, overlaid with the YAML file at
// path when one is configured. Unknown event types in the file are rejected.
func LoadPolicy(path string) (*AwardPolicy, error) {
	policy := defaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	for eventType, points := range file.Points {
		rule, ok := policy.rules[eventType]
		if !ok {
			return nil, fmt.Errorf("policy file: unknown event type %q", eventType)
		}
		if points <= 0 {
			return nil, fmt.Errorf("policy file: non-positive points for %q", eventType)
		}
		rule.Points = points
		policy.rules[eventType] = rule
	}
	for milestone, bonus := range file.StreakBonuses {
		if _, ok := policy.streakBonuses[milestone]; !ok {
			return nil, fmt.Errorf("policy file: unknown streak milestone %d", milestone)
		}
		if bonus <= 0 {
			return nil, fmt.Errorf("policy file: non-positive bonus for milestone %d", milestone)
		}
		policy.streakBonuses[milestone] = bonus
	}

	log.Println("Award policy loaded from", path)
	return policy, nil
}

func (p *AwardPolicy) Rule(eventType string) (AwardRule, bool) {
	rule, ok := p.rules[eventType]
	return rule, ok
}

func (p *AwardPolicy) StreakBonus(milestone int) (int, bool) {
	bonus, ok := p.streakBonuses[milestone]
	return bonus, ok
}

func (p *AwardPolicy) Milestones() []int {
	milestones := make([]int, 0, len(p.streakBonuses))
	for m := range p.streakBonuses {
		milestones = append(milestones, m)
	}
	sort.Ints(milestones)
	return milestones
}

func calendarDayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func rolling6hBucket(t time.Time) string {
	return fmt.Sprintf("b%d", t.UTC().Unix()/21600)
}

// windowKeyFor derives the deterministic idempotency window for one
// qualifying occurrence. Time windows use the supplied clock; identity
// windows use the id carried in the metadata.
func windowKeyFor(rule AwardRule, now time.Time, meta AwardMetadata) (string, error) {
	switch rule.Window {
	case windowCalendarDay:
		if rule.CapPerDay > 0 {
			if meta.PollID == "" {
				return "", fmt.Errorf("%w: pollId required for %s", errValidation, rule.EventType)
			}
			return calendarDayKey(now) + "#poll-" + meta.PollID, nil
		}
		return calendarDayKey(now), nil
	case windowRolling6h:
		return rolling6hBucket(now), nil
	case windowPerEvent:
		if meta.EventID == "" {
			return "", fmt.Errorf("%w: eventId required for %s", errValidation, rule.EventType)
		}
		return "event-" + meta.EventID, nil
	case windowPerPlatform:
		if meta.Platform == "" {
			return "", fmt.Errorf("%w: platform required for %s", errValidation, rule.EventType)
		}
		return "platform-" + meta.Platform, nil
	case windowPerReferredUser:
		if meta.ReferredUID == "" {
			return "", fmt.Errorf("%w: referredUid required for %s", errValidation, rule.EventType)
		}
		return "referred-" + meta.ReferredUID, nil
	case windowLifetime:
		return "lifetime", nil
	default:
		return "", fmt.Errorf("%w: unsupported window for %s", errValidation, rule.EventType)
	}
}

func milestoneWindowKey(milestone int) string {
	return fmt.Sprintf("milestone-%d", milestone)
}

func claimKey(userID, eventType, windowKey string) string {
	sum := sha256.Sum256([]byte(userID + "|" + eventType + "|" + windowKey))
	return hex.EncodeToString(sum[:])
}

// nextStreakCount applies the consecutive-day rule: a gap of exactly one
// calendar day extends the streak, anything longer resets it. Same-day
// grants never reach here (the claim blocks them).
func nextStreakCount(lastAward time.Time, current int, now time.Time) int {
	if lastAward.IsZero() || current <= 0 {
		return 1
	}

	lastDay := time.Date(lastAward.UTC().Year(), lastAward.UTC().Month(), lastAward.UTC().Day(), 0, 0, 0, 0, time.UTC)
	nowDay := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)

	switch int(nowDay.Sub(lastDay).Hours() / 24) {
	case 0:
		return current
	case 1:
		return current + 1
	default:
		return 1
	}
}

const xpPerLevel = 100

// levelFor maps lifetime earned points onto a level and the remaining xp
// to the next one.
func levelFor(lifetimeEarned int64) (level int, xpToNext int64) {
	if lifetimeEarned < 0 {
		lifetimeEarned = 0
	}
	level = int(lifetimeEarned/xpPerLevel) + 1
	xpToNext = int64(level)*xpPerLevel - lifetimeEarned
	return level, xpToNext
}
