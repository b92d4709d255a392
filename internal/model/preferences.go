package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ConsentPurpose string

const (
	PurposeTransactional ConsentPurpose = "transactional"
	PurposeMarketing     ConsentPurpose = "marketing"
	PurposeCaring        ConsentPurpose = "caring"
	PurposeReminders     ConsentPurpose = "reminders"
)

// ChannelConsent records a user's opt-in state for one channel.
type ChannelConsent struct {
	Enabled     bool                    `json:"enabled"`
	ConsentedAt *time.Time              `json:"consented_at,omitempty"`
	RevokedAt   *time.Time              `json:"revoked_at,omitempty"`
	Purposes    map[ConsentPurpose]bool `json:"purposes"`
}

// Allows reports whether the channel is enabled and opted in for purpose.
// Transactional sends only need the channel itself to be enabled.
func (c ChannelConsent) Allows(purpose ConsentPurpose) bool {
	if !c.Enabled {
		return false
	}
	if purpose == PurposeTransactional {
		return true
	}
	return c.Purposes[purpose]
}

// QuietHours is a daily window in the user's timezone during which only
// critical messages may go out (and only when AllowCritical is set).
type QuietHours struct {
	Start         string `json:"start"` // "22:00"
	End           string `json:"end"`   // "08:00"
	Timezone      string `json:"timezone"`
	AllowCritical bool   `json:"allow_critical"`
}

// Contains reports whether t falls inside the window, and if so when the
// window ends (the time a held message should resume).
func (q QuietHours) Contains(t time.Time) (bool, time.Time, error) {
	if q.Start == "" || q.End == "" {
		return false, time.Time{}, nil
	}
	loc := time.UTC
	if q.Timezone != "" {
		l, err := time.LoadLocation(q.Timezone)
		if err != nil {
			return false, time.Time{}, fmt.Errorf("invalid quiet hours timezone %q: %w", q.Timezone, err)
		}
		loc = l
	}
	local := t.In(loc)
	start, err := parseClock(q.Start, local, loc)
	if err != nil {
		return false, time.Time{}, err
	}
	end, err := parseClock(q.End, local, loc)
	if err != nil {
		return false, time.Time{}, err
	}
	if !end.After(start) {
		// Window crosses midnight, e.g. 22:00-08:00.
		if local.Before(end) {
			return true, end, nil
		}
		if !local.Before(start) {
			return true, end.Add(24 * time.Hour), nil
		}
		return false, time.Time{}, nil
	}
	if !local.Before(start) && local.Before(end) {
		return true, end, nil
	}
	return false, time.Time{}, nil
}

func parseClock(hhmm string, day time.Time, loc *time.Location) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid quiet hours time %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc), nil
}

// FrequencyLimits caps sends per channel per rolling period. Zero means
// no limit.
type FrequencyLimits struct {
	PerDay  map[Channel]int `json:"per_day,omitempty"`
	PerWeek map[Channel]int `json:"per_week,omitempty"`
}

// ChannelPerformance holds rolling engagement counters used to rank channels.
type ChannelPerformance struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
	Clicked   int64 `json:"clicked"`
}

// EngagementScore weighs clicks over reads over deliveries, normalized by
// send volume. Channels with no history score zero.
func (p ChannelPerformance) EngagementScore() float64 {
	if p.Sent == 0 {
		return 0
	}
	return (float64(p.Delivered) + 2*float64(p.Read) + 4*float64(p.Clicked)) / float64(p.Sent)
}

type UserChannelPreferences struct {
	UserID            uuid.UUID                      `json:"user_id" db:"user_id"`
	Consents          map[Channel]ChannelConsent     `json:"consents"`
	PreferredChannels []Channel                      `json:"preferred_channels"`
	QuietHours        QuietHours                     `json:"quiet_hours"`
	Limits            FrequencyLimits                `json:"limits"`
	Performance       map[Channel]ChannelPerformance `json:"performance,omitempty"`
	Properties        map[string]string              `json:"properties,omitempty"`
	Tags              []string                       `json:"tags,omitempty"`
	UpdatedAt         time.Time                      `json:"updated_at" db:"updated_at"`
}

// Consent returns the consent record for ch, defaulting to disabled.
func (p *UserChannelPreferences) Consent(ch Channel) ChannelConsent {
	if c, ok := p.Consents[ch]; ok {
		return c
	}
	return ChannelConsent{}
}

// DailyLimit returns the configured daily cap for ch (0 = unlimited).
func (p *UserChannelPreferences) DailyLimit(ch Channel) int {
	if p.Limits.PerDay == nil {
		return 0
	}
	return p.Limits.PerDay[ch]
}

// WeeklyLimit returns the configured weekly cap for ch (0 = unlimited).
func (p *UserChannelPreferences) WeeklyLimit(ch Channel) int {
	if p.Limits.PerWeek == nil {
		return 0
	}
	return p.Limits.PerWeek[ch]
}

func (p *UserChannelPreferences) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type UpdatePreferencesRequest struct {
	Consents          map[Channel]ChannelConsent `json:"consents,omitempty"`
	PreferredChannels []Channel                  `json:"preferred_channels,omitempty" binding:"omitempty,dive,channel"`
	QuietHours        *QuietHours                `json:"quiet_hours,omitempty"`
	Limits            *FrequencyLimits           `json:"limits,omitempty"`
}
