package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuietHoursMidnightCrossing(t *testing.T) {
	q := QuietHours{Start: "23:00", End: "08:00", Timezone: "UTC"}

	inside, resumeAt, err := q.Contains(time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), resumeAt)

	inside, resumeAt, err = q.Contains(time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), resumeAt)

	inside, _, err = q.Contains(time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	q := QuietHours{Start: "13:00", End: "15:00", Timezone: "UTC"}

	inside, resumeAt, err := q.Contains(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)
	assert.Equal(t, time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), resumeAt)

	inside, _, err = q.Contains(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, inside, "window end is exclusive")
}

func TestQuietHoursRespectsTimezone(t *testing.T) {
	q := QuietHours{Start: "22:00", End: "08:00", Timezone: "America/New_York"}

	// 03:00 UTC is 22:00 or 23:00 in New York depending on DST; either
	// way it is inside the window.
	inside, _, err := q.Contains(time.Date(2026, 1, 15, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, inside)
}

func TestQuietHoursUnsetIsAlwaysOpen(t *testing.T) {
	inside, _, err := QuietHours{}.Contains(time.Now())
	require.NoError(t, err)
	assert.False(t, inside)
}

func TestQuietHoursInvalidTimezone(t *testing.T) {
	q := QuietHours{Start: "22:00", End: "08:00", Timezone: "Mars/Olympus"}
	_, _, err := q.Contains(time.Now())
	assert.Error(t, err)
}

func TestConsentAllows(t *testing.T) {
	c := ChannelConsent{Enabled: true, Purposes: map[ConsentPurpose]bool{PurposeMarketing: true}}
	assert.True(t, c.Allows(PurposeMarketing))
	assert.True(t, c.Allows(PurposeTransactional), "transactional only needs the channel enabled")
	assert.False(t, c.Allows(PurposeCaring))

	disabled := ChannelConsent{Enabled: false, Purposes: map[ConsentPurpose]bool{PurposeTransactional: true}}
	assert.False(t, disabled.Allows(PurposeTransactional))
}

func TestEngagementScore(t *testing.T) {
	assert.Zero(t, ChannelPerformance{}.EngagementScore())

	p := ChannelPerformance{Sent: 10, Delivered: 10, Read: 5, Clicked: 1}
	// (10 + 2*5 + 4*1) / 10
	assert.InDelta(t, 2.4, p.EngagementScore(), 1e-9)

	better := ChannelPerformance{Sent: 10, Delivered: 10, Read: 8, Clicked: 5}
	assert.Greater(t, better.EngagementScore(), p.EngagementScore())
}

func TestPreferenceLimits(t *testing.T) {
	p := &UserChannelPreferences{
		Limits: FrequencyLimits{
			PerDay:  map[Channel]int{ChannelPush: 3},
			PerWeek: map[Channel]int{ChannelPush: 10},
		},
	}
	assert.Equal(t, 3, p.DailyLimit(ChannelPush))
	assert.Equal(t, 10, p.WeeklyLimit(ChannelPush))
	assert.Zero(t, p.DailyLimit(ChannelEmail), "unset limit means unlimited")
}
