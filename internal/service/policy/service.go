package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

const (
	prefsCacheTTL     = 30 * time.Second
	prefsCacheCleanup = time.Minute
)

// ChannelDecision is the resolver's verdict for one send: a primary
// channel plus the ranked fallback chain, or a reschedule time when every
// candidate is only temporarily blocked.
type ChannelDecision struct {
	Channel   model.Channel
	Fallbacks []model.Channel
	// ResumeAt is set when the send should be held and retried later
	// (quiet hours or a frequency bucket); the channel then names the
	// candidate that will open first.
	ResumeAt *time.Time
	Skipped  []SkipReason
}

// Rescheduled reports whether the decision defers the send instead of
// naming a deliverable channel.
func (d *ChannelDecision) Rescheduled() bool {
	return d.ResumeAt != nil
}

// SkipReason records why one candidate channel was passed over.
type SkipReason struct {
	Channel  model.Channel
	Code     apperrors.Code
	ResumeAt *time.Time
}

type Service struct {
	prefs    repository.PreferencesRepository
	counters repository.CounterStore
	cache    *gocache.Cache
	now      func() time.Time
}

func NewService(prefs repository.PreferencesRepository, counters repository.CounterStore) *Service {
	return &Service{
		prefs:    prefs,
		counters: counters,
		cache:    gocache.New(prefsCacheTTL, prefsCacheCleanup),
		now:      time.Now,
	}
}

// Resolve picks the delivery channel for one send against a snapshot of
// the user's preferences and frequency counters. The resolver never
// mutates state; counters move only when the dispatcher actually sends.
func (s *Service) Resolve(ctx context.Context, userID uuid.UUID, tmpl *model.Template, requested *model.Channel, priority model.Priority) (*ChannelDecision, error) {
	prefs, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}

	now := s.now()
	purpose := tmpl.ConsentPurpose()
	decision := &ChannelDecision{}
	var lastConsentErr error

	for _, ch := range candidates(tmpl, prefs, requested) {
		skip, err := s.check(ctx, prefs, ch, purpose, priority, now)
		if err != nil {
			return nil, err
		}
		if skip == nil {
			if decision.Channel == "" {
				decision.Channel = ch
			} else {
				decision.Fallbacks = append(decision.Fallbacks, ch)
			}
			continue
		}
		decision.Skipped = append(decision.Skipped, *skip)
		if skip.Code == apperrors.CodeChannelDisabled {
			lastConsentErr = apperrors.ChannelDisabled(fmt.Sprintf("channel %s is disabled for user %s", ch, userID))
		}
		if skip.Code == apperrors.CodeUserOptedOut {
			lastConsentErr = apperrors.UserOptedOut(fmt.Sprintf("user %s has not consented to %s on %s", userID, purpose, ch))
		}
	}

	if decision.Channel != "" {
		return decision, nil
	}

	// No candidate passed. A quiet-hours or frequency skip means the send
	// is deferrable: hold until the earliest window opens. Pure consent
	// exhaustion is a hard failure.
	if ch, resumeAt, ok := earliestResume(decision.Skipped); ok {
		decision.Channel = ch
		decision.ResumeAt = &resumeAt
		return decision, nil
	}
	if lastConsentErr != nil {
		return nil, lastConsentErr
	}
	return nil, apperrors.ChannelDisabled(fmt.Sprintf("no channel available for template %s and user %s", tmpl.ID, userID))
}

// CheckChannel re-evaluates a single channel against the current
// snapshot. The dispatcher calls this at send time: a decision made at
// enqueue can be stale by the time the message is due.
func (s *Service) CheckChannel(ctx context.Context, userID uuid.UUID, ch model.Channel, purpose model.ConsentPurpose, priority model.Priority) (*SkipReason, error) {
	prefs, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}
	return s.check(ctx, prefs, ch, purpose, priority, s.now())
}

// check evaluates one candidate; nil means the channel is sendable now.
func (s *Service) check(ctx context.Context, prefs *model.UserChannelPreferences, ch model.Channel, purpose model.ConsentPurpose, priority model.Priority, now time.Time) (*SkipReason, error) {
	consent := prefs.Consent(ch)
	if !consent.Enabled {
		return &SkipReason{Channel: ch, Code: apperrors.CodeChannelDisabled}, nil
	}
	// An empty purpose means the template opted out of purpose consent;
	// the channel-enabled gate above still applies.
	if purpose != "" && !consent.Allows(purpose) {
		return &SkipReason{Channel: ch, Code: apperrors.CodeUserOptedOut}, nil
	}

	if !(priority == model.PriorityCritical && prefs.QuietHours.AllowCritical) {
		inWindow, resumeAt, err := prefs.QuietHours.Contains(now)
		if err != nil {
			return nil, fmt.Errorf("quiet hours for %s: %w", prefs.UserID, err)
		}
		if inWindow {
			return &SkipReason{Channel: ch, Code: apperrors.CodeQuietHours, ResumeAt: &resumeAt}, nil
		}
	}

	if limit := prefs.DailyLimit(ch); limit > 0 {
		sent, err := s.counters.SentToday(ctx, prefs.UserID, ch, now)
		if err != nil {
			return nil, fmt.Errorf("daily counter for %s/%s: %w", prefs.UserID, ch, err)
		}
		if sent >= int64(limit) {
			resumeAt := nextDay(now, prefs.QuietHours.Timezone)
			return &SkipReason{Channel: ch, Code: apperrors.CodeFrequencyLimit, ResumeAt: &resumeAt}, nil
		}
	}
	if limit := prefs.WeeklyLimit(ch); limit > 0 {
		sent, err := s.counters.SentThisWeek(ctx, prefs.UserID, ch, now)
		if err != nil {
			return nil, fmt.Errorf("weekly counter for %s/%s: %w", prefs.UserID, ch, err)
		}
		if sent >= int64(limit) {
			resumeAt := nextWeek(now, prefs.QuietHours.Timezone)
			return &SkipReason{Channel: ch, Code: apperrors.CodeFrequencyLimit, ResumeAt: &resumeAt}, nil
		}
	}
	return nil, nil
}

// candidates orders the channels to try: the caller's requested channel
// first when the template supports it, then the intersection of template
// channels and user-preferred channels ranked by engagement, then the
// remaining template channels.
func candidates(tmpl *model.Template, prefs *model.UserChannelPreferences, requested *model.Channel) []model.Channel {
	seen := make(map[model.Channel]bool, len(tmpl.Channels))
	var ordered []model.Channel

	add := func(ch model.Channel) {
		if !seen[ch] && tmpl.SupportsChannel(ch) {
			seen[ch] = true
			ordered = append(ordered, ch)
		}
	}

	if requested != nil {
		add(*requested)
	}

	preferred := make([]model.Channel, 0, len(prefs.PreferredChannels))
	for _, ch := range prefs.PreferredChannels {
		if tmpl.SupportsChannel(ch) {
			preferred = append(preferred, ch)
		}
	}
	rankByEngagement(preferred, prefs)
	for _, ch := range preferred {
		add(ch)
	}

	rest := make([]model.Channel, 0, len(tmpl.Channels))
	for _, ch := range tmpl.Channels {
		if !seen[ch] {
			rest = append(rest, ch)
		}
	}
	rankByEngagement(rest, prefs)
	for _, ch := range rest {
		add(ch)
	}
	return ordered
}

// rankByEngagement sorts in place, highest score first. The sort is
// stable so channels with equal history keep the caller's order.
func rankByEngagement(channels []model.Channel, prefs *model.UserChannelPreferences) {
	sort.SliceStable(channels, func(i, j int) bool {
		return score(prefs, channels[i]) > score(prefs, channels[j])
	})
}

func score(prefs *model.UserChannelPreferences, ch model.Channel) float64 {
	if prefs.Performance == nil {
		return 0
	}
	return prefs.Performance[ch].EngagementScore()
}

func earliestResume(skipped []SkipReason) (model.Channel, time.Time, bool) {
	var (
		ch    model.Channel
		at    time.Time
		found bool
	)
	for _, skip := range skipped {
		if skip.ResumeAt == nil {
			continue
		}
		if !found || skip.ResumeAt.Before(at) {
			ch, at, found = skip.Channel, *skip.ResumeAt, true
		}
	}
	return ch, at, found
}

// snapshot reads preferences through a short-lived cache. Missing rows
// resolve to a default record with every channel disabled.
func (s *Service) snapshot(ctx context.Context, userID uuid.UUID) (*model.UserChannelPreferences, error) {
	if cached, ok := s.cache.Get(userID.String()); ok {
		return cached.(*model.UserChannelPreferences), nil
	}
	prefs, err := s.prefs.Get(ctx, userID)
	if err == repository.ErrNotFound {
		prefs = &model.UserChannelPreferences{UserID: userID}
	} else if err != nil {
		return nil, err
	}
	s.cache.Set(userID.String(), prefs, gocache.DefaultExpiration)
	return prefs, nil
}

// Invalidate drops the cached snapshot after a preferences write.
func (s *Service) Invalidate(userID uuid.UUID) {
	s.cache.Delete(userID.String())
}

func nextDay(now time.Time, tz string) time.Time {
	loc := location(tz)
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).Add(24 * time.Hour)
}

func nextWeek(now time.Time, tz string) time.Time {
	loc := location(tz)
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	// ISO weeks start Monday.
	offset := (8 - int(day.Weekday())) % 7
	if offset == 0 {
		offset = 7
	}
	return day.Add(time.Duration(offset) * 24 * time.Hour)
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
