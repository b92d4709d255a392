package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

type fakePrefsRepo struct {
	prefs map[uuid.UUID]*model.UserChannelPreferences
}

func (r *fakePrefsRepo) Get(_ context.Context, userID uuid.UUID) (*model.UserChannelPreferences, error) {
	p, ok := r.prefs[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (r *fakePrefsRepo) Upsert(_ context.Context, p *model.UserChannelPreferences) error {
	r.prefs[p.UserID] = p
	return nil
}

func (r *fakePrefsRepo) SetProperty(_ context.Context, _ uuid.UUID, _, _ string) error { return nil }
func (r *fakePrefsRepo) AddTag(_ context.Context, _ uuid.UUID, _ string) error         { return nil }
func (r *fakePrefsRepo) RemoveTag(_ context.Context, _ uuid.UUID, _ string) error      { return nil }
func (r *fakePrefsRepo) IncrPerformance(_ context.Context, _ uuid.UUID, _ model.Channel, _ string) error {
	return nil
}

func (r *fakePrefsRepo) UsersWithDateBefore(_ context.Context, _ string, _ time.Time, _ int) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeCounters struct {
	daily  map[model.Channel]int64
	weekly map[model.Channel]int64
}

func (c *fakeCounters) IncrSent(_ context.Context, _ uuid.UUID, ch model.Channel, _ time.Time) error {
	if c.daily == nil {
		c.daily = map[model.Channel]int64{}
	}
	if c.weekly == nil {
		c.weekly = map[model.Channel]int64{}
	}
	c.daily[ch]++
	c.weekly[ch]++
	return nil
}

func (c *fakeCounters) SentToday(_ context.Context, _ uuid.UUID, ch model.Channel, _ time.Time) (int64, error) {
	return c.daily[ch], nil
}

func (c *fakeCounters) SentThisWeek(_ context.Context, _ uuid.UUID, ch model.Channel, _ time.Time) (int64, error) {
	return c.weekly[ch], nil
}

func enabledConsent(purposes ...model.ConsentPurpose) model.ChannelConsent {
	m := make(map[model.ConsentPurpose]bool, len(purposes))
	for _, p := range purposes {
		m[p] = true
	}
	return model.ChannelConsent{Enabled: true, Purposes: m}
}

func transactionalTemplate(channels ...model.Channel) *model.Template {
	content := make(map[model.Channel]model.ChannelContent, len(channels))
	for _, ch := range channels {
		content[ch] = model.ChannelContent{Body: "hello"}
	}
	return &model.Template{
		ID:       uuid.New(),
		Name:     "welcome",
		Category: model.CategoryTransactional,
		Channels: channels,
		Content:  content,
		Status:   model.TemplateStatusPublished,
	}
}

func newTestService(prefs *model.UserChannelPreferences, counters *fakeCounters) (*Service, uuid.UUID) {
	userID := uuid.New()
	prefs.UserID = userID
	repo := &fakePrefsRepo{prefs: map[uuid.UUID]*model.UserChannelPreferences{userID: prefs}}
	if counters == nil {
		counters = &fakeCounters{}
	}
	return NewService(repo, counters), userID
}

func TestResolveFallsPastDisabledRequestedChannel(t *testing.T) {
	// Push disabled, email consented: a requested push send lands on email.
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelPush:  {Enabled: false},
			model.ChannelEmail: enabledConsent(),
		},
		PreferredChannels: []model.Channel{model.ChannelPush, model.ChannelEmail},
	}, nil)

	requested := model.ChannelPush
	decision, err := svc.Resolve(context.Background(), userID,
		transactionalTemplate(model.ChannelPush, model.ChannelEmail), &requested, model.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, decision.Channel)
	assert.False(t, decision.Rescheduled())
	require.Len(t, decision.Skipped, 1)
	assert.Equal(t, apperrors.CodeChannelDisabled, decision.Skipped[0].Code)
}

func TestResolveRanksByEngagement(t *testing.T) {
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelPush:  enabledConsent(),
			model.ChannelEmail: enabledConsent(),
		},
		PreferredChannels: []model.Channel{model.ChannelPush, model.ChannelEmail},
		Performance: map[model.Channel]model.ChannelPerformance{
			model.ChannelPush:  {Sent: 100, Delivered: 90, Read: 5, Clicked: 0},
			model.ChannelEmail: {Sent: 100, Delivered: 95, Read: 60, Clicked: 30},
		},
	}, nil)

	decision, err := svc.Resolve(context.Background(), userID,
		transactionalTemplate(model.ChannelPush, model.ChannelEmail), nil, model.PriorityMedium)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, decision.Channel, "higher engagement wins")
	assert.Equal(t, []model.Channel{model.ChannelPush}, decision.Fallbacks)
}

func TestResolveMarketingNeedsPurposeConsent(t *testing.T) {
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelEmail: enabledConsent(), // enabled, but no marketing opt-in
		},
		PreferredChannels: []model.Channel{model.ChannelEmail},
	}, nil)

	tmpl := transactionalTemplate(model.ChannelEmail)
	tmpl.Category = model.CategoryMarketing
	tmpl.RequiresConsent = true

	_, err := svc.Resolve(context.Background(), userID, tmpl, nil, model.PriorityMedium)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUserOptedOut, apperrors.CodeOf(err))
}

func TestResolveConsentFlagOffSkipsPurposeGate(t *testing.T) {
	// Same enabled-but-no-marketing-opt-in user as above: a marketing
	// template that does not require purpose consent still goes out.
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelEmail: enabledConsent(),
		},
		PreferredChannels: []model.Channel{model.ChannelEmail},
	}, nil)

	tmpl := transactionalTemplate(model.ChannelEmail)
	tmpl.Category = model.CategoryMarketing

	decision, err := svc.Resolve(context.Background(), userID, tmpl, nil, model.PriorityMedium)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, decision.Channel)
}

func TestResolveQuietHoursReschedules(t *testing.T) {
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelPush: enabledConsent(),
		},
		PreferredChannels: []model.Channel{model.ChannelPush},
		QuietHours:        model.QuietHours{Start: "23:00", End: "08:00", Timezone: "UTC"},
	}, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC) }

	decision, err := svc.Resolve(context.Background(), userID,
		transactionalTemplate(model.ChannelPush), nil, model.PriorityMedium)
	require.NoError(t, err)
	require.True(t, decision.Rescheduled())
	assert.Equal(t, model.ChannelPush, decision.Channel)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), *decision.ResumeAt)
}

func TestResolveCriticalBypassesQuietHours(t *testing.T) {
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelPush: enabledConsent(),
		},
		PreferredChannels: []model.Channel{model.ChannelPush},
		QuietHours:        model.QuietHours{Start: "23:00", End: "08:00", Timezone: "UTC", AllowCritical: true},
	}, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC) }

	decision, err := svc.Resolve(context.Background(), userID,
		transactionalTemplate(model.ChannelPush), nil, model.PriorityCritical)
	require.NoError(t, err)
	assert.False(t, decision.Rescheduled())
	assert.Equal(t, model.ChannelPush, decision.Channel)
}

func TestResolveDailyFrequencyLimit(t *testing.T) {
	counters := &fakeCounters{daily: map[model.Channel]int64{model.ChannelPush: 3}}
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelPush: enabledConsent(),
		},
		PreferredChannels: []model.Channel{model.ChannelPush},
		Limits:            model.FrequencyLimits{PerDay: map[model.Channel]int{model.ChannelPush: 3}},
	}, counters)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	decision, err := svc.Resolve(context.Background(), userID,
		transactionalTemplate(model.ChannelPush), nil, model.PriorityMedium)
	require.NoError(t, err)
	require.True(t, decision.Rescheduled())
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *decision.ResumeAt,
		"frequency hold resumes at the next day boundary")
}

func TestResolveFrequencyLimitPrefersOpenFallback(t *testing.T) {
	// Push is capped but email is open: the resolver must pick email
	// rather than rescheduling.
	counters := &fakeCounters{daily: map[model.Channel]int64{model.ChannelPush: 3}}
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelPush:  enabledConsent(),
			model.ChannelEmail: enabledConsent(),
		},
		PreferredChannels: []model.Channel{model.ChannelPush, model.ChannelEmail},
		Limits:            model.FrequencyLimits{PerDay: map[model.Channel]int{model.ChannelPush: 3}},
	}, counters)

	decision, err := svc.Resolve(context.Background(), userID,
		transactionalTemplate(model.ChannelPush, model.ChannelEmail), nil, model.PriorityMedium)
	require.NoError(t, err)
	assert.False(t, decision.Rescheduled())
	assert.Equal(t, model.ChannelEmail, decision.Channel)
}

func TestResolveNoConsentAnywhere(t *testing.T) {
	svc, userID := newTestService(&model.UserChannelPreferences{
		Consents: map[model.Channel]model.ChannelConsent{
			model.ChannelPush:  {Enabled: false},
			model.ChannelEmail: {Enabled: false},
		},
		PreferredChannels: []model.Channel{model.ChannelPush, model.ChannelEmail},
	}, nil)

	_, err := svc.Resolve(context.Background(), userID,
		transactionalTemplate(model.ChannelPush, model.ChannelEmail), nil, model.PriorityMedium)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeChannelDisabled, apperrors.CodeOf(err))
}

func TestResolveUnknownUserGetsDefaultDisabled(t *testing.T) {
	repo := &fakePrefsRepo{prefs: map[uuid.UUID]*model.UserChannelPreferences{}}
	svc := NewService(repo, &fakeCounters{})

	_, err := svc.Resolve(context.Background(), uuid.New(),
		transactionalTemplate(model.ChannelEmail), nil, model.PriorityMedium)
	require.Error(t, err, "a user with no preferences row has nothing enabled")
}
