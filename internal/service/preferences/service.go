package preferences

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/internal/service/policy"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

type Service struct {
	repo   repository.PreferencesRepository
	policy *policy.Service
	now    func() time.Time
}

func NewService(repo repository.PreferencesRepository, policySvc *policy.Service) *Service {
	return &Service{repo: repo, policy: policySvc, now: time.Now}
}

// Get returns the stored preferences, or a default record with every
// channel disabled when none exist yet.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*model.UserChannelPreferences, error) {
	prefs, err := s.repo.Get(ctx, userID)
	if err == repository.ErrNotFound {
		return &model.UserChannelPreferences{UserID: userID}, nil
	}
	return prefs, err
}

// Update applies a partial preferences update. Omitted sections keep
// their stored value.
func (s *Service) Update(ctx context.Context, userID uuid.UUID, req *model.UpdatePreferencesRequest) (*model.UserChannelPreferences, error) {
	for ch := range req.Consents {
		if !ch.Valid() {
			return nil, apperrors.BadRequest(fmt.Sprintf("unknown channel %q", ch), nil)
		}
	}
	for _, ch := range req.PreferredChannels {
		if !ch.Valid() {
			return nil, apperrors.BadRequest(fmt.Sprintf("unknown channel %q", ch), nil)
		}
	}

	prefs, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if req.Consents != nil {
		if prefs.Consents == nil {
			prefs.Consents = make(map[model.Channel]model.ChannelConsent, len(req.Consents))
		}
		for ch, consent := range req.Consents {
			prev := prefs.Consents[ch]
			if consent.Enabled && !prev.Enabled {
				consent.ConsentedAt = &now
				consent.RevokedAt = nil
			}
			if !consent.Enabled && prev.Enabled {
				consent.RevokedAt = &now
				consent.ConsentedAt = prev.ConsentedAt
			}
			prefs.Consents[ch] = consent
		}
	}
	if req.PreferredChannels != nil {
		prefs.PreferredChannels = req.PreferredChannels
	}
	if req.QuietHours != nil {
		if _, _, err := req.QuietHours.Contains(now); err != nil {
			return nil, apperrors.BadRequest("invalid quiet hours", err)
		}
		prefs.QuietHours = *req.QuietHours
	}
	if req.Limits != nil {
		prefs.Limits = *req.Limits
	}
	prefs.UpdatedAt = now

	if err := s.repo.Upsert(ctx, prefs); err != nil {
		return nil, fmt.Errorf("failed to save preferences: %w", err)
	}
	s.policy.Invalidate(userID)
	return prefs, nil
}

func (s *Service) SetProperty(ctx context.Context, userID uuid.UUID, key, value string) error {
	if err := s.repo.SetProperty(ctx, userID, key, value); err != nil {
		return err
	}
	s.policy.Invalidate(userID)
	return nil
}

func (s *Service) AddTag(ctx context.Context, userID uuid.UUID, tag string) error {
	if err := s.repo.AddTag(ctx, userID, tag); err != nil {
		return err
	}
	s.policy.Invalidate(userID)
	return nil
}

func (s *Service) RemoveTag(ctx context.Context, userID uuid.UUID, tag string) error {
	if err := s.repo.RemoveTag(ctx, userID, tag); err != nil {
		return err
	}
	s.policy.Invalidate(userID)
	return nil
}

// UsersWithDateBefore lists users whose date property is on or before
// cutoff. Date-offset journey triggers sweep with this.
func (s *Service) UsersWithDateBefore(ctx context.Context, property string, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return s.repo.UsersWithDateBefore(ctx, property, cutoff, limit)
}

// RecordEngagement bumps the per-channel performance counter feeding the
// resolver's ranking. Unknown event types are ignored.
func (s *Service) RecordEngagement(ctx context.Context, userID uuid.UUID, ch model.Channel, eventType string) error {
	var field string
	switch eventType {
	case model.EventMessageSent:
		field = "sent"
	case model.EventMessageDelivered:
		field = "delivered"
	case model.EventMessageRead:
		field = "read"
	case model.EventMessageClicked:
		field = "clicked"
	default:
		return nil
	}
	if err := s.repo.IncrPerformance(ctx, userID, ch, field); err != nil {
		return err
	}
	s.policy.Invalidate(userID)
	return nil
}
