package journey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/internal/service/message"
	"github.com/pawpal/comms-api/internal/service/preferences"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

// Recorder appends a communication event to the append-only log.
type Recorder interface {
	Record(ctx context.Context, event *model.CommunicationEvent) error
}

const webhookRetryPrefix = "__webhook_retry:"

type Service struct {
	journeys    repository.JourneyRepository
	enrollments repository.EnrollmentRepository
	events      repository.EventRepository
	messages    *message.Service
	prefs       *preferences.Service
	recorder    Recorder
	httpClient  *http.Client
	backoff     []time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(
	journeys repository.JourneyRepository,
	enrollments repository.EnrollmentRepository,
	events repository.EventRepository,
	messages *message.Service,
	prefs *preferences.Service,
	recorder Recorder,
	backoff []time.Duration,
	logger zerolog.Logger,
) *Service {
	if len(backoff) == 0 {
		backoff = []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}
	}
	return &Service{
		journeys:    journeys,
		enrollments: enrollments,
		events:      events,
		messages:    messages,
		prefs:       prefs,
		recorder:    recorder,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		backoff:     backoff,
		logger:      logger.With().Str("service", "journey").Logger(),
		now:         time.Now,
	}
}

func (s *Service) Create(ctx context.Context, journey *model.Journey) error {
	if err := validateDefinition(journey); err != nil {
		return err
	}
	journey.Version = 1
	return s.journeys.Create(ctx, journey)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Journey, error) {
	journey, err := s.journeys.Get(ctx, id)
	if err == repository.ErrNotFound {
		return nil, apperrors.NotFound("journey", err)
	}
	return journey, err
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]*model.Journey, error) {
	return s.journeys.List(ctx, activeOnly)
}

// SetActive toggles the journey. Deactivation stops new enrollments and
// due-step pickup; steps already claimed by a worker finish.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.journeys.SetActive(ctx, id, active)
}

// Enroll starts a user on a journey. The call is idempotent: an existing
// active enrollment is reported as already_enrolled, never duplicated.
func (s *Service) Enroll(ctx context.Context, req *model.EnrollInJourneyRequest) (*model.EnrollInJourneyResponse, error) {
	journey, err := s.Get(ctx, req.JourneyID)
	if err != nil {
		return nil, err
	}
	if !journey.Active {
		return nil, apperrors.New(apperrors.CodeConflict, fmt.Sprintf("journey %s is not active", journey.ID), nil)
	}
	if len(journey.Steps) == 0 {
		return nil, apperrors.BadRequest(fmt.Sprintf("journey %s has no steps", journey.ID), nil)
	}

	if existing, err := s.enrollments.GetActive(ctx, req.JourneyID, req.UserID); err == nil {
		return &model.EnrollInJourneyResponse{
			EnrollmentID:    existing.ID,
			Status:          model.EnrollStatusAlreadyEnrolled,
			NextExecutionAt: existing.NextExecutionAt,
		}, nil
	} else if err != repository.ErrNotFound {
		return nil, fmt.Errorf("failed to check active enrollment: %w", err)
	}

	now := s.now()
	if latest, err := s.enrollments.GetLatest(ctx, req.JourneyID, req.UserID); err == nil {
		// A paused enrollment is still the user's slot in the journey; it
		// resumes or exits under operator control, never alongside a second
		// enrollment.
		if latest.Status == model.EnrollmentStatusPaused {
			return &model.EnrollInJourneyResponse{
				EnrollmentID: latest.ID,
				Status:       model.EnrollStatusAlreadyEnrolled,
			}, nil
		}
		if !journey.Settings.AllowReEntry {
			return &model.EnrollInJourneyResponse{
				EnrollmentID: latest.ID,
				Status:       model.EnrollStatusAlreadyEnrolled,
			}, nil
		}
		if ended := latest.EndedAt(); ended != nil {
			cooldown := time.Duration(journey.Settings.ReEntryCooldownDays) * 24 * time.Hour
			if now.Sub(*ended) < cooldown {
				return &model.EnrollInJourneyResponse{
					EnrollmentID: latest.ID,
					Status:       model.EnrollStatusAlreadyEnrolled,
				}, nil
			}
		}
	} else if err != repository.ErrNotFound {
		return nil, fmt.Errorf("failed to check enrollment history: %w", err)
	}

	startAt := now
	if req.StartAt != nil && req.StartAt.After(now) {
		startAt = *req.StartAt
	}
	nextAt := startAt.Add(journey.Steps[0].Delay.Duration())

	enrollment := &model.JourneyEnrollment{
		ID:              uuid.New(),
		JourneyID:       journey.ID,
		JourneyVersion:  journey.Version,
		UserID:          req.UserID,
		DogID:           req.DogID,
		Status:          model.EnrollmentStatusActive,
		CurrentStepID:   journey.Steps[0].ID,
		NextExecutionAt: &nextAt,
		Context:         req.Context,
		EnrolledAt:      now,
	}
	if err := s.enrollments.Create(ctx, enrollment); err != nil {
		// The partial unique index closes the race between two concurrent
		// enrolls; the loser reads back the winner's row.
		if existing, getErr := s.enrollments.GetActive(ctx, req.JourneyID, req.UserID); getErr == nil {
			return &model.EnrollInJourneyResponse{
				EnrollmentID:    existing.ID,
				Status:          model.EnrollStatusAlreadyEnrolled,
				NextExecutionAt: existing.NextExecutionAt,
			}, nil
		}
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	s.record(ctx, model.EventJourneyEnrolled, enrollment, map[string]any{"journey_name": journey.Name})

	return &model.EnrollInJourneyResponse{
		EnrollmentID:    enrollment.ID,
		Status:          model.EnrollStatusEnrolled,
		NextExecutionAt: &nextAt,
	}, nil
}

// Exit terminates an active enrollment with the given reason.
func (s *Service) Exit(ctx context.Context, journeyID, userID uuid.UUID, reason string) error {
	enrollment, err := s.enrollments.GetActive(ctx, journeyID, userID)
	if err == repository.ErrNotFound {
		return apperrors.NotFound("active enrollment", err)
	}
	if err != nil {
		return err
	}
	return s.exit(ctx, enrollment, reason)
}

// HandleEvent reacts to a recorded event: exit events terminate matching
// active enrollments of the user immediately, and event triggers enroll
// the user into matching journeys.
func (s *Service) HandleEvent(ctx context.Context, event *model.CommunicationEvent) error {
	active, err := s.enrollments.ListActiveByUser(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to list enrollments for %s: %w", event.UserID, err)
	}
	for _, enrollment := range active {
		journey, err := s.journeys.Get(ctx, enrollment.JourneyID)
		if err != nil {
			s.logger.Error().Err(err).Str("journey_id", enrollment.JourneyID.String()).Msg("failed to load journey for exit check")
			continue
		}
		if journey.IsExitEvent(event.EventType) {
			if err := s.exit(ctx, enrollment, "exit_event:"+event.EventType); err != nil {
				s.logger.Error().Err(err).Str("enrollment_id", enrollment.ID.String()).Msg("failed to exit enrollment")
			}
		}
	}

	triggered, err := s.journeys.ListActiveByTriggerEvent(ctx, event.EventType)
	if err != nil {
		return fmt.Errorf("failed to list triggered journeys: %w", err)
	}
	for _, journey := range triggered {
		_, err := s.Enroll(ctx, &model.EnrollInJourneyRequest{
			UserID:    event.UserID,
			JourneyID: journey.ID,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("journey_id", journey.ID.String()).Str("event_type", event.EventType).Msg("trigger enrollment failed")
		}
	}
	return nil
}

// EvaluateTriggers runs the time-based enrollment sweeps: inactivity
// thresholds and date offsets. Event triggers fire from HandleEvent; the
// journey processor calls this on its tick. Enroll is idempotent, so a
// user already on the journey is a no-op and re-entry follows the
// journey's cooldown settings.
func (s *Service) EvaluateTriggers(ctx context.Context, limit int) error {
	journeys, err := s.journeys.List(ctx, true)
	if err != nil {
		return err
	}
	now := s.now()
	for _, journey := range journeys {
		var (
			users    []uuid.UUID
			sweepErr error
		)
		switch journey.Trigger.Type {
		case model.TriggerInactivity:
			if journey.Trigger.InactivityDays <= 0 {
				continue
			}
			cutoff := now.Add(-time.Duration(journey.Trigger.InactivityDays) * 24 * time.Hour)
			users, sweepErr = s.events.UsersInactiveSince(ctx, cutoff, limit)
		case model.TriggerDateOffset:
			if journey.Trigger.DateProperty == "" {
				continue
			}
			cutoff := now.AddDate(0, 0, -journey.Trigger.OffsetDays)
			users, sweepErr = s.prefs.UsersWithDateBefore(ctx, journey.Trigger.DateProperty, cutoff, limit)
		default:
			continue
		}
		if sweepErr != nil {
			return fmt.Errorf("trigger sweep for journey %s: %w", journey.ID, sweepErr)
		}
		for _, userID := range users {
			if _, err := s.Enroll(ctx, &model.EnrollInJourneyRequest{UserID: userID, JourneyID: journey.ID}); err != nil {
				s.logger.Error().Err(err).
					Str("journey_id", journey.ID.String()).
					Str("user_id", userID.String()).
					Msg("trigger enrollment failed")
			}
		}
	}
	return nil
}

// ExecuteDueStep runs the enrollment's current step: conditions first,
// then the action, then a CAS advance to the next step. Losing the CAS
// means another worker already moved the enrollment; that is not an error.
func (s *Service) ExecuteDueStep(ctx context.Context, enrollment *model.JourneyEnrollment) error {
	journey, err := s.journeys.Get(ctx, enrollment.JourneyID)
	if err != nil {
		return fmt.Errorf("failed to load journey %s: %w", enrollment.JourneyID, err)
	}
	if !journey.Active {
		return nil
	}

	step, index, ok := journey.StepAt(enrollment.Branch, enrollment.CurrentStepID)
	if !ok {
		return s.pause(ctx, enrollment, fmt.Sprintf("step %s not found in branch %q", enrollment.CurrentStepID, enrollment.Branch))
	}

	outcome, branch, err := s.evaluateConditions(ctx, enrollment, step)
	if err != nil {
		// A broken condition is an operator problem. Pausing with an alert
		// beats silently skipping a gate that may exist for compliance.
		return s.pause(ctx, enrollment, fmt.Sprintf("condition evaluation failed: %v", err))
	}

	now := s.now()
	switch outcome {
	case model.OutcomeExit:
		return s.exit(ctx, enrollment, branch)
	case model.OutcomeBranch:
		target := journey.StepsFor(branch)
		if len(target) == 0 {
			return s.pause(ctx, enrollment, fmt.Sprintf("branch %q is empty or undefined", branch))
		}
		enrollment.Branch = branch
		enrollment.CurrentStepID = target[0].ID
		nextAt := now.Add(target[0].Delay.Duration())
		enrollment.NextExecutionAt = &nextAt
		return s.advance(ctx, enrollment)
	}

	messageID, retryAt, err := s.runAction(ctx, journey, enrollment, step)
	if err != nil {
		return err
	}
	if retryAt != nil {
		enrollment.NextExecutionAt = retryAt
		return s.advance(ctx, enrollment)
	}

	enrollment.History = append(enrollment.History, model.StepRecord{
		StepID:     step.ID,
		Branch:     enrollment.Branch,
		ExecutedAt: now,
		MessageID:  messageID,
	})
	delete(enrollment.Context, webhookRetryPrefix+step.ID)

	steps := journey.StepsFor(enrollment.Branch)
	if index+1 >= len(steps) {
		enrollment.Status = model.EnrollmentStatusCompleted
		enrollment.CompletedAt = &now
		enrollment.NextExecutionAt = nil
		if err := s.advance(ctx, enrollment); err != nil {
			return err
		}
		s.record(ctx, model.EventJourneyCompleted, enrollment, nil)
		return nil
	}

	next := steps[index+1]
	enrollment.CurrentStepID = next.ID
	nextAt := now.Add(next.Delay.Duration())
	enrollment.NextExecutionAt = &nextAt
	return s.advance(ctx, enrollment)
}

// runAction executes the step's side effect. A non-nil retryAt asks the
// caller to re-run the same step later instead of advancing.
func (s *Service) runAction(ctx context.Context, journey *model.Journey, enrollment *model.JourneyEnrollment, step *model.JourneyStep) (*uuid.UUID, *time.Time, error) {
	switch step.Action {
	case model.ActionSendMessage:
		if step.TemplateID == nil {
			return nil, nil, s.pause(ctx, enrollment, fmt.Sprintf("step %s has no template", step.ID))
		}
		if at, capped := s.messageCapResume(journey, enrollment); capped {
			return nil, &at, nil
		}
		priority := step.Priority
		if priority == "" {
			priority = model.PriorityMedium
		}
		resp, err := s.messages.SendJourneyMessage(ctx, &model.SendMessageRequest{
			UserID:     enrollment.UserID,
			DogID:      enrollment.DogID,
			TemplateID: *step.TemplateID,
			Channel:    step.Channel,
			Variables:  enrollment.Context,
			Priority:   priority,
		}, journey.ID, step.ID)
		if err != nil {
			// One undeliverable message does not kill the journey; the step
			// is recorded without a message and the journey moves on.
			s.logger.Warn().Err(err).
				Str("enrollment_id", enrollment.ID.String()).
				Str("step_id", step.ID).
				Msg("journey message skipped")
			return nil, nil, nil
		}
		return &resp.MessageID, nil, nil

	case model.ActionUpdateProperty:
		return nil, nil, s.prefs.SetProperty(ctx, enrollment.UserID, step.Property, step.Value)
	case model.ActionAddTag:
		return nil, nil, s.prefs.AddTag(ctx, enrollment.UserID, step.Tag)
	case model.ActionRemoveTag:
		return nil, nil, s.prefs.RemoveTag(ctx, enrollment.UserID, step.Tag)

	case model.ActionWebhook:
		return s.runWebhook(ctx, enrollment, step)
	}
	return nil, nil, s.pause(ctx, enrollment, fmt.Sprintf("unknown action %q on step %s", step.Action, step.ID))
}

// runWebhook posts the step body. Failures retry on the delivery backoff
// schedule by rescheduling the same step; exhaustion pauses the enrollment.
func (s *Service) runWebhook(ctx context.Context, enrollment *model.JourneyEnrollment, step *model.JourneyStep) (*uuid.UUID, *time.Time, error) {
	body, err := json.Marshal(map[string]any{
		"user_id":       enrollment.UserID,
		"journey_id":    enrollment.JourneyID,
		"enrollment_id": enrollment.ID,
		"step_id":       step.ID,
		"data":          step.WebhookBody,
	})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, step.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, s.pause(ctx, enrollment, fmt.Sprintf("invalid webhook url on step %s: %v", step.ID, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil, nil, nil
		}
		err = fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	key := webhookRetryPrefix + step.ID
	attempt := 0
	if enrollment.Context != nil {
		attempt, _ = strconv.Atoi(enrollment.Context[key])
	}
	if attempt >= len(s.backoff) {
		return nil, nil, s.pause(ctx, enrollment, fmt.Sprintf("webhook on step %s failed after %d attempts: %v", step.ID, attempt+1, err))
	}
	if enrollment.Context == nil {
		enrollment.Context = make(map[string]string, 1)
	}
	enrollment.Context[key] = strconv.Itoa(attempt + 1)
	retryAt := s.now().Add(s.backoff[attempt])
	s.logger.Warn().Err(err).
		Str("enrollment_id", enrollment.ID.String()).
		Str("step_id", step.ID).
		Int("attempt", attempt+1).
		Time("retry_at", retryAt).
		Msg("webhook failed, rescheduling step")
	return nil, &retryAt, nil
}

// messageCapResume enforces the journey's own per-day/per-week message
// caps from the enrollment history, returning when the step may retry.
func (s *Service) messageCapResume(journey *model.Journey, enrollment *model.JourneyEnrollment) (time.Time, bool) {
	dayCap := journey.Settings.MaxMessagesPerDay
	weekCap := journey.Settings.MaxMessagesPerWeek
	if dayCap <= 0 && weekCap <= 0 {
		return time.Time{}, false
	}
	now := s.now()
	var day, week int
	for _, record := range enrollment.History {
		if record.MessageID == nil {
			continue
		}
		age := now.Sub(record.ExecutedAt)
		if age < 24*time.Hour {
			day++
		}
		if age < 7*24*time.Hour {
			week++
		}
	}
	if dayCap > 0 && day >= dayCap {
		return now.Add(24 * time.Hour), true
	}
	if weekCap > 0 && week >= weekCap {
		return now.Add(24 * time.Hour), true
	}
	return time.Time{}, false
}

// evaluateConditions returns the first matching condition's outcome. The
// second return value carries the branch name for branch outcomes and the
// exit reason for exit outcomes.
func (s *Service) evaluateConditions(ctx context.Context, enrollment *model.JourneyEnrollment, step *model.JourneyStep) (model.ConditionOutcome, string, error) {
	if len(step.Conditions) == 0 {
		return model.OutcomeContinue, "", nil
	}

	var props map[string]string
	for _, cond := range step.Conditions {
		value, found := enrollment.Context[cond.Field]
		if !found {
			if props == nil {
				prefs, err := s.prefs.Get(ctx, enrollment.UserID)
				if err != nil {
					return "", "", err
				}
				props = prefs.Properties
			}
			value, found = props[cond.Field]
		}

		matched, err := match(cond, value, found)
		if err != nil {
			return "", "", err
		}
		if !matched {
			continue
		}
		switch cond.Outcome {
		case model.OutcomeExit:
			return model.OutcomeExit, "condition:" + cond.Field, nil
		case model.OutcomeBranch:
			return model.OutcomeBranch, cond.Branch, nil
		case model.OutcomeContinue:
			return model.OutcomeContinue, "", nil
		default:
			return "", "", fmt.Errorf("unknown outcome %q for field %q", cond.Outcome, cond.Field)
		}
	}
	return model.OutcomeContinue, "", nil
}

func match(cond model.StepCondition, value string, found bool) (bool, error) {
	switch cond.Op {
	case "exists":
		return found, nil
	case "absent":
		return !found, nil
	case "eq":
		return found && value == cond.Value, nil
	case "neq":
		return !found || value != cond.Value, nil
	case "gt", "lt":
		if !found {
			return false, nil
		}
		have, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false, fmt.Errorf("field %q value %q is not numeric: %w", cond.Field, value, err)
		}
		want, err := strconv.ParseFloat(cond.Value, 64)
		if err != nil {
			return false, fmt.Errorf("condition value %q for field %q is not numeric: %w", cond.Value, cond.Field, err)
		}
		if cond.Op == "gt" {
			return have > want, nil
		}
		return have < want, nil
	}
	return false, fmt.Errorf("unknown operator %q for field %q", cond.Op, cond.Field)
}

func (s *Service) exit(ctx context.Context, enrollment *model.JourneyEnrollment, reason string) error {
	now := s.now()
	enrollment.Status = model.EnrollmentStatusExited
	enrollment.ExitReason = &reason
	enrollment.ExitedAt = &now
	enrollment.NextExecutionAt = nil
	if err := s.advance(ctx, enrollment); err != nil {
		return err
	}
	s.record(ctx, model.EventJourneyExited, enrollment, map[string]any{"reason": reason})
	return nil
}

func (s *Service) pause(ctx context.Context, enrollment *model.JourneyEnrollment, reason string) error {
	enrollment.Status = model.EnrollmentStatusPaused
	enrollment.PauseReason = &reason
	enrollment.NextExecutionAt = nil
	if err := s.advance(ctx, enrollment); err != nil {
		return err
	}
	s.logger.Error().
		Str("enrollment_id", enrollment.ID.String()).
		Str("journey_id", enrollment.JourneyID.String()).
		Str("reason", reason).
		Msg("enrollment paused, operator attention required")
	s.record(ctx, model.EventJourneyPaused, enrollment, map[string]any{"reason": reason})
	return nil
}

func (s *Service) advance(ctx context.Context, enrollment *model.JourneyEnrollment) error {
	err := s.enrollments.Advance(ctx, enrollment)
	if err == repository.ErrStaleEnrollment {
		s.logger.Debug().Str("enrollment_id", enrollment.ID.String()).Msg("lost advance race")
		return nil
	}
	return err
}

func (s *Service) record(ctx context.Context, eventType string, enrollment *model.JourneyEnrollment, detail map[string]any) {
	var payload json.RawMessage
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}
	event := &model.CommunicationEvent{
		EventType:  eventType,
		UserID:     enrollment.UserID,
		JourneyID:  &enrollment.JourneyID,
		Payload:    payload,
		OccurredAt: s.now(),
	}
	if err := s.recorder.Record(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("failed to record journey event")
	}
}

func validateDefinition(journey *model.Journey) error {
	if journey.Name == "" {
		return apperrors.BadRequest("journey name is required", nil)
	}
	if len(journey.Steps) == 0 {
		return apperrors.BadRequest("journey needs at least one step", nil)
	}
	switch journey.Trigger.Type {
	case model.TriggerEvent:
		if journey.Trigger.EventName == "" {
			return apperrors.BadRequest("event trigger needs an event name", nil)
		}
	case model.TriggerDateOffset:
		if journey.Trigger.DateProperty == "" {
			return apperrors.BadRequest("date-offset trigger needs an anchor date property", nil)
		}
		if journey.Trigger.OffsetDays < 0 {
			return apperrors.BadRequest("date-offset trigger cannot look into the future", nil)
		}
	case model.TriggerInactivity:
		if journey.Trigger.InactivityDays <= 0 {
			return apperrors.BadRequest("inactivity trigger needs a day threshold", nil)
		}
	case model.TriggerManual:
	default:
		return apperrors.BadRequest(fmt.Sprintf("unknown trigger type %q", journey.Trigger.Type), nil)
	}

	seen := map[string]bool{}
	check := func(branch string, steps []model.JourneyStep) error {
		for _, step := range steps {
			if step.ID == "" {
				return apperrors.BadRequest("step is missing an id", nil)
			}
			if seen[branch+"/"+step.ID] {
				return apperrors.BadRequest(fmt.Sprintf("duplicate step id %q", step.ID), nil)
			}
			seen[branch+"/"+step.ID] = true
			if step.Action == model.ActionSendMessage && step.TemplateID == nil {
				return apperrors.BadRequest(fmt.Sprintf("step %s sends a message without a template", step.ID), nil)
			}
			for _, cond := range step.Conditions {
				if cond.Outcome == model.OutcomeBranch {
					if _, ok := journey.Branches[cond.Branch]; !ok {
						return apperrors.BadRequest(fmt.Sprintf("step %s branches to undefined branch %q", step.ID, cond.Branch), nil)
					}
				}
			}
		}
		return nil
	}
	if err := check("", journey.Steps); err != nil {
		return err
	}
	for name, steps := range journey.Branches {
		if len(steps) == 0 {
			return apperrors.BadRequest(fmt.Sprintf("branch %q is empty", name), nil)
		}
		if err := check(name, steps); err != nil {
			return err
		}
	}
	return nil
}
