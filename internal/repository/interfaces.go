package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pawpal/comms-api/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleEnrollment is returned when an Advance loses the version CAS.
	ErrStaleEnrollment = errors.New("enrollment advanced concurrently")
)

// All repository interfaces in one file
type (
	// MessageRepository persists the message table, which doubles as the
	// durable dispatch queue (pending rows with a due scheduled_at).
	MessageRepository interface {
		Create(ctx context.Context, msg *model.Message) error
		Get(ctx context.Context, id uuid.UUID) (*model.Message, error)
		Update(ctx context.Context, msg *model.Message) error
		// ClaimDue locks and returns due pending messages, at most one per
		// (user, channel) pair, oldest first.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]*model.Message, error)
		Reschedule(ctx context.Context, id uuid.UUID, at time.Time) error
		// Transition applies one lattice step guarded by the current status;
		// returns false when the message was not in the expected state.
		Transition(ctx context.Context, id uuid.UUID, from, to model.MessageStatus, at time.Time) (bool, error)
		ArchiveTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	}

	TemplateRepository interface {
		Create(ctx context.Context, tmpl *model.Template) error
		Get(ctx context.Context, id uuid.UUID) (*model.Template, error)
		Update(ctx context.Context, tmpl *model.Template) error
		Publish(ctx context.Context, id uuid.UUID) error
		List(ctx context.Context) ([]*model.Template, error)
	}

	JourneyRepository interface {
		Create(ctx context.Context, journey *model.Journey) error
		Get(ctx context.Context, id uuid.UUID) (*model.Journey, error)
		List(ctx context.Context, activeOnly bool) ([]*model.Journey, error)
		ListActiveByTriggerEvent(ctx context.Context, eventName string) ([]*model.Journey, error)
		SetActive(ctx context.Context, id uuid.UUID, active bool) error
	}

	EnrollmentRepository interface {
		Create(ctx context.Context, e *model.JourneyEnrollment) error
		Get(ctx context.Context, id uuid.UUID) (*model.JourneyEnrollment, error)
		// GetActive returns the active enrollment for (journey, user), or
		// ErrNotFound.
		GetActive(ctx context.Context, journeyID, userID uuid.UUID) (*model.JourneyEnrollment, error)
		// GetLatest returns the most recent enrollment regardless of status.
		GetLatest(ctx context.Context, journeyID, userID uuid.UUID) (*model.JourneyEnrollment, error)
		ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*model.JourneyEnrollment, error)
		// Due locks and returns active enrollments whose next_execution_at is
		// past, skipping enrollments of deactivated journeys.
		Due(ctx context.Context, now time.Time, limit int) ([]*model.JourneyEnrollment, error)
		// Advance writes the mutated enrollment guarded by its version; the
		// version is bumped on success, ErrStaleEnrollment on conflict.
		Advance(ctx context.Context, e *model.JourneyEnrollment) error
	}

	PreferencesRepository interface {
		Get(ctx context.Context, userID uuid.UUID) (*model.UserChannelPreferences, error)
		Upsert(ctx context.Context, prefs *model.UserChannelPreferences) error
		SetProperty(ctx context.Context, userID uuid.UUID, key, value string) error
		AddTag(ctx context.Context, userID uuid.UUID, tag string) error
		RemoveTag(ctx context.Context, userID uuid.UUID, tag string) error
		IncrPerformance(ctx context.Context, userID uuid.UUID, ch model.Channel, field string) error
		// UsersWithDateBefore returns users whose date-typed property is on
		// or before cutoff, for date-offset trigger sweeps.
		UsersWithDateBefore(ctx context.Context, property string, cutoff time.Time, limit int) ([]uuid.UUID, error)
	}

	// EventRepository is the append-only communication event log; rows also
	// serve as the outbox for broker publication.
	EventRepository interface {
		Append(ctx context.Context, event *model.CommunicationEvent) error
		GetPendingWithLock(ctx context.Context, limit int) ([]*model.CommunicationEvent, error)
		UpdatePublishStatus(ctx context.Context, id uuid.UUID, status model.PublishStatus, errorMessage *string, retryAt *time.Time) error
		MoveToDeadLetter(ctx context.Context, event *model.CommunicationEvent) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
		// UsersInactiveSince returns users whose newest event predates
		// cutoff, for inactivity trigger sweeps.
		UsersInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	}

	// CounterStore tracks per-(user, channel, period) send counts. Increments
	// are atomic; reads are snapshots and may trail in-flight sends by one.
	CounterStore interface {
		IncrSent(ctx context.Context, userID uuid.UUID, ch model.Channel, at time.Time) error
		SentToday(ctx context.Context, userID uuid.UUID, ch model.Channel, at time.Time) (int64, error)
		SentThisWeek(ctx context.Context, userID uuid.UUID, ch model.Channel, at time.Time) (int64, error)
	}
)
