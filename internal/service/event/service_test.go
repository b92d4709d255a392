package event

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/internal/service/policy"
	"github.com/pawpal/comms-api/internal/service/preferences"
)

type fakeEventRepo struct {
	appended []*model.CommunicationEvent
}

func (r *fakeEventRepo) Append(_ context.Context, e *model.CommunicationEvent) error {
	r.appended = append(r.appended, e)
	return nil
}

func (r *fakeEventRepo) GetPendingWithLock(_ context.Context, _ int) ([]*model.CommunicationEvent, error) {
	return nil, nil
}

func (r *fakeEventRepo) UpdatePublishStatus(_ context.Context, _ uuid.UUID, _ model.PublishStatus, _ *string, _ *time.Time) error {
	return nil
}

func (r *fakeEventRepo) MoveToDeadLetter(_ context.Context, _ *model.CommunicationEvent) error {
	return nil
}

func (r *fakeEventRepo) DeleteProcessedBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeEventRepo) UsersInactiveSince(_ context.Context, _ time.Time, _ int) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeMessageRepo struct {
	rows        map[uuid.UUID]*model.Message
	transitions []model.MessageStatus
}

func (r *fakeMessageRepo) Create(_ context.Context, msg *model.Message) error {
	r.rows[msg.ID] = msg
	return nil
}

func (r *fakeMessageRepo) Get(_ context.Context, id uuid.UUID) (*model.Message, error) {
	row, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *fakeMessageRepo) Update(_ context.Context, msg *model.Message) error {
	r.rows[msg.ID] = msg
	return nil
}

func (r *fakeMessageRepo) ClaimDue(_ context.Context, _ time.Time, _ int) ([]*model.Message, error) {
	return nil, nil
}

func (r *fakeMessageRepo) Reschedule(_ context.Context, _ uuid.UUID, _ time.Time) error { return nil }

func (r *fakeMessageRepo) Transition(_ context.Context, id uuid.UUID, from, to model.MessageStatus, at time.Time) (bool, error) {
	row, ok := r.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if row.Status != from || !from.CanTransition(to) {
		return false, nil
	}
	row.Status = to
	r.transitions = append(r.transitions, to)
	return true, nil
}

func (r *fakeMessageRepo) ArchiveTerminalBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakePrefsRepo struct {
	engagement map[string]int
}

func (r *fakePrefsRepo) Get(_ context.Context, userID uuid.UUID) (*model.UserChannelPreferences, error) {
	return &model.UserChannelPreferences{UserID: userID}, nil
}

func (r *fakePrefsRepo) Upsert(_ context.Context, _ *model.UserChannelPreferences) error { return nil }
func (r *fakePrefsRepo) SetProperty(_ context.Context, _ uuid.UUID, _, _ string) error   { return nil }
func (r *fakePrefsRepo) AddTag(_ context.Context, _ uuid.UUID, _ string) error           { return nil }
func (r *fakePrefsRepo) RemoveTag(_ context.Context, _ uuid.UUID, _ string) error        { return nil }

func (r *fakePrefsRepo) IncrPerformance(_ context.Context, _ uuid.UUID, _ model.Channel, field string) error {
	if r.engagement == nil {
		r.engagement = map[string]int{}
	}
	r.engagement[field]++
	return nil
}

func (r *fakePrefsRepo) UsersWithDateBefore(_ context.Context, _ string, _ time.Time, _ int) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeHook struct {
	seen []string
}

func (h *fakeHook) HandleEvent(_ context.Context, e *model.CommunicationEvent) error {
	h.seen = append(h.seen, e.EventType)
	return nil
}

type eventFixture struct {
	svc      *Service
	events   *fakeEventRepo
	messages *fakeMessageRepo
	prefs    *fakePrefsRepo
	hook     *fakeHook
}

func newEventFixture(t *testing.T) *eventFixture {
	t.Helper()
	f := &eventFixture{
		events:   &fakeEventRepo{},
		messages: &fakeMessageRepo{rows: map[uuid.UUID]*model.Message{}},
		prefs:    &fakePrefsRepo{},
		hook:     &fakeHook{},
	}
	prefsSvc := preferences.NewService(f.prefs, policy.NewService(f.prefs, nil))
	f.svc = NewService(f.events, f.messages, prefsSvc, zerolog.Nop())
	f.svc.AttachJourneyHook(f.hook)
	return f
}

func (f *eventFixture) seedMessage(status model.MessageStatus) *model.Message {
	msg := &model.Message{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Channel: model.ChannelPush,
		Status:  status,
	}
	f.messages.rows[msg.ID] = msg
	return msg
}

func TestRecordAppendsAndFansOut(t *testing.T) {
	f := newEventFixture(t)
	msg := f.seedMessage(model.MessageStatusSent)

	err := f.svc.Record(context.Background(), &model.CommunicationEvent{
		EventType: model.EventMessageDelivered,
		UserID:    msg.UserID,
		MessageID: &msg.ID,
	})
	require.NoError(t, err)

	require.Len(t, f.events.appended, 1)
	stored := f.events.appended[0]
	assert.NotEqual(t, uuid.Nil, stored.ID)
	assert.False(t, stored.OccurredAt.IsZero())
	assert.Equal(t, model.PublishStatusPending, stored.PublishStatus)

	assert.Equal(t, model.MessageStatusDelivered, f.messages.rows[msg.ID].Status)
	assert.Equal(t, 1, f.prefs.engagement["delivered"])
	assert.Equal(t, []string{model.EventMessageDelivered}, f.hook.seen)
}

func TestClickBeforeDeliveryWalksTheLattice(t *testing.T) {
	f := newEventFixture(t)
	msg := f.seedMessage(model.MessageStatusSent)

	err := f.svc.Record(context.Background(), &model.CommunicationEvent{
		EventType: model.EventMessageClicked,
		UserID:    msg.UserID,
		MessageID: &msg.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, model.MessageStatusClicked, f.messages.rows[msg.ID].Status)
	assert.Equal(t, []model.MessageStatus{
		model.MessageStatusDelivered,
		model.MessageStatusClicked,
	}, f.messages.transitions, "the skipped delivered state is written, not jumped over")
}

func TestClickAfterReadStillApplies(t *testing.T) {
	f := newEventFixture(t)
	msg := f.seedMessage(model.MessageStatusRead)

	err := f.svc.Record(context.Background(), &model.CommunicationEvent{
		EventType: model.EventMessageClicked,
		UserID:    msg.UserID,
		MessageID: &msg.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, model.MessageStatusClicked, f.messages.rows[msg.ID].Status,
		"a click outranks a read, never the other way around")
	assert.Equal(t, []model.MessageStatus{model.MessageStatusClicked}, f.messages.transitions)
	assert.Equal(t, 1, f.prefs.engagement["clicked"])
}

func TestStaleCallbackIsDropped(t *testing.T) {
	f := newEventFixture(t)
	msg := f.seedMessage(model.MessageStatusClicked)

	err := f.svc.Record(context.Background(), &model.CommunicationEvent{
		EventType: model.EventMessageDelivered,
		UserID:    msg.UserID,
		MessageID: &msg.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, model.MessageStatusClicked, f.messages.rows[msg.ID].Status, "late delivery report never lowers the status")
	assert.Empty(t, f.messages.transitions)
	assert.Len(t, f.events.appended, 1, "the fact is still recorded")
}

func TestSentEventOnlyFeedsEngagement(t *testing.T) {
	f := newEventFixture(t)
	msg := f.seedMessage(model.MessageStatusSent)

	err := f.svc.Record(context.Background(), &model.CommunicationEvent{
		EventType: model.EventMessageSent,
		UserID:    msg.UserID,
		MessageID: &msg.ID,
	})
	require.NoError(t, err)

	assert.Empty(t, f.messages.transitions, "the dispatcher owns pending to sent")
	assert.Equal(t, 1, f.prefs.engagement["sent"])
}

func TestRecordCallbackResolvesUser(t *testing.T) {
	f := newEventFixture(t)
	msg := f.seedMessage(model.MessageStatusSent)
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	err := f.svc.RecordCallback(context.Background(), &model.ProviderCallback{
		EventType: model.EventMessageRead,
		MessageID: msg.ID,
		Timestamp: at,
	}, "sendgrid")
	require.NoError(t, err)

	require.Len(t, f.events.appended, 1)
	assert.Equal(t, msg.UserID, f.events.appended[0].UserID)
	assert.Equal(t, at, f.events.appended[0].OccurredAt)
	assert.Equal(t, model.MessageStatusRead, f.messages.rows[msg.ID].Status)
}

func TestRecordCallbackUnknownMessage(t *testing.T) {
	f := newEventFixture(t)

	err := f.svc.RecordCallback(context.Background(), &model.ProviderCallback{
		EventType: model.EventMessageRead,
		MessageID: uuid.New(),
	}, "sendgrid")
	require.Error(t, err)
	assert.Empty(t, f.events.appended)
}
