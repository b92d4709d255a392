package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/comms-api/internal/model"
)

type statusUpdate struct {
	id      uuid.UUID
	status  model.PublishStatus
	retryAt *time.Time
}

type fakeOutboxRepo struct {
	pending     []*model.CommunicationEvent
	updates     []statusUpdate
	deadLetters []*model.CommunicationEvent
}

func (r *fakeOutboxRepo) Append(_ context.Context, e *model.CommunicationEvent) error {
	r.pending = append(r.pending, e)
	return nil
}

func (r *fakeOutboxRepo) GetPendingWithLock(_ context.Context, limit int) ([]*model.CommunicationEvent, error) {
	if len(r.pending) > limit {
		return r.pending[:limit], nil
	}
	return r.pending, nil
}

func (r *fakeOutboxRepo) UpdatePublishStatus(_ context.Context, id uuid.UUID, status model.PublishStatus, _ *string, retryAt *time.Time) error {
	r.updates = append(r.updates, statusUpdate{id: id, status: status, retryAt: retryAt})
	return nil
}

func (r *fakeOutboxRepo) MoveToDeadLetter(_ context.Context, e *model.CommunicationEvent) error {
	r.deadLetters = append(r.deadLetters, e)
	return nil
}

func (r *fakeOutboxRepo) DeleteProcessedBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeOutboxRepo) UsersInactiveSince(_ context.Context, _ time.Time, _ int) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeBroker struct {
	err       error
	published []string
}

func (b *fakeBroker) Publish(_ context.Context, channel string, _ interface{}) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, channel)
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBroker) Close() error { return nil }

func pendingEvent(retries int) *model.CommunicationEvent {
	return &model.CommunicationEvent{
		ID:            uuid.New(),
		EventType:     model.EventMessageSent,
		UserID:        uuid.New(),
		PublishStatus: model.PublishStatusPending,
		RetryCount:    retries,
	}
}

func newOutboxProcessor(repo *fakeOutboxRepo, broker *fakeBroker) *OutboxProcessor {
	return NewOutboxProcessor(repo, broker, OutboxProcessorConfig{
		BatchSize:    10,
		PollInterval: time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Minute,
	}, testLogger(), testMetrics)
}

func TestOutboxPublishesAndMarksProcessed(t *testing.T) {
	repo := &fakeOutboxRepo{pending: []*model.CommunicationEvent{pendingEvent(0)}}
	broker := &fakeBroker{}

	require.NoError(t, newOutboxProcessor(repo, broker).processEvents(context.Background()))

	assert.Equal(t, []string{model.EventMessageSent}, broker.published)
	require.Len(t, repo.updates, 1)
	assert.Equal(t, model.PublishStatusProcessed, repo.updates[0].status)
	assert.Empty(t, repo.deadLetters)
}

func TestOutboxSchedulesRetryOnPublishFailure(t *testing.T) {
	event := pendingEvent(0)
	repo := &fakeOutboxRepo{pending: []*model.CommunicationEvent{event}}
	broker := &fakeBroker{err: errors.New("redis down")}

	require.NoError(t, newOutboxProcessor(repo, broker).processEvents(context.Background()))

	require.Len(t, repo.updates, 1)
	assert.Equal(t, model.PublishStatusFailed, repo.updates[0].status)
	require.NotNil(t, repo.updates[0].retryAt)
	assert.True(t, repo.updates[0].retryAt.After(time.Now()))
	assert.Empty(t, repo.deadLetters)
}

func TestOutboxDeadLettersAfterMaxRetries(t *testing.T) {
	event := pendingEvent(2) // next failure is attempt 3 of 3
	repo := &fakeOutboxRepo{pending: []*model.CommunicationEvent{event}}
	broker := &fakeBroker{err: errors.New("redis down")}

	require.NoError(t, newOutboxProcessor(repo, broker).processEvents(context.Background()))

	require.Len(t, repo.deadLetters, 1)
	assert.Equal(t, event.ID, repo.deadLetters[0].ID)
	require.NotNil(t, repo.deadLetters[0].ErrorMessage)
	assert.Empty(t, repo.updates)
}
