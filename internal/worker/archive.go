package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pawpal/comms-api/internal/repository"
	"github.com/pawpal/comms-api/pkg/logger"
)

// ArchiveWorker moves terminal messages out of the hot queue and prunes
// event rows already published to the broker and older than the retention
// window. Messages are archived in place, never deleted.
type ArchiveWorker struct {
	messages      repository.MessageRepository
	events        repository.EventRepository
	retentionDays int
	interval      time.Duration
	logger        *logger.Logger
}

func NewArchiveWorker(
	messages repository.MessageRepository,
	events repository.EventRepository,
	retentionDays int,
	interval time.Duration,
	logger *logger.Logger,
) *ArchiveWorker {
	return &ArchiveWorker{
		messages:      messages,
		events:        events,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger,
	}
}

func (w *ArchiveWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Starting archive worker")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Shutting down archive worker")
			return
		case <-ticker.C:
			if err := w.archive(ctx); err != nil {
				w.logger.Error(err, "Archive pass failed")
			}
		}
	}
}

func (w *ArchiveWorker) archive(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	archived, err := w.messages.ArchiveTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to archive messages: %w", err)
	}

	pruned, err := w.events.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune processed events: %w", err)
	}

	if archived > 0 || pruned > 0 {
		w.logger.Info("Archive pass complete",
			"messages_archived", archived,
			"events_pruned", pruned,
			"cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}
