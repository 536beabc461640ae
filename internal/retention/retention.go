// Package retention is the Retention Sweeper: a daily cron-driven cleanup
// that deletes terminal Intents older than the configured retention
// window. pending and cancelled intents are never swept.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/jobs"
	"chatrelay/internal/logging"
	"chatrelay/internal/models"
	"chatrelay/internal/observability"
	"chatrelay/internal/repository"
)

const scheduleID = "retention-sweep"

var sweptStatuses = []models.IntentStatus{
	models.IntentStatusSent,
	models.IntentStatusDelivered,
	models.IntentStatusFailed,
}

// Sweeper owns the daily sweep. It registers itself as a Job Runtime
// cron schedule firing a JobKindCleanup job rather than running its own
// timer, so a restart never loses a scheduled sweep.
type Sweeper struct {
	intents       repository.IntentRepository
	runtime       *jobs.Runtime
	retentionDays int
	logger        *zap.Logger
}

// New constructs a Sweeper. retentionDays=0 disables sweeping.
func New(intents repository.IntentRepository, runtime *jobs.Runtime, retentionDays int, logger *zap.Logger) *Sweeper {
	return &Sweeper{intents: intents, runtime: runtime, retentionDays: retentionDays, logger: logger}
}

// Start registers the daily 03:00 local cron schedule. A no-op when
// retentionDays is 0.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.retentionDays <= 0 {
		s.logger.Info("retention: sweeping disabled (retentionDays=0)", logging.Component("retention"))
		return nil
	}
	cron := "0 0 3 * * *"
	if err := s.runtime.UpsertSchedule(ctx, scheduleID, &cron, nil, nil, nil, models.JobKindCleanup, struct{}{}); err != nil {
		return fmt.Errorf("retention: register sweep schedule: %w", err)
	}
	return nil
}

// Sweep deletes terminal intents with sentAt older than the retention
// window. Invoked by the Job Runtime's consumer when it dequeues a
// JobKindCleanup job.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	deleted, err := s.intents.DeleteTerminalOlderThan(ctx, cutoff, sweptStatuses)
	if err != nil {
		return fmt.Errorf("retention: sweep: %w", err)
	}
	if deleted > 0 {
		observability.SweepDeletions.Add(float64(deleted))
		s.logger.Info("retention: swept terminal intents", zap.Int64("count", deleted), logging.Component("retention"))
	}
	return nil
}
