// Package jobs is the Job Runtime: persisted delayed jobs and recurring
// schedules, fed to the Dispatcher over a RabbitMQ queue at a rate-limited
// pace. Persistence lives in the State Store via repository.JobRepository
// and repository.ScheduleRepository so jobs survive process restarts; the
// queue is purely a dispatch transport between the claim loop and the
// single-concurrency consumer.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatrelay/internal/cronexpr"
	"chatrelay/internal/logging"
	"chatrelay/internal/models"
	"chatrelay/internal/observability"
	"chatrelay/internal/queue"
	"chatrelay/internal/repository"
)

const (
	claimBatchSize  = 10
	minDequeueGap   = 2 * time.Second
	pollInterval    = 1 * time.Second
	scheduleTick    = 5 * time.Second
	maxAttempts     = 3
	evictCompletedAfter = 24 * time.Hour
	evictFailedAfter    = 7 * 24 * time.Hour
	evictionInterval    = 1 * time.Hour
)

var backoffByAttempt = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// istLocation is the fixed Asia/Kolkata offset. IST does not observe DST,
// so a fixed-offset zone is enough and avoids a tzdata dependency. Cron
// expressions in schedules are authored against IST wall-clock hours, so
// Next() must be evaluated against an IST-shifted `after`.
var istLocation = time.FixedZone("IST", int((5*time.Hour + 30*time.Minute).Seconds()))

// Runtime is the Job Runtime component.
type Runtime struct {
	jobRepo      repository.JobRepository
	scheduleRepo repository.ScheduleRepository
	publisher    *queue.Publisher
	limiter      *rate.Limiter
	logger       *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New constructs a Runtime. publisher is the RabbitMQ transport the claim
// loop hands job ids to.
func New(jobRepo repository.JobRepository, scheduleRepo repository.ScheduleRepository, publisher *queue.Publisher, logger *zap.Logger) *Runtime {
	return &Runtime{
		jobRepo:      jobRepo,
		scheduleRepo: scheduleRepo,
		publisher:    publisher,
		limiter:      rate.NewLimiter(rate.Every(minDequeueGap), 1),
		logger:       logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// AddDelayed registers a job that becomes runnable delayMS milliseconds
// from now. jobID is client-chosen and deduplicates against pending jobs
// via an upsert.
func (r *Runtime) AddDelayed(ctx context.Context, kind models.JobKind, payload interface{}, delayMS int64, jobID string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("jobs: marshal payload: %w", err)
	}
	if delayMS < 0 {
		delayMS = 0
	}

	job := &models.Job{
		ID:      jobID,
		Kind:    kind,
		Payload: body,
		RunAt:   time.Now().Add(time.Duration(delayMS) * time.Millisecond),
		Status:  models.JobStatusPending,
	}
	if err := r.jobRepo.Upsert(ctx, job); err != nil {
		return fmt.Errorf("jobs: upsert %s: %w", jobID, err)
	}
	return nil
}

// Cancel removes a pending job. No-op (ok=false) if the job is already
// running or terminal.
func (r *Runtime) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := r.jobRepo.Cancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("jobs: cancel %s: %w", jobID, err)
	}
	return ok, nil
}

// Reschedule is Cancel followed by AddDelayed with a new delay.
func (r *Runtime) Reschedule(ctx context.Context, kind models.JobKind, payload interface{}, newDelayMS int64, jobID string) error {
	if _, err := r.Cancel(ctx, jobID); err != nil {
		return err
	}
	return r.AddDelayed(ctx, kind, payload, newDelayMS, jobID)
}

// UpsertSchedule installs or replaces a recurring emitter. Exactly one of
// cronExpression/everyMS must be set by the caller.
func (r *Runtime) UpsertSchedule(ctx context.Context, scheduleID string, cronExpression *string, everyMS *int64, endDate *time.Time, maxOccurrences *int, templateKind models.JobKind, templatePayload interface{}) error {
	body, err := json.Marshal(templatePayload)
	if err != nil {
		return fmt.Errorf("jobs: marshal schedule template: %w", err)
	}

	nextRun, err := r.computeFirstRun(cronExpression, everyMS)
	if err != nil {
		return err
	}

	schedule := &models.Schedule{
		ID:              scheduleID,
		CronExpression:  cronExpression,
		EveryMS:         everyMS,
		EndDate:         endDate,
		MaxOccurrences:  maxOccurrences,
		TemplateKind:    templateKind,
		TemplatePayload: body,
		NextRunAt:       nextRun,
	}
	if err := r.scheduleRepo.Upsert(ctx, schedule); err != nil {
		return fmt.Errorf("jobs: upsert schedule %s: %w", scheduleID, err)
	}
	return nil
}

// RemoveSchedule deletes a recurring emitter.
func (r *Runtime) RemoveSchedule(ctx context.Context, scheduleID string) error {
	if err := r.scheduleRepo.Remove(ctx, scheduleID); err != nil {
		return fmt.Errorf("jobs: remove schedule %s: %w", scheduleID, err)
	}
	return nil
}

func (r *Runtime) computeFirstRun(cronExpression *string, everyMS *int64) (time.Time, error) {
	now := time.Now()
	if cronExpression != nil {
		expr, err := cronexpr.Parse(*cronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("jobs: parse cron expression: %w", err)
		}
		return expr.Next(now.In(istLocation))
	}
	if everyMS != nil {
		return now.Add(time.Duration(*everyMS) * time.Millisecond), nil
	}
	return time.Time{}, fmt.Errorf("jobs: schedule requires cronExpression or everyMS")
}

// Start launches the claim loop, the schedule loop, and the eviction loop.
func (r *Runtime) Start(ctx context.Context) {
	go r.runClaimLoop(ctx)
	go r.runScheduleLoop(ctx)
	go r.runEvictionLoop(ctx)
}

// Stop signals all loops to exit and waits for the claim loop to drain.
func (r *Runtime) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Runtime) runClaimLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.claimAndPublish(ctx)
		}
	}
}

func (r *Runtime) claimAndPublish(ctx context.Context) {
	due, err := r.jobRepo.ClaimDue(ctx, time.Now(), claimBatchSize)
	if err != nil {
		r.logger.Warn("jobs: claim due failed", logging.Component("jobs"), zap.Error(err))
		return
	}
	for _, job := range due {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		if err := r.publisher.PublishJob(job.ID); err != nil {
			r.logger.Warn("jobs: publish failed", logging.JobID(job.ID), zap.Error(err))
			continue
		}
	}
}

func (r *Runtime) runScheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(scheduleTick)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fireDueSchedules(ctx)
		}
	}
}

func (r *Runtime) fireDueSchedules(ctx context.Context) {
	now := time.Now()
	due, err := r.scheduleRepo.DueSchedules(ctx, now)
	if err != nil {
		r.logger.Warn("jobs: due schedules query failed", logging.Component("jobs"), zap.Error(err))
		return
	}

	for _, schedule := range due {
		if schedule.MaxOccurrences != nil && schedule.FireCount >= *schedule.MaxOccurrences {
			continue
		}
		if schedule.EndDate != nil && now.After(*schedule.EndDate) {
			continue
		}

		jobID := fmt.Sprintf("%s-%d", schedule.ID, schedule.FireCount)
		job := &models.Job{
			ID:         jobID,
			Kind:       schedule.TemplateKind,
			Payload:    schedule.TemplatePayload,
			RunAt:      now,
			Status:     models.JobStatusPending,
			ScheduleID: &schedule.ID,
		}
		if err := r.jobRepo.Upsert(ctx, job); err != nil {
			r.logger.Warn("jobs: schedule fire upsert failed", zap.String("schedule_id", schedule.ID), zap.Error(err))
			continue
		}

		next, err := r.nextRunAfter(schedule, now)
		if err != nil {
			r.logger.Warn("jobs: compute next run failed", zap.String("schedule_id", schedule.ID), zap.Error(err))
			continue
		}
		if err := r.scheduleRepo.AdvanceNextRun(ctx, schedule.ID, next); err != nil {
			r.logger.Warn("jobs: advance schedule failed", zap.String("schedule_id", schedule.ID), zap.Error(err))
		}
	}
}

func (r *Runtime) nextRunAfter(schedule *models.Schedule, now time.Time) (time.Time, error) {
	if schedule.CronExpression != nil {
		expr, err := cronexpr.Parse(*schedule.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return expr.Next(now.In(istLocation))
	}
	if schedule.EveryMS != nil {
		return now.Add(time.Duration(*schedule.EveryMS) * time.Millisecond), nil
	}
	return time.Time{}, fmt.Errorf("schedule %s has neither cronExpression nor everyMS", schedule.ID)
}

func (r *Runtime) runEvictionLoop(ctx context.Context) {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evict(ctx)
		}
	}
}

func (r *Runtime) evict(ctx context.Context) {
	now := time.Now()
	if n, err := r.jobRepo.EvictCompletedOlderThan(ctx, now.Add(-evictCompletedAfter)); err != nil {
		r.logger.Warn("jobs: evict completed failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("jobs: evicted completed jobs", zap.Int64("count", n))
	}
	if n, err := r.jobRepo.EvictFailedOlderThan(ctx, now.Add(-evictFailedAfter)); err != nil {
		r.logger.Warn("jobs: evict failed failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Info("jobs: evicted failed jobs", zap.Int64("count", n))
	}
}

// HandleOutcome applies a dispatch attempt's result to the persisted job
// row: success marks it completed; a transient failure re-enqueues it with
// exponential backoff up to maxAttempts, after which it is marked failed.
func (r *Runtime) HandleOutcome(ctx context.Context, jobID string, attemptErr error) error {
	if attemptErr == nil {
		return r.jobRepo.MarkCompleted(ctx, jobID)
	}

	attempts, err := r.jobRepo.IncrementAttempts(ctx, jobID)
	if err != nil {
		return fmt.Errorf("jobs: increment attempts for %s: %w", jobID, err)
	}

	if attempts >= maxAttempts {
		observability.JobRetries.WithLabelValues("exhausted").Inc()
		return r.jobRepo.MarkFailed(ctx, jobID, attemptErr.Error())
	}

	observability.JobRetries.WithLabelValues("requeued").Inc()
	backoffIdx := attempts - 1
	if backoffIdx >= len(backoffByAttempt) {
		backoffIdx = len(backoffByAttempt) - 1
	}
	runAt := time.Now().Add(backoffByAttempt[backoffIdx])

	return r.jobRepo.RequeueWithBackoff(ctx, jobID, runAt, attemptErr.Error())
}
