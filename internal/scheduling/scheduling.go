// Package scheduling is the Scheduling Service: the sole public entry
// point for turning a send request into a persisted Intent plus a Job
// Runtime registration, and for managing RecurrenceRules. Every write
// here is synchronous to the caller; the Dispatcher's own outcome never
// flows back through this package.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/apperrors"
	"chatrelay/internal/contacts"
	"chatrelay/internal/jobs"
	"chatrelay/internal/models"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/repository"
)

const maxBulkItems = 500
const maxListLimit = 200

// Service is the Scheduling Service component.
type Service struct {
	intents  repository.IntentRepository
	rules    repository.RecurrenceRuleRepository
	contacts contacts.ContactStore
	runtime  *jobs.Runtime
	limiter  *ratelimit.Limiter
	birthday BirthdayConfig
	logger   *zap.Logger
}

// BirthdayConfig carries the default send hour and message template
// SyncBirthdayReminder uses when materializing a birthday rule.
type BirthdayConfig struct {
	DefaultHourIST  int
	MessageTemplate string
}

// New constructs a Service.
func New(intents repository.IntentRepository, rules repository.RecurrenceRuleRepository, contactStore contacts.ContactStore, runtime *jobs.Runtime, limiter *ratelimit.Limiter, birthday BirthdayConfig, logger *zap.Logger) *Service {
	return &Service{
		intents:  intents,
		rules:    rules,
		contacts: contactStore,
		runtime:  runtime,
		limiter:  limiter,
		birthday: birthday,
		logger:   logger,
	}
}

// ScheduleRequest is the input to Schedule. Exactly one of ContactID,
// Phone, or GroupID must be set.
type ScheduleRequest struct {
	ContactID   *int64
	Phone       *string
	Name        *string
	GroupID     *string
	Content     string
	Media       *models.Media
	ScheduledAt *time.Time
}

// ScheduleResult pairs the stored Intent with the current rate-limit status.
type ScheduleResult struct {
	Intent    *models.Intent
	RateLimit ratelimit.Status
}

// Schedule resolves the recipient (auto-creating a contact when a phone is
// given and unknown), classifies the send as immediate or future, and for
// immediate sends enforces the Rate Limiter's fast-path check before
// persisting the Intent and registering its delayed job.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	recipient, err := s.resolveRecipient(ctx, req.ContactID, req.Phone, req.Name, req.GroupID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	intent := &models.Intent{
		Recipient:   recipient,
		Content:     req.Content,
		Media:       req.Media,
		ScheduledAt: derefTimeOr(req.ScheduledAt, now),
		Status:      models.IntentStatusPending,
	}
	if err := intent.Validate(); err != nil {
		return nil, &apperrors.ValidationError{Message: err.Error()}
	}

	immediate := intent.IsImmediate(now)
	if immediate {
		decision, err := s.limiter.CanSend(ctx)
		if err != nil {
			return nil, fmt.Errorf("scheduling: rate limit check: %w", err)
		}
		if !decision.Allowed {
			return nil, &apperrors.DailyCapReachedError{
				SentToday: decision.SentToday,
				DailyCap:  decision.DailyCap,
				Remaining: decision.Remaining,
			}
		}
	}

	if err := s.intents.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("scheduling: create intent: %w", err)
	}

	delayMS := int64(0)
	if !immediate {
		delayMS = intent.ScheduledAt.Sub(now).Milliseconds()
		if delayMS < 0 {
			delayMS = 0
		}
	}
	payload := models.SendIntentPayload{IntentID: intent.ID}
	if err := s.runtime.AddDelayed(ctx, models.JobKindSendIntent, payload, delayMS, intent.JobID()); err != nil {
		return nil, fmt.Errorf("scheduling: register delayed job: %w", err)
	}

	status, err := s.limiter.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: rate limit status: %w", err)
	}
	return &ScheduleResult{Intent: intent, RateLimit: status}, nil
}

// BulkItemError reports a single bulk item's failure without failing the
// whole batch.
type BulkItemError struct {
	Index int
	Error string
}

// BulkResult is the outcome of ScheduleBulk.
type BulkResult struct {
	Scheduled []*models.Intent
	Failed    []BulkItemError
	RateLimit ratelimit.Status
}

// ScheduleBulk pre-checks that the count of immediate items does not
// exceed remaining daily capacity, failing the whole batch fast if it
// does; otherwise it schedules each item best-effort.
func (s *Service) ScheduleBulk(ctx context.Context, items []ScheduleRequest) (*BulkResult, error) {
	if len(items) == 0 {
		return nil, &apperrors.ValidationError{Message: "at least one message is required"}
	}
	if len(items) > maxBulkItems {
		return nil, &apperrors.ValidationError{Message: fmt.Sprintf("batch exceeds max size of %d", maxBulkItems)}
	}

	now := time.Now()
	immediateCount := 0
	for _, item := range items {
		if item.ScheduledAt == nil || !item.ScheduledAt.After(now) {
			immediateCount++
		}
	}

	decision, err := s.limiter.CanSend(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: rate limit check: %w", err)
	}
	if immediateCount > decision.Remaining {
		return nil, &apperrors.DailyCapReachedError{
			SentToday: decision.SentToday,
			DailyCap:  decision.DailyCap,
			Remaining: decision.Remaining,
		}
	}

	result := &BulkResult{Scheduled: make([]*models.Intent, 0, len(items))}
	for i, item := range items {
		scheduled, err := s.Schedule(ctx, item)
		if err != nil {
			result.Failed = append(result.Failed, BulkItemError{Index: i, Error: err.Error()})
			continue
		}
		result.Scheduled = append(result.Scheduled, scheduled.Intent)
	}

	status, err := s.limiter.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduling: rate limit status: %w", err)
	}
	result.RateLimit = status
	return result, nil
}

// EditPatch carries the optional fields Edit may change. A nil field is
// left unchanged.
type EditPatch struct {
	Content     *string
	Media       **models.Media
	ScheduledAt *time.Time
}

// Edit applies patch to a pending Intent. Rescheduling the Job Runtime
// entry is triggered only when ScheduledAt actually changes.
func (s *Service) Edit(ctx context.Context, id int64, patch EditPatch) (*models.Intent, error) {
	intent, err := s.getIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !intent.CanEdit() {
		return nil, &apperrors.ConflictError{Resource: "intent", Message: "can only edit a pending intent"}
	}

	rescheduled := false
	if patch.Content != nil {
		intent.Content = *patch.Content
	}
	if patch.Media != nil {
		intent.Media = *patch.Media
	}
	if patch.ScheduledAt != nil && !patch.ScheduledAt.Equal(intent.ScheduledAt) {
		intent.ScheduledAt = *patch.ScheduledAt
		rescheduled = true
	}
	if err := intent.Validate(); err != nil {
		return nil, &apperrors.ValidationError{Message: err.Error()}
	}

	if err := s.intents.Update(ctx, intent); err != nil {
		return nil, fmt.Errorf("scheduling: update intent: %w", err)
	}

	if rescheduled {
		now := time.Now()
		delayMS := intent.ScheduledAt.Sub(now).Milliseconds()
		if delayMS < 0 {
			delayMS = 0
		}
		payload := models.SendIntentPayload{IntentID: intent.ID}
		if err := s.runtime.Reschedule(ctx, models.JobKindSendIntent, payload, delayMS, intent.JobID()); err != nil {
			return nil, fmt.Errorf("scheduling: reschedule job: %w", err)
		}
	}
	return intent, nil
}

// Cancel atomically transitions a pending Intent to cancelled and removes
// its job. Cancelling an intent that is not pending is an idempotent
// no-op returning nil, nil.
func (s *Service) Cancel(ctx context.Context, id int64) (*models.Intent, error) {
	intent, err := s.getIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !intent.CanCancel() {
		return nil, nil
	}

	ok, err := s.intents.UpdateIntentStatus(ctx, id, models.IntentStatusCancelled, repository.IntentStatusUpdate{})
	if err != nil {
		return nil, fmt.Errorf("scheduling: cancel intent: %w", err)
	}
	if !ok {
		return nil, nil
	}

	if _, err := s.runtime.Cancel(ctx, intent.JobID()); err != nil {
		s.logger.Warn("scheduling: cancel job failed", zap.Int64("intent_id", id), zap.Error(err))
	}

	intent.Status = models.IntentStatusCancelled
	return intent, nil
}

// Retry atomically transitions a failed Intent back to pending, clearing
// failure bookkeeping and resetting attempts, then re-enqueues it with
// zero delay.
func (s *Service) Retry(ctx context.Context, id int64) (*models.Intent, error) {
	intent, err := s.getIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !intent.CanRetry() {
		return nil, &apperrors.ConflictError{Resource: "intent", Message: "can only retry a failed intent"}
	}

	now := time.Now()
	ok, err := s.intents.UpdateIntentStatus(ctx, id, models.IntentStatusPending, repository.IntentStatusUpdate{
		ClearFailure:  true,
		ResetAttempts: true,
		ScheduledAt:   &now,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling: retry intent: %w", err)
	}
	if !ok {
		return nil, &apperrors.ConflictError{Resource: "intent", Message: "intent state changed concurrently"}
	}

	payload := models.SendIntentPayload{IntentID: id}
	if err := s.runtime.AddDelayed(ctx, models.JobKindSendIntent, payload, 0, intent.JobID()); err != nil {
		return nil, fmt.Errorf("scheduling: register retry job: %w", err)
	}

	return s.getIntent(ctx, id)
}

// Get retrieves a single Intent.
func (s *Service) Get(ctx context.Context, id int64) (*models.Intent, error) {
	return s.getIntent(ctx, id)
}

// List retrieves Intents matching filters, clamping limit to maxListLimit.
func (s *Service) List(ctx context.Context, filters repository.IntentFilters) ([]*models.Intent, error) {
	if filters.Limit <= 0 || filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	intents, err := s.intents.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list intents: %w", err)
	}
	return intents, nil
}

func (s *Service) getIntent(ctx context.Context, id int64) (*models.Intent, error) {
	intent, err := s.intents.FindIntent(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, &apperrors.NotFoundError{Resource: "intent", ID: id}
		}
		return nil, fmt.Errorf("scheduling: load intent: %w", err)
	}
	return intent, nil
}

// resolveRecipient resolves exactly one of contactID/phone/groupID into a
// Recipient, auto-creating a contact when phone is given and unknown.
func (s *Service) resolveRecipient(ctx context.Context, contactID *int64, phone, name, groupID *string) (models.Recipient, error) {
	set := 0
	if contactID != nil {
		set++
	}
	if phone != nil {
		set++
	}
	if groupID != nil {
		set++
	}
	if set != 1 {
		return models.Recipient{}, &apperrors.ValidationError{Message: "exactly one of contactId, phone, or groupId is required"}
	}

	if groupID != nil {
		return models.Recipient{Kind: models.RecipientKindGroup, GroupID: groupID}, nil
	}
	if phone != nil {
		contact, err := s.contacts.ResolveByPhone(ctx, *phone, name)
		if err != nil {
			return models.Recipient{}, fmt.Errorf("scheduling: resolve contact by phone: %w", err)
		}
		return models.Recipient{Kind: models.RecipientKindContact, ContactID: &contact.ID}, nil
	}

	if _, err := s.contacts.Get(ctx, *contactID); err != nil {
		if isNotFound(err) {
			return models.Recipient{}, &apperrors.NotFoundError{Resource: "contact", ID: *contactID}
		}
		return models.Recipient{}, fmt.Errorf("scheduling: load contact: %w", err)
	}
	return models.Recipient{Kind: models.RecipientKindContact, ContactID: contactID}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

func derefTimeOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}
