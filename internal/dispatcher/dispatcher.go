// Package dispatcher is the Dispatcher: the Job Runtime's consumer.
// For each claimed job it re-reads the authoritative Intent (or
// RecurrenceRule, for a recurring firing) from the State Store, checks the
// Rate Limiter, sends through the live ChatClient, and reports the
// attempt's outcome back to the Job Runtime for retry/backoff bookkeeping.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"chatrelay/internal/apperrors"
	"chatrelay/internal/connection"
	"chatrelay/internal/contacts"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/jobs"
	"chatrelay/internal/logging"
	"chatrelay/internal/models"
	"chatrelay/internal/observability"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/repository"
)

// addressSuffixGroup is the chat protocol's group-address suffix; contact
// addresses are rendered by contacts.ContactStore.FormatAddress.
const addressSuffixGroup = "@g.us"

// Sweeper performs the Retention Sweeper's periodic cleanup. The
// Dispatcher depends on the interface, not *retention.Sweeper directly,
// since JobKindCleanup jobs arrive on the same queue as sends.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// PaceConfig bounds the Dispatcher's post-send sleep, the mechanism that
// produces human-like send cadence under the Job Runtime's concurrency-1
// consumer.
type PaceConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

func (p PaceConfig) withDefaults() PaceConfig {
	if p.MaxDelay == 0 {
		p.MinDelay = 2 * time.Second
		p.MaxDelay = 6 * time.Second
	}
	return p
}

// Dispatcher is the Dispatcher component, registered as the Job Runtime's
// queue.JobHandler.
type Dispatcher struct {
	jobs         repository.JobRepository
	intents      repository.IntentRepository
	rules        repository.RecurrenceRuleRepository
	contactStore contacts.ContactStore
	runtime      *jobs.Runtime
	limiter      *ratelimit.Limiter
	manager      *connection.Manager
	bus          *eventbus.Bus
	sweeper      Sweeper
	breaker      *gobreaker.CircuitBreaker[string]
	paceCfg      PaceConfig
	logger       *zap.Logger
	rng          *rand.Rand
}

// New constructs a Dispatcher. manager.GetSocket() is polled per job to
// obtain the live ChatClient; a nil socket is a transient failure the Job
// Runtime retries. With a nil sweeper, JobKindCleanup jobs complete
// without sweeping anything.
func New(jobRepo repository.JobRepository, intents repository.IntentRepository, rules repository.RecurrenceRuleRepository, contactStore contacts.ContactStore, runtime *jobs.Runtime, limiter *ratelimit.Limiter, manager *connection.Manager, bus *eventbus.Bus, sweeper Sweeper, pace PaceConfig, logger *zap.Logger) *Dispatcher {
	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "chatclient-send",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Dispatcher{
		jobs:         jobRepo,
		intents:      intents,
		rules:        rules,
		contactStore: contactStore,
		runtime:      runtime,
		limiter:      limiter,
		manager:      manager,
		bus:          bus,
		sweeper:      sweeper,
		breaker:      breaker,
		paceCfg:      pace.withDefaults(),
		logger:       logger,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// HandleJob is the queue.JobHandler the Job Runtime's consumer invokes for
// each dequeued job id. The attempt's business outcome (success, transient
// failure, or fatal failure) is always folded into the persisted job row
// via Runtime.HandleOutcome; HandleJob itself only returns an error when
// that bookkeeping call fails, so the transport layer can retry it.
func (d *Dispatcher) HandleJob(jobID string) error {
	ctx := context.Background()

	attemptErr := d.process(ctx, jobID)
	if attemptErr != nil {
		var fatal *apperrors.ProviderFatalError
		if errors.As(attemptErr, &fatal) {
			// Fatal errors skip the Job Runtime's retry ladder entirely.
			if err := d.jobs.MarkFailed(ctx, jobID, fatal.Error()); err != nil {
				return fmt.Errorf("dispatcher: mark failed for %s: %w", jobID, err)
			}
			return nil
		}
	}

	if err := d.runtime.HandleOutcome(ctx, jobID, attemptErr); err != nil {
		return fmt.Errorf("dispatcher: handle outcome for %s: %w", jobID, err)
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, jobID string) error {
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil // tombstoned: evicted between claim and dequeue
		}
		return &apperrors.ProviderTransientError{Reason: "load job", Cause: err}
	}
	if job.Status == models.JobStatusCancelled {
		return nil
	}
	if err := d.jobs.MarkRunning(ctx, jobID); err != nil {
		d.logger.Warn("dispatcher: mark running failed", logging.JobID(jobID), zap.Error(err))
	}

	switch job.Kind {
	case models.JobKindSendIntent:
		payload, err := job.DecodeSendIntent()
		if err != nil {
			return &apperrors.ProviderFatalError{Reason: "malformed send_intent payload", Cause: err}
		}
		return d.processSendIntent(ctx, payload.IntentID)

	case models.JobKindFireRecurrence:
		payload, err := job.DecodeFireRecurrence()
		if err != nil {
			return &apperrors.ProviderFatalError{Reason: "malformed fire_recurrence payload", Cause: err}
		}
		return d.processFireRecurrence(ctx, payload.RuleID)

	case models.JobKindCleanup:
		if d.sweeper == nil {
			return nil
		}
		if err := d.sweeper.Sweep(ctx); err != nil {
			return &apperrors.ProviderTransientError{Reason: "retention sweep", Cause: err}
		}
		return nil

	default:
		return &apperrors.ProviderFatalError{Reason: fmt.Sprintf("unknown job kind %q", job.Kind)}
	}
}

func (d *Dispatcher) processSendIntent(ctx context.Context, intentID int64) error {
	intent, err := d.intents.FindIntent(ctx, intentID)
	if err != nil {
		if isNotFound(err) {
			return nil // tombstoned
		}
		return &apperrors.ProviderTransientError{Reason: "load intent", Cause: err}
	}
	if intent.Status == models.IntentStatusCancelled {
		return nil
	}

	return d.sendIntent(ctx, intent)
}

func (d *Dispatcher) processFireRecurrence(ctx context.Context, ruleID int64) error {
	rule, err := d.rules.GetByID(ctx, ruleID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return &apperrors.ProviderTransientError{Reason: "load recurrence rule", Cause: err}
	}
	now := time.Now()
	if !rule.ShouldFire(now) {
		return nil
	}

	intent := &models.Intent{
		Recipient:        models.Recipient{Kind: models.RecipientKindContact, ContactID: &rule.ContactID},
		Content:          rule.Content,
		Media:            rule.Media,
		ScheduledAt:      now,
		Status:           models.IntentStatusPending,
		RecurrenceRuleID: &rule.ID,
	}
	if err := d.intents.Create(ctx, intent); err != nil {
		return &apperrors.ProviderTransientError{Reason: "create recurring intent", Cause: err}
	}

	sendErr := d.sendIntent(ctx, intent)

	if err := d.rules.RecordFiring(ctx, rule.ID, now); err != nil {
		d.logger.Warn("dispatcher: record firing failed", logging.RuleID(rule.ID), zap.Error(err))
	}

	return sendErr
}

// sendIntent runs steps 3-10 of the dispatch flow against an already
// loaded, non-cancelled Intent.
func (d *Dispatcher) sendIntent(ctx context.Context, intent *models.Intent) error {
	decision, err := d.limiter.CanSend(ctx)
	if err != nil {
		return &apperrors.ProviderTransientError{Reason: "rate limiter check", Cause: err}
	}
	if !decision.Allowed {
		observability.DailyCapHits.Inc()
		reason := fmt.Sprintf("Daily message cap reached (%d/%d)", decision.SentToday, decision.DailyCap)
		d.markFailed(ctx, intent.ID, reason)
		d.limiter.CheckAndWarn(ctx)
		return nil
	}

	address, err := d.resolveAddress(ctx, intent.Recipient)
	if err != nil {
		return err
	}

	socket := d.manager.GetSocket()
	if socket == nil {
		return &apperrors.ProviderTransientError{Reason: "chat client not connected"}
	}

	payload := buildSendPayload(intent)

	sendStart := time.Now()
	result, err := d.breaker.Execute(func() (string, error) {
		return socket.Send(ctx, address, payload)
	})
	observability.SendLatency.Observe(time.Since(sendStart).Seconds())
	if err != nil {
		observability.SendsTotal.WithLabelValues("failure").Inc()
		return &apperrors.ProviderTransientError{Reason: "send", Cause: err}
	}
	observability.SendsTotal.WithLabelValues("success").Inc()

	now := time.Now()
	providerMessageID := result
	ok, err := d.intents.UpdateIntentStatus(ctx, intent.ID, models.IntentStatusSent, repository.IntentStatusUpdate{
		ProviderMessageID: &providerMessageID,
		SentAt:            &now,
		IncrementAttempts: true,
	})
	if err != nil {
		return &apperrors.ProviderTransientError{Reason: "persist sent status", Cause: err}
	}
	if ok {
		d.bus.PublishIntentStatus(eventbus.IntentStatus{IntentID: intent.ID, Status: string(models.IntentStatusSent), At: now})
	}

	d.limiter.CheckAndWarn(ctx)
	d.pace()
	return nil
}

func (d *Dispatcher) markFailed(ctx context.Context, intentID int64, reason string) {
	now := time.Now()
	ok, err := d.intents.UpdateIntentStatus(ctx, intentID, models.IntentStatusFailed, repository.IntentStatusUpdate{
		FailedAt:      &now,
		FailureReason: &reason,
	})
	if err != nil {
		d.logger.Warn("dispatcher: mark failed persist error", logging.IntentID(intentID), zap.Error(err))
		return
	}
	if ok {
		d.bus.PublishIntentStatus(eventbus.IntentStatus{IntentID: intentID, Status: string(models.IntentStatusFailed), At: now, Reason: reason})
	}
}

func (d *Dispatcher) resolveAddress(ctx context.Context, recipient models.Recipient) (string, error) {
	if recipient.Kind == models.RecipientKindGroup {
		return *recipient.GroupID + addressSuffixGroup, nil
	}
	contact, err := d.contactStore.Get(ctx, *recipient.ContactID)
	if err != nil {
		if isNotFound(err) {
			return "", &apperrors.ProviderFatalError{Reason: "contact no longer exists"}
		}
		return "", &apperrors.ProviderTransientError{Reason: "load contact", Cause: err}
	}
	return d.contactStore.FormatAddress(contact), nil
}

// buildSendPayload shapes the provider payload by mediaKind.
func buildSendPayload(intent *models.Intent) connection.SendPayload {
	if intent.Media == nil {
		return connection.SendPayload{Text: intent.Content}
	}
	payload := connection.SendPayload{
		MediaKind: intent.Media.Kind,
		MediaURL:  intent.Media.URL,
	}
	if intent.Media.Kind != models.MediaKindAudio {
		payload.Caption = intent.Content
	}
	if intent.Media.Kind == models.MediaKindDocument {
		payload.FileName = path.Base(intent.Media.URL)
	}
	return payload
}

// pace sleeps a uniform random duration in [MinDelay, MaxDelay) to keep
// send cadence human-like under the consumer's concurrency-1 limit.
func (d *Dispatcher) pace() {
	span := d.paceCfg.MaxDelay - d.paceCfg.MinDelay
	delay := d.paceCfg.MinDelay
	if span > 0 {
		delay += time.Duration(d.rng.Int63n(int64(span)))
	}
	time.Sleep(delay)
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
