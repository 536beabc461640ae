// Package ratelimit implements the daily send cap: a stateless gate that
// recomputes sentToday from the State Store on every call rather than
// keeping an in-memory counter, so it stays correct across process
// restarts and multiple instances sharing one database.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/eventbus"
	"chatrelay/internal/logging"
	"chatrelay/internal/repository"
)

// istOffset is the fixed Asia/Kolkata offset. IST does not observe DST, so
// a fixed offset is correct year-round.
const istOffset = 5*time.Hour + 30*time.Minute

// Decision is the result of a CanSend check.
type Decision struct {
	Allowed   bool
	SentToday int
	DailyCap  int
	Remaining int
}

// Status is the result of a Status call.
type Status struct {
	SentToday int
	DailyCap  int
	Remaining int
	ResetAt   time.Time
	Warning   bool
}

// Limiter is the Rate Limiter component.
type Limiter struct {
	intents  repository.IntentRepository
	bus      *eventbus.Bus
	logger   *zap.Logger
	dailyCap int
	warnPct  int
}

// New constructs a Limiter. dailyCap must be positive; the cap cannot be
// disabled at this layer.
func New(intents repository.IntentRepository, bus *eventbus.Bus, logger *zap.Logger, dailyCap, warnPct int) *Limiter {
	if dailyCap <= 0 {
		dailyCap = 1
	}
	return &Limiter{intents: intents, bus: bus, logger: logger, dailyCap: dailyCap, warnPct: warnPct}
}

// dayWindowIST returns [todayStartIST, todayStartIST+24h) as UTC instants,
// derived by shifting to IST, truncating to a day boundary, and shifting
// back — per the minimum day-boundary construction.
func dayWindowIST(now time.Time) (time.Time, time.Time) {
	shifted := now.UTC().Add(istOffset)
	dayStartShifted := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	windowStart := dayStartShifted.Add(-istOffset)
	windowEnd := windowStart.Add(24 * time.Hour)
	return windowStart, windowEnd
}

// sentToday computes the current window's terminal-success count fresh
// from the State Store.
func (l *Limiter) sentToday(ctx context.Context, now time.Time) (int, time.Time, error) {
	windowStart, windowEnd := dayWindowIST(now)
	count, err := l.intents.CountTerminalSuccessIn(ctx, windowStart, windowEnd)
	if err != nil {
		return 0, windowEnd, fmt.Errorf("ratelimit: count terminal-success intents: %w", err)
	}
	return count, windowEnd, nil
}

// CanSend reports whether another send is permitted right now.
func (l *Limiter) CanSend(ctx context.Context) (Decision, error) {
	sentToday, _, err := l.sentToday(ctx, time.Now())
	if err != nil {
		return Decision{}, err
	}
	remaining := l.dailyCap - sentToday
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   sentToday < l.dailyCap,
		SentToday: sentToday,
		DailyCap:  l.dailyCap,
		Remaining: remaining,
	}, nil
}

// Status reports the current window's counters plus the next reset instant.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	sentToday, windowEnd, err := l.sentToday(ctx, time.Now())
	if err != nil {
		return Status{}, err
	}
	remaining := l.dailyCap - sentToday
	if remaining < 0 {
		remaining = 0
	}
	warnAt := (l.dailyCap * l.warnPct) / 100
	return Status{
		SentToday: sentToday,
		DailyCap:  l.dailyCap,
		Remaining: remaining,
		ResetAt:   windowEnd,
		Warning:   sentToday >= warnAt,
	}, nil
}

// CheckAndWarn is invoked after each dispatch attempt. It emits
// RateLimitReached (and no warning) once the cap itself is met or
// exceeded, and RateLimitWarning whenever sentToday is at or above the
// warn threshold but below the cap. Every send in that band fires a
// warning, not only the first crossing.
func (l *Limiter) CheckAndWarn(ctx context.Context) {
	status, err := l.Status(ctx)
	if err != nil {
		l.logger.Warn("ratelimit: status check failed", logging.Component("ratelimit"), zap.Error(err))
		return
	}

	warnAt := (status.DailyCap * l.warnPct) / 100
	if status.SentToday >= status.DailyCap {
		l.bus.PublishRateLimitReached(eventbus.RateLimitReached{
			SentToday: status.SentToday,
			DailyCap:  status.DailyCap,
		})
		return
	}
	if status.SentToday >= warnAt {
		l.bus.PublishRateLimitWarning(eventbus.RateLimitWarning{
			SentToday: status.SentToday,
			DailyCap:  status.DailyCap,
			WarnPct:   l.warnPct,
		})
	}
}
