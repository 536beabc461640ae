package models

import (
	"fmt"
	"time"
)

// RecurrenceKind enumerates the schedule templates a rule can express.
type RecurrenceKind string

const (
	RecurrenceDaily    RecurrenceKind = "daily"
	RecurrenceWeekly   RecurrenceKind = "weekly"
	RecurrenceMonthly  RecurrenceKind = "monthly"
	RecurrenceYearly   RecurrenceKind = "yearly"
	RecurrenceCustom   RecurrenceKind = "custom"
	RecurrenceBirthday RecurrenceKind = "birthday"
)

// UsesCronExpression reports whether this kind is expressed as a cron
// pattern rather than an every-N-days interval.
func (k RecurrenceKind) UsesCronExpression() bool {
	return k != RecurrenceCustom
}

// RecurrenceRule is a template producing Intents on a schedule.
type RecurrenceRule struct {
	ID              int64          `json:"id" db:"id"`
	ContactID       int64          `json:"contactId" db:"contact_id"`
	Kind            RecurrenceKind `json:"kind" db:"kind"`
	Content         string         `json:"content" db:"content"`
	Media           *Media         `json:"media,omitempty"`
	CronExpression  *string        `json:"cronExpression,omitempty" db:"cron_expression"`
	EveryNDays      *int           `json:"everyNDays,omitempty" db:"every_n_days"`
	EndDate         *time.Time     `json:"endDate,omitempty" db:"end_date"`
	MaxOccurrences  *int           `json:"maxOccurrences,omitempty" db:"max_occurrences"`
	OccurrenceCount int            `json:"occurrenceCount" db:"occurrence_count"`
	Enabled         bool           `json:"enabled" db:"enabled"`
	LastFiredAt     *time.Time     `json:"lastFiredAt,omitempty" db:"last_fired_at"`
	CreatedAt       time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time      `json:"updatedAt" db:"updated_at"`
}

// Validate enforces the cronExpression XOR everyNDays invariant and the
// occurrenceCount <= maxOccurrences invariant.
func (r *RecurrenceRule) Validate() error {
	usesCron := r.Kind.UsesCronExpression()
	hasCron := r.CronExpression != nil && *r.CronExpression != ""
	hasEvery := r.EveryNDays != nil && *r.EveryNDays > 0

	if usesCron {
		if !hasCron || hasEvery {
			return fmt.Errorf("rule kind %q requires a cron expression and no everyNDays", r.Kind)
		}
	} else {
		if !hasEvery || hasCron {
			return fmt.Errorf("rule kind %q requires everyNDays and no cron expression", r.Kind)
		}
	}

	if r.MaxOccurrences != nil && r.OccurrenceCount > *r.MaxOccurrences {
		return fmt.Errorf("occurrenceCount %d exceeds maxOccurrences %d", r.OccurrenceCount, *r.MaxOccurrences)
	}
	return nil
}

// ShouldFire reports whether the rule is still eligible to produce
// further intents, given endDate and maxOccurrences limits.
func (r *RecurrenceRule) ShouldFire(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.EndDate != nil && now.After(*r.EndDate) {
		return false
	}
	if r.MaxOccurrences != nil && r.OccurrenceCount >= *r.MaxOccurrences {
		return false
	}
	return true
}

// ScheduleID is the Job Runtime identifier for this rule's cron entry.
func (r *RecurrenceRule) ScheduleID() string {
	return fmt.Sprintf("rule-%d", r.ID)
}

// RecordFiring advances occurrenceCount/lastFiredAt and auto-disables the
// rule once maxOccurrences is reached.
func (r *RecurrenceRule) RecordFiring(at time.Time) {
	r.OccurrenceCount++
	r.LastFiredAt = &at
	if r.MaxOccurrences != nil && r.OccurrenceCount >= *r.MaxOccurrences {
		r.Enabled = false
	}
}
