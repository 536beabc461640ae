package scheduling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/apperrors"
	"chatrelay/internal/cronexpr"
	"chatrelay/internal/models"
)

// CreateRuleRequest is the input to CreateRule.
type CreateRuleRequest struct {
	ContactID      int64
	Kind           models.RecurrenceKind
	Content        string
	Media          *models.Media
	CronExpression *string
	EveryNDays     *int
	EndDate        *time.Time
	MaxOccurrences *int
}

// CreateRule validates and persists a RecurrenceRule, then registers its
// cron entry with the Job Runtime.
func (s *Service) CreateRule(ctx context.Context, req CreateRuleRequest) (*models.RecurrenceRule, error) {
	if _, err := s.contacts.Get(ctx, req.ContactID); err != nil {
		if isNotFound(err) {
			return nil, &apperrors.NotFoundError{Resource: "contact", ID: req.ContactID}
		}
		return nil, fmt.Errorf("scheduling: load contact: %w", err)
	}

	rule := &models.RecurrenceRule{
		ContactID:      req.ContactID,
		Kind:           req.Kind,
		Content:        req.Content,
		Media:          req.Media,
		CronExpression: req.CronExpression,
		EveryNDays:     req.EveryNDays,
		EndDate:        req.EndDate,
		MaxOccurrences: req.MaxOccurrences,
		Enabled:        true,
	}
	if err := rule.Validate(); err != nil {
		return nil, &apperrors.ValidationError{Message: err.Error()}
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("scheduling: create rule: %w", err)
	}

	if err := s.registerRuleSchedule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// RulePatch carries the optional fields UpdateRule may change.
type RulePatch struct {
	Content        *string
	Media          **models.Media
	CronExpression *string
	EveryNDays     *int
	EndDate        *time.Time
	MaxOccurrences *int
	Enabled        *bool
}

// UpdateRule applies patch to an existing rule, re-registering its cron
// entry, or removing it when the patch disables the rule.
func (s *Service) UpdateRule(ctx context.Context, id int64, patch RulePatch) (*models.RecurrenceRule, error) {
	rule, err := s.getRule(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Content != nil {
		rule.Content = *patch.Content
	}
	if patch.Media != nil {
		rule.Media = *patch.Media
	}
	if patch.CronExpression != nil {
		rule.CronExpression = patch.CronExpression
	}
	if patch.EveryNDays != nil {
		rule.EveryNDays = patch.EveryNDays
	}
	if patch.EndDate != nil {
		rule.EndDate = patch.EndDate
	}
	if patch.MaxOccurrences != nil {
		rule.MaxOccurrences = patch.MaxOccurrences
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}

	if err := rule.Validate(); err != nil {
		return nil, &apperrors.ValidationError{Message: err.Error()}
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("scheduling: update rule: %w", err)
	}

	if !rule.Enabled {
		if err := s.runtime.RemoveSchedule(ctx, rule.ScheduleID()); err != nil {
			return nil, fmt.Errorf("scheduling: remove schedule: %w", err)
		}
		return rule, nil
	}
	if err := s.registerRuleSchedule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DisableRule soft-deletes a rule and removes its cron entry.
func (s *Service) DisableRule(ctx context.Context, id int64) error {
	if err := s.rules.Disable(ctx, id); err != nil {
		return fmt.Errorf("scheduling: disable rule: %w", err)
	}
	rule := &models.RecurrenceRule{ID: id}
	if err := s.runtime.RemoveSchedule(ctx, rule.ScheduleID()); err != nil {
		return fmt.Errorf("scheduling: remove schedule: %w", err)
	}
	return nil
}

// GetRule retrieves a single RecurrenceRule.
func (s *Service) GetRule(ctx context.Context, id int64) (*models.RecurrenceRule, error) {
	return s.getRule(ctx, id)
}

// ListRules retrieves RecurrenceRules, optionally filtered by contact and kind.
func (s *Service) ListRules(ctx context.Context, contactID *int64, kind *models.RecurrenceKind) ([]*models.RecurrenceRule, error) {
	rules, err := s.rules.List(ctx, contactID, kind)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list rules: %w", err)
	}
	return rules, nil
}

func (s *Service) getRule(ctx context.Context, id int64) (*models.RecurrenceRule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, &apperrors.NotFoundError{Resource: "recurrence rule", ID: id}
		}
		return nil, fmt.Errorf("scheduling: load rule: %w", err)
	}
	return rule, nil
}

func (s *Service) registerRuleSchedule(ctx context.Context, rule *models.RecurrenceRule) error {
	var everyMS *int64
	if rule.EveryNDays != nil {
		ms := int64(*rule.EveryNDays) * 24 * 60 * 60 * 1000
		everyMS = &ms
	}
	payload := models.FireRecurrencePayload{RuleID: rule.ID}
	if err := s.runtime.UpsertSchedule(ctx, rule.ScheduleID(), rule.CronExpression, everyMS, rule.EndDate, rule.MaxOccurrences, models.JobKindFireRecurrence, payload); err != nil {
		return fmt.Errorf("scheduling: register rule schedule: %w", err)
	}
	return nil
}

// SyncBirthdayReminder upserts or disables the at-most-one birthday rule
// for a contact. When birthdayMMDD is set and enabled is not explicitly
// false, the rule fires yearly at the configured default hour with the
// birthday_message template, substituting {{name}}. Otherwise any
// existing birthday rule for the contact is soft-disabled.
func (s *Service) SyncBirthdayReminder(ctx context.Context, contactID int64, birthdayMMDD *string, enabled *bool, contactName *string) error {
	existing, err := s.rules.GetBirthdayRuleForContact(ctx, contactID)
	if err != nil {
		return fmt.Errorf("scheduling: load birthday rule: %w", err)
	}

	wantEnabled := birthdayMMDD != nil && (enabled == nil || *enabled)
	if !wantEnabled {
		if existing != nil && existing.Enabled {
			return s.DisableRule(ctx, existing.ID)
		}
		return nil
	}

	month, day, err := parseMMDD(*birthdayMMDD)
	if err != nil {
		return &apperrors.ValidationError{Message: err.Error()}
	}
	cronExpr := cronexpr.YearlyOrBirthday(s.birthday.DefaultHourIST, 0, day, month)
	content := renderBirthdayTemplate(s.birthday.MessageTemplate, contactName)

	if existing != nil {
		existing.Content = content
		existing.CronExpression = &cronExpr
		existing.Enabled = true
		if err := s.rules.Update(ctx, existing); err != nil {
			return fmt.Errorf("scheduling: update birthday rule: %w", err)
		}
		return s.registerRuleSchedule(ctx, existing)
	}

	rule := &models.RecurrenceRule{
		ContactID:      contactID,
		Kind:           models.RecurrenceBirthday,
		Content:        content,
		CronExpression: &cronExpr,
		Enabled:        true,
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return fmt.Errorf("scheduling: create birthday rule: %w", err)
	}
	return s.registerRuleSchedule(ctx, rule)
}

// parseMMDD parses a "MM-DD" string into month and day integers.
func parseMMDD(mmdd string) (month, day int, err error) {
	parts := strings.SplitN(mmdd, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("birthdayMMDD must be in MM-DD format")
	}
	month, err = strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("birthdayMMDD has an invalid month")
	}
	day, err = strconv.Atoi(parts[1])
	if err != nil || day < 1 || day > 31 {
		return 0, 0, fmt.Errorf("birthdayMMDD has an invalid day")
	}
	return month, day, nil
}

func renderBirthdayTemplate(tmpl string, name *string) string {
	display := "there"
	if name != nil && *name != "" {
		display = *name
	}
	return strings.ReplaceAll(tmpl, "{{name}}", display)
}
