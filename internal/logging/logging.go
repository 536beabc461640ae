// Package logging builds the structured logger shared by every long-lived
// component. It deliberately stays small: a handful of named fields rather
// than a full context-propagation framework.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given environment. "development" gets a
// human-readable console encoder; anything else gets JSON.
func New(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// JobID tags a log entry with a Job Runtime job id.
func JobID(id string) zap.Field { return zap.String("job_id", id) }

// IntentID tags a log entry with an Intent id.
func IntentID(id int64) zap.Field { return zap.Int64("intent_id", id) }

// RuleID tags a log entry with a RecurrenceRule id.
func RuleID(id int64) zap.Field { return zap.Int64("rule_id", id) }

// Attempt tags a log entry with a retry attempt number.
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }

// Component tags a log entry with the owning component name.
func Component(name string) zap.Field { return zap.String("component", name) }
