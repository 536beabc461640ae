package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/models"
	"chatrelay/internal/repository"
)

// fakeIntentRepo implements repository.IntentRepository, returning a fixed
// terminal-success count regardless of window bounds.
type fakeIntentRepo struct {
	count int
}

func (f *fakeIntentRepo) Create(ctx context.Context, intent *models.Intent) error { return nil }
func (f *fakeIntentRepo) FindIntent(ctx context.Context, id int64) (*models.Intent, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeIntentRepo) UpdateIntentStatus(ctx context.Context, id int64, newStatus models.IntentStatus, fields repository.IntentStatusUpdate) (bool, error) {
	return true, nil
}
func (f *fakeIntentRepo) Update(ctx context.Context, intent *models.Intent) error { return nil }
func (f *fakeIntentRepo) List(ctx context.Context, filters repository.IntentFilters) ([]*models.Intent, error) {
	return nil, nil
}
func (f *fakeIntentRepo) CountTerminalSuccessIn(ctx context.Context, windowStart, windowEnd time.Time) (int, error) {
	return f.count, nil
}
func (f *fakeIntentRepo) ListByProviderMessageID(ctx context.Context, providerMessageID string) ([]*models.Intent, error) {
	return nil, nil
}
func (f *fakeIntentRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []models.IntentStatus) (int64, error) {
	return 0, nil
}

func TestDayWindowIST_SpansExactly24Hours(t *testing.T) {
	now := time.Date(2026, 3, 15, 20, 0, 0, 0, time.UTC)
	start, end := dayWindowIST(now)
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("window is %v, want 24h", end.Sub(start))
	}
}

func TestDayWindowIST_MidnightISTBoundary(t *testing.T) {
	// 18:30 UTC == 00:00 IST the next day.
	now := time.Date(2026, 3, 15, 18, 30, 0, 0, time.UTC)
	start, _ := dayWindowIST(now)
	want := time.Date(2026, 3, 15, 18, 30, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("got window start %v, want %v", start, want)
	}
}

func TestCanSend_AllowsUnderCap(t *testing.T) {
	repo := &fakeIntentRepo{count: 10}
	limiter := New(repo, nil, zap.NewNop(), 500, 80)

	decision, err := limiter.CanSend(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected send to be allowed")
	}
	if decision.Remaining != 490 {
		t.Errorf("got remaining %d, want 490", decision.Remaining)
	}
}

func TestCanSend_BlocksAtCap(t *testing.T) {
	repo := &fakeIntentRepo{count: 500}
	limiter := New(repo, nil, zap.NewNop(), 500, 80)

	decision, err := limiter.CanSend(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected send to be blocked at cap")
	}
	if decision.Remaining != 0 {
		t.Errorf("got remaining %d, want 0", decision.Remaining)
	}
}

func TestNew_ZeroDailyCapDefaultsToOne(t *testing.T) {
	repo := &fakeIntentRepo{count: 0}
	limiter := New(repo, nil, zap.NewNop(), 0, 80)
	if limiter.dailyCap != 1 {
		t.Errorf("got dailyCap %d, want 1", limiter.dailyCap)
	}
}

func TestStatus_WarningFlagAtThreshold(t *testing.T) {
	repo := &fakeIntentRepo{count: 400}
	limiter := New(repo, nil, zap.NewNop(), 500, 80)

	status, err := limiter.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Warning {
		t.Fatal("expected warning at 80% threshold")
	}
}

func TestStatus_NoWarningBelowThreshold(t *testing.T) {
	repo := &fakeIntentRepo{count: 100}
	limiter := New(repo, nil, zap.NewNop(), 500, 80)

	status, err := limiter.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Warning {
		t.Fatal("expected no warning below threshold")
	}
}
