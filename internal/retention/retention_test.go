package retention

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/models"
	"chatrelay/internal/repository"
)

type fakeIntentRepo struct {
	deleteCutoff   time.Time
	deleteStatuses []models.IntentStatus
	deletedCount   int64
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
	return 0, nil
}
func (f *fakeIntentRepo) ListByProviderMessageID(ctx context.Context, providerMessageID string) ([]*models.Intent, error) {
	return nil, nil
}
func (f *fakeIntentRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []models.IntentStatus) (int64, error) {
	f.deleteCutoff = cutoff
	f.deleteStatuses = statuses
	return f.deletedCount, nil
}

func TestSweep_DisabledWhenRetentionDaysIsZero(t *testing.T) {
	sweeper := New(nil, nil, 0, zap.NewNop())
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStart_DisabledWhenRetentionDaysIsZero(t *testing.T) {
	sweeper := New(nil, nil, 0, zap.NewNop())
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSweep_DeletesWithCorrectCutoffAndStatuses(t *testing.T) {
	repo := &fakeIntentRepo{deletedCount: 3}
	sweeper := New(repo, nil, 30, zap.NewNop())

	before := time.Now()
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantCutoff := before.Add(-30 * 24 * time.Hour)
	if repo.deleteCutoff.After(wantCutoff.Add(time.Second)) || repo.deleteCutoff.Before(wantCutoff.Add(-time.Second)) {
		t.Errorf("cutoff %v not within 1s of expected %v", repo.deleteCutoff, wantCutoff)
	}
	if len(repo.deleteStatuses) != 3 {
		t.Errorf("got %d swept statuses, want 3 (sent, delivered, failed)", len(repo.deleteStatuses))
	}
}
