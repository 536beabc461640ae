package dispatcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/connection"
	"chatrelay/internal/contacts"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/jobs"
	"chatrelay/internal/models"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/repository"
	"chatrelay/internal/vault"
)

type fakeJobRepo struct {
	jobs   map[string]*models.Job
	marked map[string]models.JobStatus
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*models.Job{}, marked: map[string]models.JobStatus{}}
}
func (f *fakeJobRepo) GetByID(ctx context.Context, id string) (*models.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeJobRepo) Upsert(ctx context.Context, job *models.Job) error {
	f.jobs[job.ID] = job
	return nil
}
func (f *fakeJobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	if _, ok := f.jobs[id]; !ok {
		return false, nil
	}
	delete(f.jobs, id)
	return true, nil
}
func (f *fakeJobRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) MarkRunning(ctx context.Context, id string) error {
	f.marked[id] = models.JobStatusRunning
	return nil
}
func (f *fakeJobRepo) MarkCompleted(ctx context.Context, id string) error {
	f.marked[id] = models.JobStatusCompleted
	return nil
}
func (f *fakeJobRepo) MarkFailed(ctx context.Context, id, reason string) error {
	f.marked[id] = models.JobStatusFailed
	return nil
}
func (f *fakeJobRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	j, ok := f.jobs[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	j.Attempts++
	return j.Attempts, nil
}
func (f *fakeJobRepo) RequeueWithBackoff(ctx context.Context, id string, runAt time.Time, lastError string) error {
	f.marked[id] = models.JobStatusPending
	return nil
}
func (f *fakeJobRepo) EvictCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeJobRepo) EvictFailedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeScheduleRepo struct{}

func (f *fakeScheduleRepo) Upsert(ctx context.Context, schedule *models.Schedule) error { return nil }
func (f *fakeScheduleRepo) Remove(ctx context.Context, id string) error                 { return nil }
func (f *fakeScheduleRepo) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	return nil, nil
}
func (f *fakeScheduleRepo) AdvanceNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	return nil
}

type fakeIntentRepo struct {
	intents map[int64]*models.Intent
	sentCnt int
	updates []models.IntentStatus
}

func newFakeIntentRepo() *fakeIntentRepo {
	return &fakeIntentRepo{intents: map[int64]*models.Intent{}}
}
func (f *fakeIntentRepo) Create(ctx context.Context, intent *models.Intent) error {
	if intent.ID == 0 {
		intent.ID = int64(len(f.intents) + 1)
	}
	f.intents[intent.ID] = intent
	return nil
}
func (f *fakeIntentRepo) FindIntent(ctx context.Context, id int64) (*models.Intent, error) {
	if i, ok := f.intents[id]; ok {
		return i, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeIntentRepo) UpdateIntentStatus(ctx context.Context, id int64, newStatus models.IntentStatus, fields repository.IntentStatusUpdate) (bool, error) {
	i, ok := f.intents[id]
	if !ok {
		return false, nil
	}
	i.Status = newStatus
	f.updates = append(f.updates, newStatus)
	return true, nil
}
func (f *fakeIntentRepo) Update(ctx context.Context, intent *models.Intent) error {
	f.intents[intent.ID] = intent
	return nil
}
func (f *fakeIntentRepo) List(ctx context.Context, filters repository.IntentFilters) ([]*models.Intent, error) {
	return nil, nil
}
func (f *fakeIntentRepo) CountTerminalSuccessIn(ctx context.Context, windowStart, windowEnd time.Time) (int, error) {
	return f.sentCnt, nil
}
func (f *fakeIntentRepo) ListByProviderMessageID(ctx context.Context, providerMessageID string) ([]*models.Intent, error) {
	return nil, nil
}
func (f *fakeIntentRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []models.IntentStatus) (int64, error) {
	return 0, nil
}

type fakeRuleRepo struct {
	rules   map[int64]*models.RecurrenceRule
	firedAt map[int64]time.Time
}

func newFakeRuleRepo() *fakeRuleRepo {
	return &fakeRuleRepo{rules: map[int64]*models.RecurrenceRule{}, firedAt: map[int64]time.Time{}}
}
func (f *fakeRuleRepo) Create(ctx context.Context, rule *models.RecurrenceRule) error {
	f.rules[rule.ID] = rule
	return nil
}
func (f *fakeRuleRepo) GetByID(ctx context.Context, id int64) (*models.RecurrenceRule, error) {
	if r, ok := f.rules[id]; ok {
		return r, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeRuleRepo) Update(ctx context.Context, rule *models.RecurrenceRule) error {
	f.rules[rule.ID] = rule
	return nil
}
func (f *fakeRuleRepo) List(ctx context.Context, contactID *int64, kind *models.RecurrenceKind) ([]*models.RecurrenceRule, error) {
	return nil, nil
}
func (f *fakeRuleRepo) GetBirthdayRuleForContact(ctx context.Context, contactID int64) (*models.RecurrenceRule, error) {
	return nil, nil
}
func (f *fakeRuleRepo) Disable(ctx context.Context, id int64) error {
	if r, ok := f.rules[id]; ok {
		r.Enabled = false
	}
	return nil
}
func (f *fakeRuleRepo) RecordFiring(ctx context.Context, id int64, at time.Time) error {
	f.firedAt[id] = at
	if r, ok := f.rules[id]; ok {
		r.RecordFiring(at)
	}
	return nil
}

type fakeContactStore struct {
	contacts map[int64]*models.Contact
}

func newFakeContactStore() *fakeContactStore {
	return &fakeContactStore{contacts: map[int64]*models.Contact{
		1: {ID: 1, Phone: "254700000001"},
	}}
}
func (f *fakeContactStore) ResolveByPhone(ctx context.Context, phone string, name *string) (*models.Contact, error) {
	return nil, nil
}
func (f *fakeContactStore) Get(ctx context.Context, id int64) (*models.Contact, error) {
	if c, ok := f.contacts[id]; ok {
		return c, nil
	}
	return nil, repository.ErrNotFound
}
func (f *fakeContactStore) FormatAddress(contact *models.Contact) string {
	return contact.Phone + "@s.whatsapp.net"
}
func (f *fakeContactStore) SetBirthday(ctx context.Context, contactID int64, birthdayMMDD *string, enabled bool) error {
	return nil
}

var _ contacts.ContactStore = (*fakeContactStore)(nil)

type fakeVaultRepo struct{}

func (f *fakeVaultRepo) Get(ctx context.Context, key string) (string, bool, error) { return "", false, nil }
func (f *fakeVaultRepo) Put(ctx context.Context, key, ciphertext string) error     { return nil }
func (f *fakeVaultRepo) Delete(ctx context.Context, key string) error             { return nil }
func (f *fakeVaultRepo) DeleteAll(ctx context.Context) error                      { return nil }

type fakeSweeper struct {
	called bool
	err    error
}

func (f *fakeSweeper) Sweep(ctx context.Context) error {
	f.called = true
	return f.err
}

func newTestDispatcher(jobRepo *fakeJobRepo, intentRepo *fakeIntentRepo, ruleRepo *fakeRuleRepo, sweeper Sweeper) *Dispatcher {
	logger := zap.NewNop()
	runtime := jobs.New(jobRepo, &fakeScheduleRepo{}, nil, logger)
	bus := eventbus.New(logger)
	limiter := ratelimit.New(intentRepo, bus, logger, 500, 80)
	crypt := vault.New([]byte("test-master-key"), vault.KDFParams{TimeCost: 1, MemoryKiB: 8, Threads: 1})
	manager := connection.New(&fakeVaultRepo{}, crypt, bus, logger, connection.NewSimulatedFactory(connection.SimulatedConfig{}), connection.BackoffConfig{})
	return New(jobRepo, intentRepo, ruleRepo, newFakeContactStore(), runtime, limiter, manager, bus, sweeper, PaceConfig{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, logger)
}

func TestProcess_UnknownJobIDIsTombstoned(t *testing.T) {
	jobRepo := newFakeJobRepo()
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), newFakeRuleRepo(), nil)

	err := d.process(context.Background(), "missing-job")
	if err != nil {
		t.Fatalf("expected nil error for a tombstoned job, got %v", err)
	}
}

func TestProcess_CancelledJobIsSkipped(t *testing.T) {
	jobRepo := newFakeJobRepo()
	jobRepo.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusCancelled, Kind: models.JobKindSendIntent}
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), newFakeRuleRepo(), nil)

	if err := d.process(context.Background(), "job-1"); err != nil {
		t.Fatalf("expected nil error for a cancelled job, got %v", err)
	}
}

func TestProcess_UnknownJobKindIsFatal(t *testing.T) {
	jobRepo := newFakeJobRepo()
	jobRepo.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusPending, Kind: models.JobKind("bogus")}
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), newFakeRuleRepo(), nil)

	err := d.process(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected an error for an unknown job kind")
	}
}

func TestProcess_CleanupWithNilSweeperIsNoOp(t *testing.T) {
	jobRepo := newFakeJobRepo()
	jobRepo.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusPending, Kind: models.JobKindCleanup}
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), newFakeRuleRepo(), nil)

	if err := d.process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProcess_CleanupInvokesSweeper(t *testing.T) {
	jobRepo := newFakeJobRepo()
	jobRepo.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusPending, Kind: models.JobKindCleanup}
	sweeper := &fakeSweeper{}
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), newFakeRuleRepo(), sweeper)

	if err := d.process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sweeper.called {
		t.Error("expected the sweeper to be invoked for a cleanup job")
	}
}

func TestProcessSendIntent_CancelledIntentIsSkipped(t *testing.T) {
	jobRepo := newFakeJobRepo()
	intentRepo := newFakeIntentRepo()
	intent := &models.Intent{ID: 1, Status: models.IntentStatusCancelled}
	intentRepo.intents[1] = intent
	d := newTestDispatcher(jobRepo, intentRepo, newFakeRuleRepo(), nil)

	if err := d.processSendIntent(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendIntent_NoSocketIsTransientFailure(t *testing.T) {
	jobRepo := newFakeJobRepo()
	intentRepo := newFakeIntentRepo()
	intent := &models.Intent{
		ID:        1,
		Status:    models.IntentStatusPending,
		Content:   "hello",
		Recipient: models.Recipient{Kind: models.RecipientKindContact, ContactID: int64Ptr(1)},
	}
	intentRepo.intents[1] = intent
	d := newTestDispatcher(jobRepo, intentRepo, newFakeRuleRepo(), nil)

	err := d.sendIntent(context.Background(), intent)
	if err == nil {
		t.Fatal("expected an error: manager has no live socket without Start()")
	}
}

func TestSendIntent_DailyCapReachedMarksFailedWithoutError(t *testing.T) {
	jobRepo := newFakeJobRepo()
	intentRepo := newFakeIntentRepo()
	intentRepo.sentCnt = 500
	intent := &models.Intent{
		ID:        1,
		Status:    models.IntentStatusPending,
		Content:   "hello",
		Recipient: models.Recipient{Kind: models.RecipientKindContact, ContactID: int64Ptr(1)},
	}
	intentRepo.intents[1] = intent
	d := newTestDispatcher(jobRepo, intentRepo, newFakeRuleRepo(), nil)

	if err := d.sendIntent(context.Background(), intent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Status != models.IntentStatusFailed {
		t.Errorf("got status %q, want failed", intent.Status)
	}
}

func TestSendIntent_UnknownContactIsFatal(t *testing.T) {
	jobRepo := newFakeJobRepo()
	intentRepo := newFakeIntentRepo()
	intent := &models.Intent{
		ID:        1,
		Status:    models.IntentStatusPending,
		Content:   "hello",
		Recipient: models.Recipient{Kind: models.RecipientKindContact, ContactID: int64Ptr(999)},
	}
	intentRepo.intents[1] = intent
	d := newTestDispatcher(jobRepo, intentRepo, newFakeRuleRepo(), nil)

	err := d.sendIntent(context.Background(), intent)
	if err == nil {
		t.Fatal("expected an error resolving an unknown contact")
	}
}

func TestProcessFireRecurrence_DisabledRuleDoesNotFire(t *testing.T) {
	jobRepo := newFakeJobRepo()
	ruleRepo := newFakeRuleRepo()
	ruleRepo.rules[1] = &models.RecurrenceRule{ID: 1, ContactID: 1, Content: "hi", Enabled: false}
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), ruleRepo, nil)

	if err := d.processFireRecurrence(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, fired := ruleRepo.firedAt[1]; fired {
		t.Error("expected RecordFiring not to be called for a disabled rule")
	}
}

func TestProcessFireRecurrence_MissingRuleIsTombstoned(t *testing.T) {
	jobRepo := newFakeJobRepo()
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), newFakeRuleRepo(), nil)

	if err := d.processFireRecurrence(context.Background(), 42); err != nil {
		t.Fatalf("expected nil error for a tombstoned rule, got %v", err)
	}
}

func TestHandleJob_FatalErrorMarksFailedWithoutRetry(t *testing.T) {
	jobRepo := newFakeJobRepo()
	jobRepo.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusPending, Kind: models.JobKindSendIntent, Payload: []byte("not-json")}
	d := newTestDispatcher(jobRepo, newFakeIntentRepo(), newFakeRuleRepo(), nil)

	if err := d.HandleJob("job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobRepo.marked["job-1"] != models.JobStatusFailed {
		t.Errorf("got marked status %q, want failed", jobRepo.marked["job-1"])
	}
}

func TestHandleJob_MissingIntentCompletes(t *testing.T) {
	jobRepo := newFakeJobRepo()
	jobRepo.jobs["job-1"] = &models.Job{ID: "job-1", Status: models.JobStatusPending, Kind: models.JobKindSendIntent, Payload: []byte(`{"intentId":999}`)}
	intentRepo := newFakeIntentRepo()
	d := newTestDispatcher(jobRepo, intentRepo, newFakeRuleRepo(), nil)

	// intentId 999 does not exist in the repo, so FindIntent returns
	// ErrNotFound, which processSendIntent treats as a tombstone (nil
	// error), so this exercises the plain success/no-retry path via
	// HandleOutcome rather than a transient one. Kept as a smoke test
	// of the full HandleJob path end to end.
	if err := d.HandleJob("job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobRepo.marked["job-1"] != models.JobStatusCompleted {
		t.Errorf("got marked status %q, want completed", jobRepo.marked["job-1"])
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestBuildSendPayload_AudioHasNoCaption(t *testing.T) {
	intent := &models.Intent{Content: "voice note", Media: &models.Media{Kind: models.MediaKindAudio, URL: "https://example.com/a.ogg"}}

	payload := buildSendPayload(intent)

	if payload.Caption != "" {
		t.Errorf("got caption %q, want empty for audio", payload.Caption)
	}
	if payload.MediaURL != intent.Media.URL {
		t.Errorf("got media url %q, want %q", payload.MediaURL, intent.Media.URL)
	}
}

func TestBuildSendPayload_ImageCarriesCaption(t *testing.T) {
	intent := &models.Intent{Content: "look at this", Media: &models.Media{Kind: models.MediaKindImage, URL: "https://example.com/a.jpg"}}

	payload := buildSendPayload(intent)

	if payload.Caption != "look at this" {
		t.Errorf("got caption %q, want the intent content", payload.Caption)
	}
}

func TestBuildSendPayload_DocumentSetsFileName(t *testing.T) {
	intent := &models.Intent{Content: "your invoice", Media: &models.Media{Kind: models.MediaKindDocument, URL: "https://example.com/dir/invoice.pdf"}}

	payload := buildSendPayload(intent)

	if payload.FileName != "invoice.pdf" {
		t.Errorf("got file name %q, want invoice.pdf", payload.FileName)
	}
	if payload.Caption != "your invoice" {
		t.Errorf("got caption %q, want the intent content", payload.Caption)
	}
}

func TestBuildSendPayload_NoMediaIsPlainText(t *testing.T) {
	intent := &models.Intent{Content: "hello"}

	payload := buildSendPayload(intent)

	if payload.Text != "hello" {
		t.Errorf("got text %q, want hello", payload.Text)
	}
	if payload.MediaKind != "" {
		t.Errorf("got media kind %q, want empty", payload.MediaKind)
	}
}
