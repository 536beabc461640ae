package scheduling

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/jobs"
	"chatrelay/internal/models"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/repository"
)

type fakeIntentRepo struct {
	intents map[int64]*models.Intent
	nextID  int64
	sentCnt int
}

func newFakeIntentRepo() *fakeIntentRepo {
	return &fakeIntentRepo{intents: map[int64]*models.Intent{}}
}

func (f *fakeIntentRepo) Create(ctx context.Context, intent *models.Intent) error {
	f.nextID++
	intent.ID = f.nextID
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
	if fields.ScheduledAt != nil {
		i.ScheduledAt = *fields.ScheduledAt
	}
	if fields.ClearFailure {
		i.FailureReason = nil
		i.FailedAt = nil
	}
	if fields.ResetAttempts {
		i.Attempts = 0
	}
	return true, nil
}
func (f *fakeIntentRepo) Update(ctx context.Context, intent *models.Intent) error {
	f.intents[intent.ID] = intent
	return nil
}
func (f *fakeIntentRepo) List(ctx context.Context, filters repository.IntentFilters) ([]*models.Intent, error) {
	var out []*models.Intent
	for _, i := range f.intents {
		out = append(out, i)
	}
	return out, nil
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

type fakeJobRepo struct {
	jobs map[string]*models.Job
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{jobs: map[string]*models.Job{}} }

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
func (f *fakeJobRepo) MarkRunning(ctx context.Context, id string) error       { return nil }
func (f *fakeJobRepo) MarkCompleted(ctx context.Context, id string) error    { return nil }
func (f *fakeJobRepo) MarkFailed(ctx context.Context, id, reason string) error { return nil }
func (f *fakeJobRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	return 0, nil
}
func (f *fakeJobRepo) RequeueWithBackoff(ctx context.Context, id string, runAt time.Time, lastError string) error {
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

type fakeRuleRepo struct {
	rules  map[int64]*models.RecurrenceRule
	nextID int64
}

func newFakeRuleRepo() *fakeRuleRepo {
	return &fakeRuleRepo{rules: map[int64]*models.RecurrenceRule{}}
}
func (f *fakeRuleRepo) Create(ctx context.Context, rule *models.RecurrenceRule) error {
	f.nextID++
	rule.ID = f.nextID
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
	var out []*models.RecurrenceRule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeRuleRepo) GetBirthdayRuleForContact(ctx context.Context, contactID int64) (*models.RecurrenceRule, error) {
	for _, r := range f.rules {
		if r.ContactID == contactID && r.Kind == models.RecurrenceBirthday {
			return r, nil
		}
	}
	return nil, nil
}
func (f *fakeRuleRepo) Disable(ctx context.Context, id int64) error {
	if r, ok := f.rules[id]; ok {
		r.Enabled = false
	}
	return nil
}
func (f *fakeRuleRepo) RecordFiring(ctx context.Context, id int64, at time.Time) error {
	if r, ok := f.rules[id]; ok {
		r.RecordFiring(at)
	}
	return nil
}

type fakeContactStore struct {
	contacts map[int64]*models.Contact
	byPhone  map[string]*models.Contact
	nextID   int64
}

func newFakeContactStore() *fakeContactStore {
	return &fakeContactStore{contacts: map[int64]*models.Contact{}, byPhone: map[string]*models.Contact{}}
}

func (f *fakeContactStore) ResolveByPhone(ctx context.Context, phone string, name *string) (*models.Contact, error) {
	if c, ok := f.byPhone[phone]; ok {
		return c, nil
	}
	f.nextID++
	c := &models.Contact{ID: f.nextID, Phone: phone, Name: name}
	f.byPhone[phone] = c
	f.contacts[c.ID] = c
	return c, nil
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

func newTestService(intentRepo *fakeIntentRepo, dailyCap int) *Service {
	runtime := jobs.New(newFakeJobRepo(), &fakeScheduleRepo{}, nil, zap.NewNop())
	limiter := ratelimit.New(intentRepo, nil, zap.NewNop(), dailyCap, 80)
	return New(intentRepo, nil, newFakeContactStore(), runtime, limiter, BirthdayConfig{DefaultHourIST: 9}, zap.NewNop())
}

func newTestServiceWithRules(ruleRepo *fakeRuleRepo, contactStore *fakeContactStore, birthday BirthdayConfig) *Service {
	intentRepo := newFakeIntentRepo()
	runtime := jobs.New(newFakeJobRepo(), &fakeScheduleRepo{}, nil, zap.NewNop())
	limiter := ratelimit.New(intentRepo, nil, zap.NewNop(), 500, 80)
	if birthday.DefaultHourIST == 0 {
		birthday.DefaultHourIST = 9
	}
	return New(intentRepo, ruleRepo, contactStore, runtime, limiter, birthday, zap.NewNop())
}

func TestSchedule_ImmediateSendWithPhone(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	phone := "254700000009"
	result, err := svc.Schedule(context.Background(), ScheduleRequest{Phone: &phone, Content: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Intent.Status != models.IntentStatusPending {
		t.Errorf("got status %q, want pending", result.Intent.Status)
	}
	if result.Intent.Recipient.ContactID == nil {
		t.Fatal("expected recipient to resolve to a contact id")
	}
}

func TestSchedule_RejectsWhenAtDailyCap(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	intentRepo.sentCnt = 5
	svc := newTestService(intentRepo, 5)

	phone := "254700000009"
	_, err := svc.Schedule(context.Background(), ScheduleRequest{Phone: &phone, Content: "hello"})
	if err == nil {
		t.Fatal("expected an error when the daily cap is reached")
	}
}

func TestSchedule_RejectsMultipleRecipientKinds(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	phone := "254700000009"
	group := "120363xxxx"
	_, err := svc.Schedule(context.Background(), ScheduleRequest{Phone: &phone, GroupID: &group, Content: "hello"})
	if err == nil {
		t.Fatal("expected error when both phone and groupId are set")
	}
}

func TestSchedule_FutureSendDoesNotConsumeDailyCap(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	intentRepo.sentCnt = 5
	svc := newTestService(intentRepo, 5)

	future := time.Now().Add(24 * time.Hour)
	phone := "254700000009"
	result, err := svc.Schedule(context.Background(), ScheduleRequest{Phone: &phone, Content: "hello", ScheduledAt: &future})
	if err != nil {
		t.Fatalf("scheduling a future send should not be blocked by today's cap: %v", err)
	}
	if result.Intent.Status != models.IntentStatusPending {
		t.Errorf("got status %q, want pending", result.Intent.Status)
	}
}

func TestCancel_OnlyPendingIsCancellable(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	intent := &models.Intent{Status: models.IntentStatusSent}
	intentRepo.Create(context.Background(), intent)

	got, err := svc.Cancel(context.Background(), intent.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected Cancel on a non-pending intent to be a no-op")
	}
}

func TestCancel_PendingIntentTransitionsToCancelled(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	intent := &models.Intent{Status: models.IntentStatusPending}
	intentRepo.Create(context.Background(), intent)

	got, err := svc.Cancel(context.Background(), intent.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Status != models.IntentStatusCancelled {
		t.Fatalf("expected cancelled intent, got %+v", got)
	}
}

func TestRetry_OnlyFailedIsRetryable(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	intent := &models.Intent{Status: models.IntentStatusPending}
	intentRepo.Create(context.Background(), intent)

	_, err := svc.Retry(context.Background(), intent.ID)
	if err == nil {
		t.Fatal("expected error retrying a non-failed intent")
	}
}

func TestRetry_FailedIntentResetsToPending(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	reason := "provider rejected"
	intent := &models.Intent{Status: models.IntentStatusFailed, FailureReason: &reason, Attempts: 2}
	intentRepo.Create(context.Background(), intent)

	got, err := svc.Retry(context.Background(), intent.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.IntentStatusPending {
		t.Errorf("got status %q, want pending", got.Status)
	}
	if got.FailureReason != nil {
		t.Error("expected failure reason to be cleared")
	}
	if got.Attempts != 0 {
		t.Errorf("got attempts %d, want 0", got.Attempts)
	}
}

func TestEdit_OnlyPendingIsEditable(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	intent := &models.Intent{Status: models.IntentStatusSent, Content: "original"}
	intentRepo.Create(context.Background(), intent)

	newContent := "edited"
	_, err := svc.Edit(context.Background(), intent.ID, EditPatch{Content: &newContent})
	if err == nil {
		t.Fatal("expected error editing a non-pending intent")
	}
}

func TestEdit_UpdatesContentWithoutRescheduling(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	intent := &models.Intent{Status: models.IntentStatusPending, Content: "original", Recipient: models.Recipient{Kind: models.RecipientKindContact, ContactID: int64Ptr(1)}}
	intentRepo.Create(context.Background(), intent)

	newContent := "edited"
	got, err := svc.Edit(context.Background(), intent.ID, EditPatch{Content: &newContent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "edited" {
		t.Errorf("got content %q, want edited", got.Content)
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestGet_NotFoundWrapsIntoNotFoundError(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	_, err := svc.Get(context.Background(), 999)
	if err == nil {
		t.Fatal("expected a not-found error")
	}
}

func TestList_ClampsLimitToMax(t *testing.T) {
	intentRepo := newFakeIntentRepo()
	svc := newTestService(intentRepo, 500)

	_, err := svc.List(context.Background(), repository.IntentFilters{Limit: 10000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateRule_UnknownContactIsNotFound(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	_, err := svc.CreateRule(context.Background(), CreateRuleRequest{ContactID: 999, Kind: models.RecurrenceCustom, Content: "hi", EveryNDays: intPtr(3)})
	if err == nil {
		t.Fatal("expected error for unknown contact")
	}
}

func TestCreateRule_CronKindRegistersSchedule(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	cron := "0 0 9 * * *"
	rule, err := svc.CreateRule(context.Background(), CreateRuleRequest{ContactID: 1, Kind: models.RecurrenceDaily, Content: "reminder", CronExpression: &cron})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rule.ID == 0 {
		t.Error("expected the rule to be assigned an id")
	}
	if !rule.Enabled {
		t.Error("expected a newly created rule to be enabled")
	}
}

func TestCreateRule_InvalidCombinationIsRejected(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	cron := "0 0 9 * * *"
	every := 3
	_, err := svc.CreateRule(context.Background(), CreateRuleRequest{ContactID: 1, Kind: models.RecurrenceDaily, Content: "reminder", CronExpression: &cron, EveryNDays: &every})
	if err == nil {
		t.Fatal("expected error for a cron-kind rule that also sets everyNDays")
	}
}

func TestUpdateRule_DisablingRemovesSchedule(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	cron := "0 0 9 * * *"
	rule, err := svc.CreateRule(context.Background(), CreateRuleRequest{ContactID: 1, Kind: models.RecurrenceDaily, Content: "reminder", CronExpression: &cron})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	disabled := false
	got, err := svc.UpdateRule(context.Background(), rule.ID, RulePatch{Enabled: &disabled})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Enabled {
		t.Error("expected rule to be disabled")
	}
}

func TestUpdateRule_UnknownRuleIsNotFound(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	content := "new content"
	_, err := svc.UpdateRule(context.Background(), 999, RulePatch{Content: &content})
	if err == nil {
		t.Fatal("expected error for unknown rule id")
	}
}

func TestDisableRule_SoftDisablesAndRemovesSchedule(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	cron := "0 0 9 * * *"
	rule, err := svc.CreateRule(context.Background(), CreateRuleRequest{ContactID: 1, Kind: models.RecurrenceDaily, Content: "reminder", CronExpression: &cron})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.DisableRule(context.Background(), rule.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ruleRepo.rules[rule.ID].Enabled {
		t.Error("expected the underlying rule to be disabled")
	}
}

func TestGetRule_UnknownIDIsNotFound(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	_, err := svc.GetRule(context.Background(), 42)
	if err == nil {
		t.Fatal("expected a not-found error")
	}
}

func TestListRules_ReturnsAllWhenUnfiltered(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{})

	cron := "0 0 9 * * *"
	if _, err := svc.CreateRule(context.Background(), CreateRuleRequest{ContactID: 1, Kind: models.RecurrenceDaily, Content: "a", CronExpression: &cron}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.CreateRule(context.Background(), CreateRuleRequest{ContactID: 1, Kind: models.RecurrenceWeekly, Content: "b", CronExpression: &cron}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rules, err := svc.ListRules(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 2 {
		t.Errorf("got %d rules, want 2", len(rules))
	}
}

func TestSyncBirthdayReminder_CreatesRuleWhenNoneExists(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{DefaultHourIST: 9, MessageTemplate: "Happy birthday, {{name}}!"})

	mmdd := "07-21"
	name := "Wanjiru"
	err := svc.SyncBirthdayReminder(context.Background(), 1, &mmdd, nil, &name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ruleRepo.rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(ruleRepo.rules))
	}
	for _, r := range ruleRepo.rules {
		if r.Kind != models.RecurrenceBirthday {
			t.Errorf("got kind %q, want birthday", r.Kind)
		}
		if r.Content != "Happy birthday, Wanjiru!" {
			t.Errorf("got content %q", r.Content)
		}
		if !r.Enabled {
			t.Error("expected the birthday rule to be enabled")
		}
	}
}

func TestSyncBirthdayReminder_UpdatesExistingRule(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{DefaultHourIST: 9, MessageTemplate: "Happy birthday, {{name}}!"})

	mmdd := "07-21"
	if err := svc.SyncBirthdayReminder(context.Background(), 1, &mmdd, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newMMDD := "08-05"
	if err := svc.SyncBirthdayReminder(context.Background(), 1, &newMMDD, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ruleRepo.rules) != 1 {
		t.Fatalf("expected the existing birthday rule to be updated in place, got %d rules", len(ruleRepo.rules))
	}
}

func TestSyncBirthdayReminder_DisablesWhenBirthdayCleared(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{DefaultHourIST: 9, MessageTemplate: "Happy birthday, {{name}}!"})

	mmdd := "07-21"
	if err := svc.SyncBirthdayReminder(context.Background(), 1, &mmdd, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.SyncBirthdayReminder(context.Background(), 1, nil, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range ruleRepo.rules {
		if r.Enabled {
			t.Error("expected the birthday rule to be disabled once birthdayMMDD is cleared")
		}
	}
}

func TestSyncBirthdayReminder_InvalidMMDDIsRejected(t *testing.T) {
	ruleRepo := newFakeRuleRepo()
	contactStore := newFakeContactStore()
	contactStore.contacts[1] = &models.Contact{ID: 1, Phone: "254700000001"}
	svc := newTestServiceWithRules(ruleRepo, contactStore, BirthdayConfig{DefaultHourIST: 9, MessageTemplate: "Happy birthday, {{name}}!"})

	bad := "13-40"
	err := svc.SyncBirthdayReminder(context.Background(), 1, &bad, nil, nil)
	if err == nil {
		t.Fatal("expected a validation error for an out-of-range MM-DD")
	}
}

func intPtr(v int) *int { return &v }
