package logging

import "testing"

func TestNew_DevelopmentBuildsSuccessfully(t *testing.T) {
	logger, err := New("development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestNew_ProductionBuildsSuccessfully(t *testing.T) {
	logger, err := New("production")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestFieldHelpers_CarryExpectedKeys(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"JobID", "job_id"},
		{"IntentID", "intent_id"},
		{"RuleID", "rule_id"},
		{"Attempt", "attempt"},
		{"Component", "component"},
	}

	fields := map[string]string{
		"JobID":     JobID("job-1").Key,
		"IntentID":  IntentID(1).Key,
		"RuleID":    RuleID(1).Key,
		"Attempt":   Attempt(1).Key,
		"Component": Component("dispatcher").Key,
	}

	for _, tc := range cases {
		if got := fields[tc.name]; got != tc.key {
			t.Errorf("%s: got key %q, want %q", tc.name, got, tc.key)
		}
	}
}
