package queue

import "testing"

func TestNewPublisher_RejectsNilConnection(t *testing.T) {
	if _, err := NewPublisher(nil, "dispatch"); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func TestNewPublisher_RejectsEmptyQueueName(t *testing.T) {
	if _, err := NewPublisher(&Connection{}, ""); err == nil {
		t.Fatal("expected error for empty queue name")
	}
}
