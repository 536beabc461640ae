package eventbus

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	bus := New(zap.NewNop())
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.PublishRateLimitReached(RateLimitReached{SentToday: 500, DailyCap: 500})

	select {
	case evt := <-ch:
		if evt.Type != TypeRateLimitReached {
			t.Fatalf("got type %q, want %q", evt.Type, TypeRateLimitReached)
		}
		data, ok := evt.Data.(RateLimitReached)
		if !ok {
			t.Fatalf("got data of type %T, want RateLimitReached", evt.Data)
		}
		if data.SentToday != 500 || data.DailyCap != 500 {
			t.Errorf("unexpected payload: %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	bus := New(zap.NewNop())
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestPublish_DoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := New(zap.NewNop())
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.PublishRateLimitWarning(RateLimitWarning{SentToday: i, DailyCap: 500, WarnPct: 80})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestMultipleSubscribers_AllReceive(t *testing.T) {
	bus := New(zap.NewNop())
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	bus.PublishPairingCode(PairingCode{Terminal: "ABCD-EFGH", At: time.Now()})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != TypePairingCode {
				t.Errorf("got type %q, want %q", evt.Type, TypePairingCode)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on one subscriber")
		}
	}
}
