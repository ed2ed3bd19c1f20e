package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, stop1 := b.Subscribe(4)
	ch2, stop2 := b.Subscribe(4)
	defer stop1()
	defer stop2()

	b.Publish(Event{Type: "job.created", Data: "job_1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "job.created" || e.Data != "job_1" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("event time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, stop := b.Subscribe(1)
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered %d events, want 1", len(ch))
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, stop := b.Subscribe(1)
	stop()
	stop()

	// Publishing after unsubscribe must not panic even though the channel
	// is closed.
	b.Publish(Event{Type: "late"})

	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
}
