package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	s := New[string](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	if got := s.Publish("read"); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	if v := <-a; v != "read" {
		t.Fatalf("unexpected event %q", v)
	}
	if v := <-b; v != "read" {
		t.Fatalf("unexpected event %q", v)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	s := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	s.Publish(1)
	if got := s.Publish(2); got != 0 {
		t.Fatalf("full buffer should drop, delivered %d", got)
	}
	if v := <-ch; v != 1 {
		t.Fatalf("expected first event, got %d", v)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New[int](0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	deadline := time.Now().Add(time.Second)
	for s.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}
