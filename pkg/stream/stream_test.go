package stream

import (
	"testing"
	"time"
)

type testEvent struct {
	kind  string
	value int
}

func newTestStream() *Stream[testEvent, int] {
	return New(
		func(ev testEvent) bool { return ev.kind == "end" },
		func(ev testEvent) int { return ev.value },
	)
}

func TestDeliversInOrder(t *testing.T) {
	s := newTestStream()
	for i := 0; i < 100; i++ {
		s.Push(testEvent{kind: "tick", value: i})
	}
	s.Push(testEvent{kind: "end", value: 100})

	var got []testEvent
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 101 {
		t.Fatalf("expected 101 events, got %d", len(got))
	}
	for i, ev := range got[:100] {
		if ev.value != i {
			t.Fatalf("event %d out of order: %d", i, ev.value)
		}
	}
	if got[100].kind != "end" {
		t.Fatalf("last event should be terminal, got %q", got[100].kind)
	}
}

func TestTerminalEventResolvesResult(t *testing.T) {
	s := newTestStream()
	s.Push(testEvent{kind: "tick", value: 1})
	s.Push(testEvent{kind: "end", value: 42})

	if got := s.Result(); got != 42 {
		t.Fatalf("Result() = %d, want 42", got)
	}
}

func TestResultWithoutDraining(t *testing.T) {
	s := newTestStream()
	for i := 0; i < 10; i++ {
		s.Push(testEvent{kind: "tick", value: i})
	}
	s.Push(testEvent{kind: "end", value: 7})

	// Result must not require the consumer to read Events first.
	done := make(chan int, 1)
	go func() { done <- s.Result() }()
	select {
	case got := <-done:
		if got != 7 {
			t.Fatalf("Result() = %d, want 7", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Result() blocked even though a terminal event was pushed")
	}
}

func TestPushAfterEndIsNoOp(t *testing.T) {
	s := newTestStream()
	s.Push(testEvent{kind: "end", value: 1})
	s.Push(testEvent{kind: "tick", value: 99})

	var got []testEvent
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the terminal event, got %d events", len(got))
	}
	if got[0].kind != "end" {
		t.Fatalf("expected terminal event, got %q", got[0].kind)
	}
}

func TestEndForcesResult(t *testing.T) {
	s := newTestStream()
	s.Push(testEvent{kind: "tick", value: 1})
	s.End(13)

	if got := s.Result(); got != 13 {
		t.Fatalf("Result() = %d, want 13", got)
	}
	// Buffered events before End are still delivered, then the channel closes.
	var got []testEvent
	for ev := range s.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].value != 1 {
		t.Fatalf("unexpected drained events: %+v", got)
	}
}

func TestEndWithoutResult(t *testing.T) {
	s := newTestStream()
	s.End()
	if got := s.Result(); got != 0 {
		t.Fatalf("Result() = %d, want zero value", got)
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("Events should be closed after End on an empty stream")
	}
}

func TestDoneSelectable(t *testing.T) {
	s := newTestStream()
	select {
	case <-s.Done():
		t.Fatal("Done closed before any terminal event")
	default:
	}
	s.Push(testEvent{kind: "end"})
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after terminal event")
	}
}

func TestProducerNeverBlocks(t *testing.T) {
	s := newTestStream()
	// Nobody consumes; pushes must still return promptly.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Push(testEvent{kind: "tick", value: i})
		}
		s.Push(testEvent{kind: "end", value: -1})
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked without a consumer")
	}
	if got := s.Result(); got != -1 {
		t.Fatalf("Result() = %d, want -1", got)
	}
}
