package breaker

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("x", 3, 100*time.Millisecond)
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", b.CurrentState())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := New("x", 3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if b.CurrentState() != StateOpen {
		t.Errorf("expected Open after 3 failures, got %v", b.CurrentState())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New("x", 2, time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		b.Execute(func() error { return errFail })
	}
	if b.CurrentState() != StateOpen {
		t.Fatal("expected Open")
	}

	now = now.Add(2 * time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", b.CurrentState())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New("x", 1, time.Second)
	b.now = func() time.Time { return now }

	b.Execute(func() error { return errFail })
	now = now.Add(2 * time.Second)
	b.Execute(func() error { return errFail })

	if b.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", b.CurrentState())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := New("x", 3, time.Second)
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errFail })
	b.Execute(func() error { return errFail })

	if b.CurrentState() != StateClosed {
		t.Errorf("non-consecutive failures should not open, got %v", b.CurrentState())
	}
}

func TestBreaker_IsFailureFiltersBusinessErrors(t *testing.T) {
	notFound := errors.New("not found")
	b := New("x", 1, time.Second)
	b.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }

	for i := 0; i < 5; i++ {
		b.Execute(func() error { return notFound })
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", b.CurrentState())
	}
}

func TestBreaker_OnStateChangeAndDo(t *testing.T) {
	var transitions []string
	b := New("venue", 1, time.Hour)
	b.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}

	v, err := Do(b, func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("expected 7, got %d %v", v, err)
	}
	if _, err := Do(b, func() (int, error) { return 0, errFail }); err != errFail {
		t.Fatalf("expected errFail, got %v", err)
	}
	if _, err := Do(b, func() (int, error) { return 1, nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if len(transitions) != 1 || transitions[0] != "venue:closed->open" {
		t.Errorf("unexpected transitions %v", transitions)
	}
}
