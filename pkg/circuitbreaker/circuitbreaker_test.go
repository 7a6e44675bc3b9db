package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Second,
		HalfOpenMaxRequests: 1,
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker let call through: err=%v called=%v", err, called)
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	var transitions []string
	cb.config.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	now = now.Add(time.Second)

	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.GetState())
	}

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	now = now.Add(time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}
}

func TestBreakerIgnoresCanceled(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newTestBreaker(&now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.GetState())
	}
}
