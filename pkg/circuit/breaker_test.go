package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	powErrors "github.com/bardlex/powgate/pkg/errors"
)

var errBackend = errors.New("backend down")

// fakeClock lets tests move time without sleeping
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(config *Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := New("test", config)
	cb.now = clock.Now
	cb.lastResetTime = clock.Now()
	return cb, clock
}

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxFailures != 5 {
		t.Errorf("Expected MaxFailures = 5, got %d", config.MaxFailures)
	}
	if config.SuccessRequired != 3 {
		t.Errorf("Expected SuccessRequired = 3, got %d", config.SuccessRequired)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected Timeout = 30s, got %v", config.Timeout)
	}
	if config.ResetTimeout != 60*time.Second {
		t.Errorf("Expected ResetTimeout = 60s, got %v", config.ResetTimeout)
	}
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New("redis", nil)

	if breaker.config == nil {
		t.Error("Expected default config when nil is passed")
	}
	if breaker.Name() != "redis" {
		t.Errorf("Expected name 'redis', got %q", breaker.Name())
	}
	if breaker.GetState() != StateClosed {
		t.Error("Expected initial state to be Closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(&Config{MaxFailures: 3, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Hour})
	ctx := context.Background()

	for i := range 3 {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBackend) {
			t.Fatalf("Call %d: expected backend error, got %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got %s", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("Expected fn not to run while open")
	}
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
	if !powErrors.IsType(err, powErrors.ErrorTypeInternal) {
		t.Error("Expected internal ServiceError")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 2, Timeout: 10 * time.Second, ResetTimeout: time.Hour})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got %s", cb.GetState())
	}

	clock.Advance(11 * time.Second)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("Expected trial call to pass, got %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("Expected state HalfOpen, got %s", cb.GetState())
	}

	_ = cb.Execute(ctx, succeed)
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after recovery, got %s", cb.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 2, Timeout: 10 * time.Second, ResetTimeout: time.Hour})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(11 * time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateOpen {
		t.Errorf("Expected state Open after half-open failure, got %s", cb.GetState())
	}
}

func TestBreaker_ResetTimeoutClearsFailures(t *testing.T) {
	cb, clock := newTestBreaker(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: 5 * time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(6 * time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got %s", cb.GetState())
	}
	if stats := cb.GetStats(); stats.Failures != 1 {
		t.Errorf("Expected 1 failure after window reset, got %d", stats.Failures)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	type transition struct{ from, to State }
	var got []transition

	config := &Config{
		MaxFailures:     1,
		SuccessRequired: 1,
		Timeout:         time.Second,
		ResetTimeout:    time.Hour,
		OnStateChange: func(name string, from, to State) {
			if name != "test" {
				t.Errorf("Expected name 'test', got %q", name)
			}
			got = append(got, transition{from, to})
		},
	}
	cb, clock := newTestBreaker(config)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)
	_ = cb.Execute(ctx, succeed)

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d transitions, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Hour})
	ctx := context.Background()

	n, err := ExecuteWithResult(ctx, cb, func(context.Context) (int, error) { return 42, nil })
	if err != nil || n != 42 {
		t.Fatalf("Expected 42, nil; got %d, %v", n, err)
	}

	_, _ = ExecuteWithResult(ctx, cb, func(context.Context) (int, error) { return 0, errBackend })

	n, err = ExecuteWithResult(ctx, cb, func(context.Context) (int, error) { return 42, nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got %v", err)
	}
	if n != 0 {
		t.Errorf("Expected zero value, got %d", n)
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Hour})

	_ = cb.Execute(context.Background(), fail)
	cb.Reset()

	stats := cb.GetStats()
	if stats.State != StateClosed {
		t.Errorf("Expected state Closed after reset, got %s", stats.State)
	}
	if stats.Failures != 0 {
		t.Errorf("Expected 0 failures after reset, got %d", stats.Failures)
	}
}

func TestBreaker_Concurrent(t *testing.T) {
	cb := New("concurrent", &Config{MaxFailures: 1000, SuccessRequired: 1, Timeout: time.Minute, ResetTimeout: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = cb.Execute(ctx, fail)
			} else {
				_ = cb.Execute(ctx, succeed)
			}
		}()
	}
	wg.Wait()

	if stats := cb.GetStats(); stats.Failures != 25 {
		t.Errorf("Expected 25 failures, got %d", stats.Failures)
	}
}
