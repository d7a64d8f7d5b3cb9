package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// scriptedCall returns the configured results in order: each entry is
// either a string (success) or an error.
type scriptedCall struct {
	mu        sync.Mutex
	results   []any
	callCount int
}

func (c *scriptedCall) call(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.callCount >= len(c.results) {
		return "", fmt.Errorf("unexpected call %d (only %d results configured)", c.callCount+1, len(c.results))
	}
	r := c.results[c.callCount]
	c.callCount++

	switch v := r.(type) {
	case string:
		return v, nil
	case error:
		return "", v
	default:
		return "", fmt.Errorf("invalid result type: %T", v)
	}
}

func (c *scriptedCall) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callCount
}

func failing(n int) *scriptedCall {
	c := &scriptedCall{results: make([]any, n)}
	for i := range c.results {
		c.results[i] = fmt.Errorf("persistent error %d", i+1)
	}
	return c
}

func quietRegistry() *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
		MaxRetries:          2,
	}
}

// TestCallWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestCallWithRetry_TransientThenSuccess(t *testing.T) {
	call := &scriptedCall{results: []any{
		errors.New("transient error 1"),
		errors.New("transient error 2"),
		"sess-1",
	}}

	retries := 0
	cfg := fastRetry()
	cfg.MaxRetries = 5
	got, err := callWithRetry(context.Background(), quietRegistry().Get("test"), cfg, func(error) { retries++ }, call.call)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if got != "sess-1" {
		t.Errorf("expected 'sess-1', got %q", got)
	}
	if call.CallCount() != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", call.CallCount())
	}
	if retries != 2 {
		t.Errorf("expected 2 retry notifications, got %d", retries)
	}
}

// TestCallWithRetry_MaxRetries verifies the retry count is bounded.
func TestCallWithRetry_MaxRetries(t *testing.T) {
	call := failing(10)

	_, err := callWithRetry(context.Background(), quietRegistry().Get("test"), fastRetry(), nil, call.call)
	if err == nil {
		t.Fatal("expected error")
	}
	if call.CallCount() != 3 {
		t.Errorf("expected 1 call + 2 retries, got %d calls", call.CallCount())
	}
}

// TestCallWithRetry_CircuitOpens verifies the breaker opens after consecutive failures
// and stops further calls.
func TestCallWithRetry_CircuitOpens(t *testing.T) {
	call := failing(20)
	cb := quietRegistry().Get("test")
	cfg := fastRetry()
	cfg.MaxRetries = 0

	var err error
	for i := 0; i < 3; i++ {
		_, err = callWithRetry(context.Background(), cb, cfg, nil, call.call)
		if err == nil {
			t.Fatalf("call %d: expected error, got success", i+1)
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
	}

	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected circuit to open, last error: %v", err)
	}
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("expected open state, got %v", cb.State())
	}
	if call.CallCount() != 5 {
		t.Errorf("expected 5 calls before the circuit opened, got %d", call.CallCount())
	}
}

// TestCallWithRetry_ContextCancelled verifies context cancellation stops retries.
func TestCallWithRetry_ContextCancelled(t *testing.T) {
	call := failing(100)
	cfg := RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := callWithRetry(ctx, quietRegistry().Get("test"), cfg, nil, call.call)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("callWithRetry took %v, expected the context to stop retries", elapsed)
	}
}

// TestCircuitBreakerRegistry_PerDependency verifies breakers are keyed by name.
func TestCircuitBreakerRegistry_PerDependency(t *testing.T) {
	registry := quietRegistry()

	a1 := registry.Get(breakerAgent)
	a2 := registry.Get(breakerAgent)
	p := registry.Get(breakerProvisioner)

	if a1 != a2 {
		t.Error("expected the same breaker for repeated Get")
	}
	if a1 == p {
		t.Error("expected different breakers per dependency")
	}
	if p.Name() != breakerProvisioner {
		t.Errorf("expected name %q, got %q", breakerProvisioner, p.Name())
	}
}

// TestCircuitBreaker_CancellationNotCounted verifies caller cancellation doesn't trip the breaker.
func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := quietRegistry().Get("test")
	cfg := fastRetry()

	op := func(ctx context.Context) (string, error) { return "", context.Canceled }
	for i := 0; i < 6; i++ {
		if _, err := callWithRetry(context.Background(), cb, cfg, nil, op); err == nil {
			t.Fatalf("call %d: expected error", i+1)
		}
	}

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed, got %v", cb.State())
	}
}

// TestCallWithRetry_PermanentNotRetried verifies permanent errors end the call
// at once and leave the breaker's failure count alone.
func TestCallWithRetry_PermanentNotRetried(t *testing.T) {
	cb := quietRegistry().Get("test")
	misconfigured := errors.New("unknown profile")
	call := &scriptedCall{results: []any{Permanent(misconfigured)}}

	retries := 0
	_, err := callWithRetry(context.Background(), cb, fastRetry(), func(error) { retries++ }, call.call)
	if !errors.Is(err, misconfigured) {
		t.Fatalf("expected the permanent cause, got %v", err)
	}
	if !isPermanent(err) {
		t.Errorf("expected the error to stay marked permanent, got %T", err)
	}
	if call.CallCount() != 1 || retries != 0 {
		t.Errorf("expected a single call without retries, got %d calls, %d retries", call.CallCount(), retries)
	}
	if failures := cb.Counts().ConsecutiveFailures; failures != 0 {
		t.Errorf("expected no breaker failures, got %d", failures)
	}
}
