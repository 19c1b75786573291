package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/pkg/schema"
)

type togglingHandler struct {
	fail bool
}

func (h *togglingHandler) Name() string                         { return "toggling" }
func (h *togglingHandler) Schema() HandlerSchema                { return HandlerSchema{} }
func (h *togglingHandler) Validate(params map[string]any) error { return nil }
func (h *togglingHandler) Process(_ context.Context, _ Invocation) (json.RawMessage, error) {
	if h.fail {
		return nil, schema.NewError(schema.ErrCodeExecution, "downstream down")
	}
	return json.RawMessage(`{}`), nil
}

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	inner := &togglingHandler{}
	cb := WithCircuitBreaker(inner, testBreakerConfig())

	out, err := cb.Process(context.Background(), Invocation{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "toggling", cb.Name())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	inner := &togglingHandler{fail: true}
	cb := WithCircuitBreaker(inner, testBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Process(ctx, Invocation{})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	// Requests are now shed with a retryable circuit-open error.
	_, err := cb.Process(ctx, Invocation{})
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, engErr.Code)
	assert.True(t, engErr.IsRetryable())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	inner := &togglingHandler{fail: true}
	cb := WithCircuitBreaker(inner, testBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = cb.Process(ctx, Invocation{})
	}
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	inner.fail = false

	// First request after cooldown is the half-open probe; success closes.
	_, err := cb.Process(ctx, Invocation{})
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	inner := &togglingHandler{fail: true}
	cb := WithCircuitBreaker(inner, testBreakerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = cb.Process(ctx, Invocation{})
	}
	time.Sleep(60 * time.Millisecond)

	_, err := cb.Process(ctx, Invocation{})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	inner := &togglingHandler{fail: true}
	cb := WithCircuitBreaker(inner, testBreakerConfig())
	ctx := context.Background()

	_, _ = cb.Process(ctx, Invocation{})
	_, _ = cb.Process(ctx, Invocation{})

	inner.fail = false
	_, err := cb.Process(ctx, Invocation{})
	require.NoError(t, err)

	inner.fail = true
	_, _ = cb.Process(ctx, Invocation{})
	_, _ = cb.Process(ctx, Invocation{})
	assert.Equal(t, CircuitClosed, cb.State(), "two failures after a reset stay under threshold")
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb := WithCircuitBreaker(&togglingHandler{fail: true}, testBreakerConfig())
	_, _ = cb.Process(context.Background(), Invocation{})

	stats := cb.Stats()
	assert.Equal(t, "toggling", stats["handler"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["consecutive_failures"])
}
