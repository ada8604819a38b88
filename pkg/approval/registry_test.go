package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnevil9/karnevil9/pkg/models"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	needed   []string
	resolved []string
}

func (b *recordingBroadcaster) BroadcastApprovalNeeded(req models.ApprovalRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.needed = append(b.needed, req.RequestID)
}

func (b *recordingBroadcaster) BroadcastApprovalResolved(requestID string, _ models.Decision) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved = append(b.resolved, requestID)
}

func testRequest(id string) models.ApprovalRequest {
	return models.ApprovalRequest{
		RequestID: id,
		SessionID: "s1",
		Summary:   "run shell_run",
		Payload:   map[string]any{"tool": "shell_run"},
	}
}

func TestResolveDeliversDecision(t *testing.T) {
	bc := &recordingBroadcaster{}
	r := NewRegistry(time.Minute, bc)

	got := make(chan models.ApprovalResolution, 1)
	r.Register(testRequest("req-1"), func(res models.ApprovalResolution) { got <- res })

	require.NoError(t, r.Resolve("req-1", models.ApprovalResolution{Decision: models.DecisionAllowOnce}))

	res := <-got
	assert.Equal(t, models.DecisionAllowOnce, res.Decision)
	assert.Contains(t, bc.needed, "req-1")
	assert.Contains(t, bc.resolved, "req-1")
}

func TestResolveUnknownIDNotFound(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	err := r.Resolve("missing", models.ApprovalResolution{Decision: models.DecisionAllowOnce})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDoubleResolveSecondNotFound(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	calls := 0
	r.Register(testRequest("req-1"), func(models.ApprovalResolution) { calls++ })

	require.NoError(t, r.Resolve("req-1", models.ApprovalResolution{Decision: models.DecisionAllowOnce}))
	err := r.Resolve("req-1", models.ApprovalResolution{Decision: models.DecisionDeny})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestAutoDenyOnTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil)

	got := make(chan models.ApprovalResolution, 1)
	r.Register(testRequest("req-1"), func(res models.ApprovalResolution) { got <- res })

	select {
	case res := <-got:
		assert.Equal(t, models.DecisionDeny, res.Decision)
	case <-time.After(time.Second):
		t.Fatal("auto-deny timer never fired")
	}

	// The entry is gone after the timer resolves it.
	assert.ErrorIs(t, r.Resolve("req-1", models.ApprovalResolution{Decision: models.DecisionAllowOnce}), ErrNotFound)
}

func TestExpiredEntryDeniedNotHonored(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	got := make(chan models.ApprovalResolution, 1)
	r.Register(testRequest("req-1"), func(res models.ApprovalResolution) { got <- res })

	// Backdate past twice the timeout.
	r.mu.Lock()
	r.pending["req-1"].CreatedAt = time.Now().Add(-3 * time.Minute)
	r.mu.Unlock()

	err := r.Resolve("req-1", models.ApprovalResolution{Decision: models.DecisionAllowOnce})
	assert.ErrorIs(t, err, ErrExpired)

	res := <-got
	assert.Equal(t, models.DecisionDeny, res.Decision)
}

func TestControlCharIDDeniedSynchronously(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	var res models.ApprovalResolution
	r.Register(testRequest("bad\x00id"), func(got models.ApprovalResolution) { res = got })

	assert.Equal(t, models.DecisionDeny, res.Decision)
	assert.Empty(t, r.Pending())
}

func TestPendingListsRegistered(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	r.Register(testRequest("a"), func(models.ApprovalResolution) {})
	r.Register(testRequest("b"), func(models.ApprovalResolution) {})

	pending := r.Pending()
	assert.Len(t, pending, 2)
}

func TestDenyAllDrainsPending(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	got := make(chan models.ApprovalResolution, 2)
	r.Register(testRequest("a"), func(res models.ApprovalResolution) { got <- res })
	r.Register(testRequest("b"), func(res models.ApprovalResolution) { got <- res })

	r.DenyAll()

	assert.Equal(t, models.DecisionDeny, (<-got).Decision)
	assert.Equal(t, models.DecisionDeny, (<-got).Decision)
	assert.Empty(t, r.Pending())
}

func TestGateAuthorizeResolved(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	g := NewGate(r)

	done := make(chan models.ApprovalResolution, 1)
	go func() {
		res, err := g.Authorize(context.Background(), testRequest("req-1"))
		require.NoError(t, err)
		done <- res
	}()

	// Wait for the gate to register.
	require.Eventually(t, func() bool { return len(r.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Resolve("req-1", models.ApprovalResolution{
		Decision:    models.DecisionAllowConstrained,
		Constraints: map[string]any{"timeout_ms": float64(1000)},
	}))

	res := <-done
	assert.Equal(t, models.DecisionAllowConstrained, res.Decision)
	assert.Equal(t, float64(1000), res.Constraints["timeout_ms"])
}

func TestGateAuthorizeContextCancelled(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	g := NewGate(r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := g.Authorize(ctx, testRequest("req-1"))
	assert.Error(t, err)
	assert.Equal(t, models.DecisionDeny, res.Decision)
}

func TestGateGeneratesRequestID(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	g := NewGate(r)

	go func() {
		req := testRequest("")
		_, _ = g.Authorize(context.Background(), req)
	}()

	require.Eventually(t, func() bool { return len(r.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	pending := r.Pending()
	assert.NotEmpty(t, pending[0].RequestID)
	require.NoError(t, r.Resolve(pending[0].RequestID, models.ApprovalResolution{Decision: models.DecisionDeny}))
}
