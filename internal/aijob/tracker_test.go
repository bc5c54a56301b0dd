package aijob_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardrelay/internal/aijob"
)

// --- mocks ---

type mockBackend struct {
	mu        sync.Mutex
	statuses  map[aijob.JobID]aijob.Status
	submitErr error
	statusErr error
}

func newMockBackend() *mockBackend {
	return &mockBackend{statuses: make(map[aijob.JobID]aijob.Status)}
}

func (m *mockBackend) Submit(context.Context, aijob.Command) (aijob.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	id := aijob.JobID(uuid.NewString())
	m.statuses[id] = aijob.StatusPending
	return id, nil
}

func (m *mockBackend) Status(_ context.Context, id aijob.JobID) (aijob.Status, any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return "", nil, m.statusErr
	}
	s := m.statuses[id]
	if s.Terminal() {
		return s, "hello world", nil
	}
	return s, nil, nil
}

func (m *mockBackend) set(id aijob.JobID, s aijob.Status) {
	m.mu.Lock()
	m.statuses[id] = s
	m.mu.Unlock()
}

func (m *mockBackend) setStatusErr(err error) {
	m.mu.Lock()
	m.statusErr = err
	m.mu.Unlock()
}

func command() aijob.Command {
	return aijob.Command{
		AppID:      uuid.New(),
		MessageID:  uuid.New(),
		FunctionID: "fn",
		EndpointID: "ep",
		Data:       map[string]any{"model_id": "model_id", "data": "some_data"},
	}
}

// --- tests ---

func TestTracker_Submit(t *testing.T) {
	t.Parallel()

	t.Run("returns id immediately", func(t *testing.T) {
		t.Parallel()

		tr := aijob.NewTracker(newMockBackend(), time.Hour)
		id, err := tr.Submit(context.Background(), command(), func(aijob.Result) {})
		require.NoError(t, err)

		_, parseErr := uuid.Parse(string(id))
		require.NoError(t, parseErr)
		assert.Equal(t, []aijob.JobID{id}, tr.Pending())
	})

	t.Run("backend error", func(t *testing.T) {
		t.Parallel()

		backend := newMockBackend()
		backend.submitErr = errors.New("unreachable")
		tr := aijob.NewTracker(backend, time.Hour)

		_, err := tr.Submit(context.Background(), command(), func(aijob.Result) {})
		require.Error(t, err)
		assert.Empty(t, tr.Pending())
	})

	t.Run("nil callback", func(t *testing.T) {
		t.Parallel()

		tr := aijob.NewTracker(newMockBackend(), time.Hour)
		_, err := tr.Submit(context.Background(), command(), nil)
		assert.ErrorIs(t, err, aijob.ErrNilCallback)
	})
}

func TestTracker_PollInvokesCallbackOnce(t *testing.T) {
	t.Parallel()

	backend := newMockBackend()
	tr := aijob.NewTracker(backend, time.Hour)
	ctx := context.Background()

	cmd := command()
	var results []aijob.Result
	id, err := tr.Submit(ctx, cmd, func(r aijob.Result) { results = append(results, r) })
	require.NoError(t, err)

	tr.Poll(ctx)
	assert.Empty(t, results, "pending job does not complete")

	backend.set(id, aijob.StatusDone)
	tr.Poll(ctx)
	tr.Poll(ctx)

	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].JobID)
	assert.Equal(t, cmd.AppID, results[0].AppID)
	assert.Equal(t, cmd.MessageID, results[0].MsgID)
	assert.Equal(t, aijob.StatusDone, results[0].Status)
	assert.Equal(t, "hello world", results[0].Payload)
	assert.Empty(t, tr.Pending(), "bookkeeping removed")
}

func TestTracker_FailedJobCompletes(t *testing.T) {
	t.Parallel()

	backend := newMockBackend()
	tr := aijob.NewTracker(backend, time.Hour)
	ctx := context.Background()

	var got aijob.Status
	id, err := tr.Submit(ctx, command(), func(r aijob.Result) { got = r.Status })
	require.NoError(t, err)

	backend.set(id, aijob.StatusFailed)
	tr.Poll(ctx)

	assert.Equal(t, aijob.StatusFailed, got)
	assert.Empty(t, tr.Pending())
}

func TestTracker_StatusErrorRetried(t *testing.T) {
	t.Parallel()

	backend := newMockBackend()
	tr := aijob.NewTracker(backend, time.Hour)
	ctx := context.Background()

	calls := 0
	id, err := tr.Submit(ctx, command(), func(aijob.Result) { calls++ })
	require.NoError(t, err)

	backend.set(id, aijob.StatusDone)
	backend.setStatusErr(errors.New("timeout"))
	tr.Poll(ctx)
	assert.Equal(t, 0, calls)
	assert.Len(t, tr.Pending(), 1)

	backend.setStatusErr(nil)
	tr.Poll(ctx)
	assert.Equal(t, 1, calls)
}

func TestTracker_RunLoop(t *testing.T) {
	t.Parallel()

	backend := newMockBackend()
	tr := aijob.NewTracker(backend, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	fired := make(chan aijob.Result, 1)
	id, err := tr.Submit(ctx, command(), func(r aijob.Result) { fired <- r })
	require.NoError(t, err)
	backend.set(id, aijob.StatusDone)

	select {
	case r := <-fired:
		assert.Equal(t, id, r.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked by poll loop")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop after cancel")
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, aijob.StatusPending.Terminal())
	assert.False(t, aijob.StatusRunning.Terminal())
	assert.True(t, aijob.StatusDone.Terminal())
	assert.True(t, aijob.StatusFailed.Terminal())
}
