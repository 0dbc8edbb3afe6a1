package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/orchestrator/internal/fleet"
	"github.com/fleetlabs/orchestrator/internal/ledger"
	"github.com/fleetlabs/orchestrator/internal/memory"
	"github.com/fleetlabs/orchestrator/internal/router"
)

func fakeCompletionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id": "x", "object": "chat.completion", "created": 1, "model": "m",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
			"usage":   map[string]int{"total_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestOrchestrator(t *testing.T, srvURL string) (*Orchestrator, string) {
	t.Helper()

	f, err := fleet.New(fleet.Config{
		WorkerCount: 4,
		Providers: []fleet.ProviderSpec{
			{Name: "primary", BaseURL: srvURL, Credential: "k", ConcurrencyCap: 4, Models: []string{"m"}, SlotShare: 1.0},
		},
	}, nil, nil)
	require.NoError(t, err)

	table := router.ModelTable{
		router.Fast:      {{Provider: "primary", Model: "m"}},
		router.Standard:  {{Provider: "primary", Model: "m"}},
		router.Deep:      {{Provider: "primary", Model: "m"}},
		router.Aggregate: {{Provider: "primary", Model: "m"}},
	}
	r := router.New(f, table, nil, nil)

	dataDir := t.TempDir()
	store, err := ledger.NewDiskStore(dataDir)
	require.NoError(t, err)
	l := ledger.New(store, "genesis", nil, nil)

	mem := memory.New(t.TempDir(), nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, mem.InitializeProject(ctx, "proj", nil))

	o := New(f, r, l, mem, nil, nil, Config{})
	return o, "proj"
}

func TestSubmitRejectsEmptyDescription(t *testing.T) {
	srv := fakeCompletionServer(t, "ok")
	defer srv.Close()
	o, project := newTestOrchestrator(t, srv.URL)

	_, err := o.Submit(context.Background(), project, "   ", nil, time.Time{})
	assert.Error(t, err)
}

func TestSubmitRejectsUnknownProject(t *testing.T) {
	srv := fakeCompletionServer(t, "ok")
	defer srv.Close()
	o, _ := newTestOrchestrator(t, srv.URL)

	_, err := o.Submit(context.Background(), "no-such-project", "do something", nil, time.Time{})
	assert.Error(t, err)
}

func TestSubmitAndAwaitSimpleTaskCompletes(t *testing.T) {
	srv := fakeCompletionServer(t, "the answer")
	defer srv.Close()
	o, project := newTestOrchestrator(t, srv.URL)

	handle, err := o.Submit(context.Background(), project, "fix the typo", nil, time.Time{})
	require.NoError(t, err)

	result, err := o.Await(context.Background(), handle, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Output)
	assert.False(t, result.Failed)
}

func TestSubmitAndAwaitShallowPlanAggregates(t *testing.T) {
	srv := fakeCompletionServer(t, "child output")
	defer srv.Close()
	o, project := newTestOrchestrator(t, srv.URL)

	description := "1. research the topic\n2. write the draft\n3. revise the draft\n4. publish the result"
	handle, err := o.Submit(context.Background(), project, description, nil, time.Time{})
	require.NoError(t, err)

	result, err := o.Await(context.Background(), handle, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, result.Failed)
	assert.Greater(t, result.Subtasks, 1)
}

func TestAwaitReturnsNotFoundForUnknownHandle(t *testing.T) {
	srv := fakeCompletionServer(t, "ok")
	defer srv.Close()
	o, _ := newTestOrchestrator(t, srv.URL)

	_, err := o.Await(context.Background(), &Handle{TaskID: "nope"}, time.Now().Add(time.Second))
	assert.Error(t, err)
}

func TestCancelSignalsTerminationWithoutHanging(t *testing.T) {
	srv := fakeCompletionServer(t, "ok")
	defer srv.Close()
	o, project := newTestOrchestrator(t, srv.URL)

	handle, err := o.Submit(context.Background(), project, "some long running task", nil, time.Time{})
	require.NoError(t, err)
	require.NoError(t, o.Cancel(handle))

	// Cancellation aborts in-flight subtasks through the run context,
	// but a task that already finished keeps its result, so either a
	// Cancelled error or a completed Result is an acceptable outcome
	// here; the only requirement is that Await returns promptly
	// instead of hanging.
	_, _ = o.Await(context.Background(), handle, time.Now().Add(5*time.Second))
}
