package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
)

// fakeChatServer mimics just enough of the OpenAI chat-completions
// response shape for the go-openai client to parse successfully.
func fakeChatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestFleet(t *testing.T, baseURL string, concurrencyCap int) *Fleet {
	t.Helper()
	cfg := Config{
		WorkerCount: 2,
		Providers: []ProviderSpec{
			{
				Name:           "primary",
				BaseURL:        baseURL,
				Credential:     "test-key",
				ConcurrencyCap: concurrencyCap,
				Models:         []string{"gpt-4o-mini"},
				SlotShare:      1.0,
			},
		},
	}
	f, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return f
}

func TestExecuteReturnsOutputOnSuccess(t *testing.T) {
	srv := fakeChatServer(t, http.StatusOK, "hello from the fleet")
	defer srv.Close()

	f := newTestFleet(t, srv.URL, 4)
	ctx := context.Background()

	slot, err := f.AcquireSlot(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, SlotReserved, slot.State())

	out, err := f.Execute(ctx, slot, Request{Model: "gpt-4o-mini", UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from the fleet", out.Text)
	assert.Equal(t, SlotIdle, slot.State())
}

func TestExecuteExhaustsRetriesOnServerError(t *testing.T) {
	srv := fakeChatServer(t, http.StatusInternalServerError, "")
	defer srv.Close()

	f := newTestFleet(t, srv.URL, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slot, err := f.AcquireSlot(ctx, "primary")
	require.NoError(t, err)

	_, err = f.Execute(ctx, slot, Request{Model: "gpt-4o-mini", UserPrompt: "hi"})
	assert.Error(t, err)
	assert.Equal(t, SlotCooling, slot.State())
}

func TestAcquireSlotReturnsCancelledWhenNonePavailable(t *testing.T) {
	srv := fakeChatServer(t, http.StatusOK, "ok")
	defer srv.Close()

	cfg := Config{
		WorkerCount: 1,
		Providers: []ProviderSpec{
			{Name: "primary", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 1, Models: []string{"m"}, SlotShare: 1.0},
		},
	}
	f, err := New(cfg, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	slot, err := f.AcquireSlot(ctx, "primary")
	require.NoError(t, err)
	_ = slot

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.AcquireSlot(shortCtx, "primary")
	assert.ErrorIs(t, err, ferrors.ErrCancelled)
}

func TestResponseCacheServesRepeatCallWithoutHittingServer(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := map[string]any{
			"id": "x", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": "cached"}, "finish_reason": "stop"}},
			"usage":   map[string]int{"total_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := Config{
		WorkerCount: 1,
		Providers: []ProviderSpec{
			{Name: "primary", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 2, Models: []string{"m"}, SlotShare: 1.0},
		},
		CacheEnabled: true,
		CacheTTL:     time.Minute,
	}
	f, err := New(cfg, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	req := Request{Model: "m", UserPrompt: "deterministic prompt"}

	slot1, err := f.AcquireSlot(ctx, "primary")
	require.NoError(t, err)
	_, err = f.Execute(ctx, slot1, req)
	require.NoError(t, err)

	slot2, err := f.AcquireSlot(ctx, "primary")
	require.NoError(t, err)
	out2, err := f.Execute(ctx, slot2, req)
	require.NoError(t, err)

	assert.Equal(t, "cached", out2.Text)
	assert.Equal(t, 1, calls)
}
