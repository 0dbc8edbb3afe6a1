package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/orchestrator/internal/fleet"
)

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func newTestFleetWithProviders(t *testing.T, specs []fleet.ProviderSpec, workerCount int) *fleet.Fleet {
	t.Helper()
	f, err := fleet.New(fleet.Config{WorkerCount: workerCount, Providers: specs}, nil, nil)
	require.NoError(t, err)
	return f
}

func TestSelectStrategyClassifiesByComplexityAndKind(t *testing.T) {
	assert.Equal(t, Aggregate, SelectStrategy(0.9, true))
	assert.Equal(t, Deep, SelectStrategy(0.71, false))
	assert.Equal(t, Fast, SelectStrategy(0.1, false))
	assert.Equal(t, Standard, SelectStrategy(0.5, false))
}

func TestSelectPicksFirstQualifyingCandidateInDeclaredOrder(t *testing.T) {
	srv := okServer(t)
	defer srv.Close()

	f := newTestFleetWithProviders(t, []fleet.ProviderSpec{
		{Name: "alpha", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 4, Models: []string{"m1"}, SlotShare: 0.5},
		{Name: "beta", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 4, Models: []string{"m2"}, SlotShare: 0.5},
	}, 4)

	table := ModelTable{
		Standard: {
			{Provider: "alpha", Model: "m1"},
			{Provider: "beta", Model: "m2"},
		},
	}

	r := New(f, table, nil, nil)
	decision, err := r.Select(Standard)
	require.NoError(t, err)
	assert.Equal(t, "alpha", decision.Provider)
	assert.Equal(t, "m1", decision.Model)
	assert.False(t, decision.Degraded)
}

func TestSelectSkipsOverloadedCandidateAndFallsThroughToNext(t *testing.T) {
	srv := okServer(t)
	defer srv.Close()

	f := newTestFleetWithProviders(t, []fleet.ProviderSpec{
		{Name: "alpha", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 4, Models: []string{"m1"}, SlotShare: 0.5},
		{Name: "beta", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 4, Models: []string{"m2"}, SlotShare: 0.5},
	}, 2)

	// Reserve alpha's only slot so it drops out of "bestSlot" (Idle)
	// candidacy and beta must be picked instead.
	_, err := f.AcquireSlot(context.Background(), "alpha")
	require.NoError(t, err)

	table := ModelTable{
		Standard: {
			{Provider: "alpha", Model: "m1"},
			{Provider: "beta", Model: "m2"},
		},
	}

	r := New(f, table, nil, nil)
	decision, err := r.Select(Standard)
	require.NoError(t, err)
	assert.Equal(t, "beta", decision.Provider)
}

func TestSelectFailsWhenNoCandidateHasAnIdleSlot(t *testing.T) {
	srv := okServer(t)
	defer srv.Close()

	f := newTestFleetWithProviders(t, []fleet.ProviderSpec{
		{Name: "alpha", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 1, Models: []string{"m1"}, SlotShare: 1.0},
	}, 1)

	// Reserving the only slot leaves no Idle candidate for "alpha",
	// so the single configured candidate is skipped and Select
	// reports that no candidate is available.
	slot, err := f.AcquireSlot(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, fleet.SlotReserved, slot.State())

	table := ModelTable{
		Standard: {{Provider: "alpha", Model: "m1"}},
	}

	r := New(f, table, nil, nil)
	_, err = r.Select(Standard)
	assert.Error(t, err)
}

func TestSelectReturnsErrorWhenStrategyHasNoCandidates(t *testing.T) {
	srv := okServer(t)
	defer srv.Close()

	f := newTestFleetWithProviders(t, []fleet.ProviderSpec{
		{Name: "alpha", BaseURL: srv.URL, Credential: "k", ConcurrencyCap: 1, Models: []string{"m1"}, SlotShare: 1.0},
	}, 1)

	r := New(f, ModelTable{}, nil, nil)
	_, err := r.Select(Fast)
	assert.Error(t, err)
}

func TestStrategyTimeouts(t *testing.T) {
	assert.Equal(t, 10*time.Second, Fast.Timeout())
	assert.Equal(t, 60*time.Second, Standard.Timeout())
	assert.Equal(t, 180*time.Second, Deep.Timeout())
	assert.Equal(t, 60*time.Second, Aggregate.Timeout())
}

func TestContextWindowsFitsContext(t *testing.T) {
	w := ContextWindows{"small-model": 100}
	short := "hi"
	assert.True(t, w.FitsContext("small-model", short, 10))

	long := make([]byte, 1000)
	assert.False(t, w.FitsContext("small-model", string(long), 10))

	assert.True(t, w.FitsContext("unknown-model", short, 10))
}
