package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetlabs/orchestrator/internal/ferrors"
)

func TestValidateRejectsZeroWorkerCount(t *testing.T) {
	cfg := &Config{App: AppConfig{WorkerCount: 0, LogLevel: "info"}}
	err := validate(cfg)
	assert.True(t, errors.Is(err, ferrors.ErrFatal))
}

func TestValidateRejectsTooManyWorkers(t *testing.T) {
	cfg := &Config{App: AppConfig{WorkerCount: 1000, LogLevel: "info"}}
	err := validate(cfg)
	assert.True(t, errors.Is(err, ferrors.ErrFatal))
}

func TestValidateRejectsNoProviders(t *testing.T) {
	cfg := &Config{App: AppConfig{WorkerCount: 128, LogLevel: "info"}}
	err := validate(cfg)
	assert.True(t, errors.Is(err, ferrors.ErrFatal))
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		App: AppConfig{WorkerCount: 128, LogLevel: "info"},
		Providers: []ProviderConfig{
			{Name: "a", BaseURL: "https://a.example.com", ConcurrencyCap: 10, Models: []string{"m1"}, SlotShare: 0.5},
			{Name: "b", BaseURL: "https://b.example.com", ConcurrencyCap: 10, Models: []string{"m2"}, SlotShare: 0.5},
		},
	}
	assert.NoError(t, validate(cfg))
}
