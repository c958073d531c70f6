package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ddr-archive/corpus-cli/internal/config"
	"github.com/ddr-archive/corpus-cli/internal/resilience"
)

func TestClientOptions(t *testing.T) {
	opts := clientOptions(config.SourceConfig{
		TimeoutSecs:             15,
		RatePerSec:              2.5,
		Burst:                   4,
		CircuitFailureThreshold: 8,
		CircuitResetSecs:        90,
	})
	assert.Equal(t, 15*time.Second, opts.Timeout)
	assert.Equal(t, 2.5, opts.RatePerSec)
	assert.Equal(t, 4, opts.Burst)
	assert.Equal(t, 8, opts.Circuit.FailureThreshold)
	assert.Equal(t, 90*time.Second, opts.Circuit.ResetTimeout)
}

func TestClientOptions_CircuitDefaults(t *testing.T) {
	opts := clientOptions(config.SourceConfig{TimeoutSecs: 30})
	assert.Equal(t, resilience.DefaultCircuitBreakerConfig(), opts.Circuit)
}
