package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "creditledger", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

func TestDisabledProviderIsSafe(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every recording path must be a no-op, not a panic.
	p.RecordAppend(ctx, "CREDIT_ALLOCATED")
	p.RecordDuplicate(ctx, "CREDIT_ALLOCATED")
	p.RecordSkippedFolds(ctx, "balances", 3)
	p.RecordError(ctx, errors.New("boom"))

	opCtx, done := p.TrackOperation(ctx, "journal.append")
	require.NotNil(t, opCtx)
	done(nil)
	done2Ctx, done2 := p.TrackOperation(ctx, "journal.append")
	require.NotNil(t, done2Ctx)
	done2(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestSetupLoggerLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "bogus"} {
		logger := SetupLogger(level)
		require.NotNil(t, logger)
	}
}
