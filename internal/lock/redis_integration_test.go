//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meridian/internal/config"
	"meridian/internal/lock"
	"meridian/internal/testkit"
	apperrors "meridian/pkg/errors"
)

func TestRedisLockerAgainstServer(t *testing.T) {
	infra := testkit.SetupInfra(t, testkit.InfraOptions{Redis: true})
	ctx := context.Background()

	cfg := config.CoordinationConfig{
		Type:           "redis",
		KeyPrefix:      "it",
		LeaseTTL:       600 * time.Millisecond,
		AcquireTimeout: 200 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
	}
	first := lock.New(cfg, infra.RedisClient)
	second := lock.New(cfg, infra.RedisClient)

	g, err := first.Lock(ctx, "route/r1/c1")
	require.NoError(t, err)

	// Held past several TTLs: renewal keeps the second instance out.
	time.Sleep(3 * cfg.LeaseTTL)
	_, err = second.Lock(ctx, "route/r1/c1")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	select {
	case <-g.Lost():
		t.Fatal("lease reported lost while renewals succeed")
	default:
	}

	require.NoError(t, g.Release(ctx))
	exists, err := infra.RedisClient.Exists(ctx, "it:route/r1/c1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	g2, err := second.Lock(ctx, "route/r1/c1")
	require.NoError(t, err)
	require.NoError(t, g2.Release(ctx))
}
