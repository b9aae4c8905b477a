package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/config"
)

// Needs a live server; set CAMPUS_CHAT_TEST_REDIS=localhost:6379 to run.
func newTestClient(t *testing.T) *redisTokenBlacklist {
	t.Helper()
	addr := os.Getenv("CAMPUS_CHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("CAMPUS_CHAT_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := NewClient(ctx, config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return &redisTokenBlacklist{client: client}
}

func TestBlacklistRoundTrip(t *testing.T) {
	bl := newTestClient(t)
	ctx := context.Background()
	jti := uuid.NewString()

	revoked, err := bl.IsBlacklisted(ctx, jti)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, bl.Add(ctx, jti, time.Now().Add(time.Minute)))
	revoked, err = bl.IsBlacklisted(ctx, jti)
	require.NoError(t, err)
	assert.True(t, revoked)

	ttl, err := bl.client.TTL(ctx, blacklistKeyPrefix+jti).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestBlacklistSkipsExpiredTokens(t *testing.T) {
	bl := newTestClient(t)
	ctx := context.Background()
	jti := uuid.NewString()

	require.NoError(t, bl.Add(ctx, jti, time.Now().Add(-time.Minute)))
	revoked, err := bl.IsBlacklisted(ctx, jti)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestNewClientFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := NewClient(ctx, config.RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
