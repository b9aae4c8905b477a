package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus-chat/internal/config"
)

type memoryBlacklist struct {
	mu   sync.Mutex
	jtis map[string]time.Time
	err  error
}

func (b *memoryBlacklist) Add(_ context.Context, jti string, exp time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.jtis == nil {
		b.jtis = map[string]time.Time{}
	}
	b.jtis[jti] = exp
	return nil
}

func (b *memoryBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return false, b.err
	}
	_, ok := b.jtis[jti]
	return ok, nil
}

var authCfg = config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour}

func TestGenerateAndValidate(t *testing.T) {
	token, err := GenerateToken("65f1c0ffee", "ada", authCfg)
	require.NoError(t, err)

	claims, err := ValidateToken(context.Background(), token, authCfg.JWTSecretKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "65f1c0ffee", claims.UserID)
	assert.Equal(t, "ada", claims.Username)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	token, err := GenerateToken("alice", "", authCfg)
	require.NoError(t, err)

	_, err = ValidateToken(context.Background(), token, "other-secret", nil)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ValidateToken(context.Background(), "not-a-jwt", authCfg.JWTSecretKey, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := authCfg
	expired.JWTExpiry = -time.Minute
	token, err = GenerateToken("alice", "", expired)
	require.NoError(t, err)
	_, err = ValidateToken(context.Background(), token, authCfg.JWTSecretKey, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = GenerateToken("", "", authCfg)
	assert.Error(t, err)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	blacklist := &memoryBlacklist{}
	authn := NewAuthenticator(authCfg, blacklist)
	token, err := GenerateToken("alice", "", authCfg)
	require.NoError(t, err)

	claims, err := authn.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.NoError(t, authn.Revoke(context.Background(), claims))

	_, err = authn.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestBlacklistFailureFailsClosed(t *testing.T) {
	authn := NewAuthenticator(authCfg, &memoryBlacklist{err: errors.New("redis down")})
	token, err := GenerateToken("alice", "", authCfg)
	require.NoError(t, err)

	_, err = authn.Authenticate(context.Background(), token)
	assert.Error(t, err)
}

func TestRevokeWithoutBlacklist(t *testing.T) {
	authn := NewAuthenticator(authCfg, nil)
	assert.Error(t, authn.Revoke(context.Background(), &Claims{UserID: "alice"}))
}
