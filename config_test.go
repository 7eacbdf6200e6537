package remotefs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostWithDefaults(t *testing.T) {
	host := Host{Addr: "files.example.com", User: "deploy"}.WithDefaults()

	assert.Equal(t, 22, host.Port)
	assert.Equal(t, 30*time.Second, host.ConnectTimeout)
	assert.Equal(t, "deploy@files.example.com:22", host.ID)
	assert.Equal(t, "files.example.com:22", host.dialAddr())
}

func TestHostWithDefaultsKeepsExplicitValues(t *testing.T) {
	host := Host{
		ID:   "prod-files",
		Addr: "10.0.0.5",
		Port: 2222,
		User: "deploy",
	}.WithDefaults()

	assert.Equal(t, "prod-files", host.ID)
	assert.Equal(t, "10.0.0.5:2222", host.dialAddr())
}

func TestHostBastionDefaults(t *testing.T) {
	host := Host{Addr: "internal", User: "deploy", BastionAddr: "jump.example.com"}.WithDefaults()

	assert.Equal(t, 22, host.BastionPort)
	assert.Equal(t, "jump.example.com:22", host.bastionDialAddr())
}

func TestHostFromEnv(t *testing.T) {
	t.Setenv("RFSTEST_ADDR", "files.example.com")
	t.Setenv("RFSTEST_USER", "deploy")
	t.Setenv("RFSTEST_PORT", "2022")
	t.Setenv("RFSTEST_KEY_PATH", "/keys/deploy_ed25519")
	t.Setenv("RFSTEST_KEY_PASSPHRASE", "hunter2")

	host, err := HostFromEnv("RFSTEST")
	require.NoError(t, err)

	assert.Equal(t, "files.example.com", host.Addr)
	assert.Equal(t, 2022, host.Port)
	assert.True(t, host.KeepAlive, "keepalive defaults on")

	key, ok := host.Auth.(PrivateKeyAuth)
	require.True(t, ok, "key path should select private key auth")
	assert.Equal(t, "/keys/deploy_ed25519", key.KeyPath)
	assert.Equal(t, "hunter2", key.Passphrase)
}

func TestHostFromEnvPasswordFallback(t *testing.T) {
	t.Setenv("RFSPW_ADDR", "files.example.com")
	t.Setenv("RFSPW_USER", "deploy")
	t.Setenv("RFSPW_PASSWORD", "secret")

	host, err := HostFromEnv("RFSPW")
	require.NoError(t, err)

	pw, ok := host.Auth.(PasswordAuth)
	require.True(t, ok)
	assert.Equal(t, "secret", pw.Password)
}

func TestHostFromEnvMissingRequired(t *testing.T) {
	_, err := HostFromEnv("RFSEMPTY")
	assert.Error(t, err, "ADDR and USER are required")
}

func TestAuthSpecMethods(t *testing.T) {
	assert.Equal(t, AuthPassword, PasswordAuth{}.Method())
	assert.Equal(t, AuthPrivateKey, PrivateKeyAuth{}.Method())
	assert.Equal(t, AuthAgent, AgentAuth{}.Method())
	assert.Equal(t, AuthVault, VaultAuth{}.Method())
}

func TestSessionOptionsWithDefaults(t *testing.T) {
	opts := SessionOptions{}.WithDefaults()

	assert.Equal(t, 45*time.Second, opts.InitTimeout)
	assert.Equal(t, 30*time.Second, opts.OperationTimeout)
	assert.Equal(t, 5*time.Second, opts.PathExpandTimeout)
	assert.Equal(t, 30*time.Second, opts.CacheTTL)
	assert.Equal(t, int64(4<<20), opts.CacheMaxBytes)
	assert.Equal(t, 15*time.Second, opts.HealthInterval)
	assert.Equal(t, 2*time.Second, opts.HealthLatencyLimit)
	assert.Equal(t, DefaultRetryConfig(), opts.Retry)
	assert.NotNil(t, opts.Logger)
}

func TestSessionOptionsKeepsNoRetryConfig(t *testing.T) {
	opts := SessionOptions{Retry: NoRetryConfig()}.WithDefaults()
	assert.Equal(t, 0, opts.Retry.MaxRetries)
}

func TestCoordinatorOptionsWithDefaults(t *testing.T) {
	opts := CoordinatorOptions{}.WithDefaults()

	assert.Equal(t, 5, opts.GlobalLimit)
	assert.Equal(t, 3, opts.PerHostLimit)
	assert.Equal(t, 200*time.Millisecond, opts.Tick)
	assert.Equal(t, 64, opts.EventBuffer)
}

func TestSyncPolicyWithDefaults(t *testing.T) {
	policy := SyncPolicy{CompareSize: true}.WithDefaults()
	assert.Equal(t, 2*time.Second, policy.ModifyWindow)
	assert.True(t, policy.CompareSize)
}
