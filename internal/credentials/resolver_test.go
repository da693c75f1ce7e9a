package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"ttslo/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

// clearCredentialEnv unsets every variable the resolver may consult so
// tests do not observe the host environment. Setenv first registers the
// cleanup that restores the original value after the test.
func clearCredentialEnv(t *testing.T) {
	t.Helper()
	unset := func(name string) {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	chains := [][]string{roKeyChain, roSecretChain, rwKeyChain, rwSecretChain}
	for _, chain := range chains {
		for _, name := range chain {
			unset(name)
			unset(withSuffix(name, "_winnie"))
		}
	}
	unset(telegramTokenVar)
}

func TestResolvePrimaryReadOnly(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("KRAKEN_API_KEY", "ro-key")
	t.Setenv("KRAKEN_API_SECRET", "ro-secret")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)

	primary := set.Primary()
	require.NotNil(t, primary)
	require.NotNil(t, primary.ReadOnly)
	assert.Equal(t, "ro-key", primary.ReadOnly.Key)
	assert.Equal(t, "ro-secret", primary.ReadOnly.Secret.Reveal())
	assert.Nil(t, primary.ReadWrite)
}

func TestResolveMissingReadOnlyFails(t *testing.T) {
	clearCredentialEnv(t)

	_, err := Resolve(&mockLogger{})
	assert.ErrorIs(t, err, ErrMissingReadOnly)
}

func TestResolvePrecedenceOrder(t *testing.T) {
	clearCredentialEnv(t)
	// Both the canonical name and a fallback are set; the canonical wins.
	t.Setenv("KRAKEN_API_KEY", "canonical")
	t.Setenv("KRAKEN_API_SECRET", "canonical-secret")
	t.Setenv("COPILOT_W_KR_RO_PUBLIC", "fallback")
	t.Setenv("COPILOT_W_KR_RO_SECRET", "fallback-secret")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, "canonical", set.Primary().ReadOnly.Key)
}

func TestResolveFallbackChain(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("COPILOT_W_KR_RO_PUBLIC", "ro-fallback")
	t.Setenv("COPILOT_W_KR_RO_SECRET", "ro-fallback-secret")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, "ro-fallback", set.Primary().ReadOnly.Key)
}

func TestResolveLegacyFullAccessServesBothScopes(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("COPILOT_W_KR_PUBLIC", "legacy")
	t.Setenv("COPILOT_W_KR_SECRET", "legacy-secret")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)

	primary := set.Primary()
	require.NotNil(t, primary.ReadOnly)
	require.NotNil(t, primary.ReadWrite)
	assert.Equal(t, "legacy", primary.ReadOnly.Key)
	assert.Equal(t, "legacy", primary.ReadWrite.Key)
}

func TestResolveKeyWithoutSecretSkipped(t *testing.T) {
	clearCredentialEnv(t)
	// Key present but secret missing at the same chain position: position
	// is skipped, next position satisfies the pair.
	t.Setenv("KRAKEN_API_KEY", "half")
	t.Setenv("COPILOT_KRAKEN_API_KEY", "whole")
	t.Setenv("COPILOT_KRAKEN_API_SECRET", "whole-secret")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, "whole", set.Primary().ReadOnly.Key)
}

func TestResolveSecondaryAccount(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("KRAKEN_API_KEY", "primary-key")
	t.Setenv("KRAKEN_API_SECRET", "primary-secret")
	t.Setenv("KRAKEN_API_KEY_WINNIE", "winnie-key")
	t.Setenv("KRAKEN_API_SECRET_WINNIE", "winnie-secret")
	t.Setenv("KRAKEN_API_KEY_RW_WINNIE", "winnie-rw-key")
	t.Setenv("KRAKEN_API_SECRET_RW_WINNIE", "winnie-rw-secret")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)

	winnie := set.Account("winnie")
	require.NotNil(t, winnie)
	assert.Equal(t, "winnie-key", winnie.ReadOnly.Key)
	require.NotNil(t, winnie.ReadWrite)
	assert.Equal(t, "winnie-rw-key", winnie.ReadWrite.Key)

	assert.Nil(t, set.Account("unknown"))
}

func TestResolveReadWriteScope(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("KRAKEN_API_KEY", "ro")
	t.Setenv("KRAKEN_API_SECRET", "ro-secret")
	t.Setenv("KRAKEN_API_KEY_RW", "rw")
	t.Setenv("KRAKEN_API_SECRET_RW", "rw-secret")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)

	primary := set.Primary()
	require.NotNil(t, primary.ReadWrite)
	assert.Equal(t, "rw", primary.ReadWrite.Key)
	assert.Equal(t, "rw-secret", primary.ReadWrite.Secret.Reveal())
}

func TestBotToken(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv("KRAKEN_API_KEY", "k")
	t.Setenv("KRAKEN_API_SECRET", "s")
	t.Setenv(telegramTokenVar, "bot-token")

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, "bot-token", set.BotToken().Reveal())
}

func TestLoadEnvFile(t *testing.T) {
	clearCredentialEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("KRAKEN_API_KEY=file-key\nKRAKEN_API_SECRET=file-secret\n"), 0o600))

	require.NoError(t, LoadEnvFile(path))

	set, err := Resolve(&mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, "file-key", set.Primary().ReadOnly.Key)

	// Missing path is an error, empty path is a no-op
	assert.Error(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
	assert.NoError(t, LoadEnvFile(""))
}
