// Package credentials locates exchange API keys in the environment.
//
// Each logical credential has an ordered list of environment variable
// names; the first non-empty value wins. The secondary account appends
// a _WINNIE suffix to every name in the list.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"ttslo/internal/config"
	"ttslo/internal/core"

	"github.com/joho/godotenv"
)

// ErrMissingReadOnly is returned when no read-only credentials exist for the
// primary account. The daemon cannot monitor anything without them.
var ErrMissingReadOnly = errors.New("read-only credentials not found")

// Env var chains, most specific first. The bare COPILOT_W_KR pair is a
// legacy full-access key honored as a last resort for both scopes.
var (
	roKeyChain = []string{
		"KRAKEN_API_KEY",
		"COPILOT_KRAKEN_API_KEY",
		"copilot_kraken_api_key",
		"COPILOT_W_KR_RO_PUBLIC",
		"COPILOT_W_KR_PUBLIC",
	}
	roSecretChain = []string{
		"KRAKEN_API_SECRET",
		"COPILOT_KRAKEN_API_SECRET",
		"copilot_kraken_api_secret",
		"COPILOT_W_KR_RO_SECRET",
		"COPILOT_W_KR_SECRET",
	}
	rwKeyChain = []string{
		"KRAKEN_API_KEY_RW",
		"COPILOT_KRAKEN_API_KEY_RW",
		"copilot_kraken_api_key_rw",
		"COPILOT_W_KR_RW_PUBLIC",
		"COPILOT_W_KR_PUBLIC",
	}
	rwSecretChain = []string{
		"KRAKEN_API_SECRET_RW",
		"COPILOT_KRAKEN_API_SECRET_RW",
		"copilot_kraken_api_secret_rw",
		"COPILOT_W_KR_RW_SECRET",
		"COPILOT_W_KR_SECRET",
	}
)

const telegramTokenVar = "TELEGRAM_BOT_TOKEN"

// Pair is one API key and its secret.
type Pair struct {
	Key    string
	Secret config.Secret
}

// Account holds the credential scopes for one exchange account.
// ReadWrite is nil in monitoring-only mode.
type Account struct {
	Name      string
	ReadOnly  *Pair
	ReadWrite *Pair
}

// Set is the full resolved credential table, immutable after startup.
type Set struct {
	accounts map[string]*Account
	botToken config.Secret
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Existing variables are not overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Resolve builds the credential table for the primary and secondary
// accounts. Missing primary read-only credentials are an error; every
// other scope is optional.
func Resolve(logger core.ILogger) (*Set, error) {
	set := &Set{
		accounts: make(map[string]*Account),
		botToken: config.Secret(os.Getenv(telegramTokenVar)),
	}

	for _, name := range []string{core.DefaultAccount, "winnie"} {
		acct := resolveAccount(name)
		if acct.ReadOnly == nil && acct.ReadWrite == nil {
			continue
		}
		set.accounts[name] = acct

		scopes := []string{}
		if acct.ReadOnly != nil {
			scopes = append(scopes, "read-only")
		}
		if acct.ReadWrite != nil {
			scopes = append(scopes, "read-write")
		}
		logger.Info("Resolved exchange credentials",
			"account", name, "scopes", strings.Join(scopes, ","))
	}

	primary := set.accounts[core.DefaultAccount]
	if primary == nil || primary.ReadOnly == nil {
		return nil, ErrMissingReadOnly
	}
	if primary.ReadWrite == nil {
		logger.Warn("No read-write credentials found, running in monitoring-only mode",
			"account", core.DefaultAccount)
	}

	return set, nil
}

func resolveAccount(name string) *Account {
	suffix := ""
	if name != core.DefaultAccount {
		suffix = "_" + name
	}

	acct := &Account{Name: name}
	if key, secret, ok := firstPair(roKeyChain, roSecretChain, suffix); ok {
		acct.ReadOnly = &Pair{Key: key, Secret: config.Secret(secret)}
	}
	if key, secret, ok := firstPair(rwKeyChain, rwSecretChain, suffix); ok {
		acct.ReadWrite = &Pair{Key: key, Secret: config.Secret(secret)}
	}
	return acct
}

// firstPair walks the key chain and, at the first position with a
// non-empty key, requires the matching secret from the same position.
func firstPair(keyChain, secretChain []string, suffix string) (string, string, bool) {
	for i, keyVar := range keyChain {
		key := os.Getenv(withSuffix(keyVar, suffix))
		if key == "" {
			continue
		}
		secret := os.Getenv(withSuffix(secretChain[i], suffix))
		if secret == "" {
			continue
		}
		return key, secret, true
	}
	return "", "", false
}

func withSuffix(name, suffix string) string {
	if suffix == "" {
		return name
	}
	if name == strings.ToLower(name) {
		return name + strings.ToLower(suffix)
	}
	return name + strings.ToUpper(suffix)
}

// Account returns the credentials for the named account, or nil.
func (s *Set) Account(name string) *Account {
	return s.accounts[name]
}

// Primary returns the default account.
func (s *Set) Primary() *Account {
	return s.accounts[core.DefaultAccount]
}

// Accounts lists the resolved account names.
func (s *Set) Accounts() []string {
	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		names = append(names, name)
	}
	return names
}

// BotToken returns the notification bot token, empty when unset.
func (s *Set) BotToken() config.Secret {
	return s.botToken
}
