package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brandon/mailengine/pkg/types"
)

// Config holds the engine configuration.
type Config struct {
	// Cache settings
	CachePath   string
	CacheMaxAge time.Duration
	SnapshotLRU int

	LogLevel string

	// Sync behaviour
	PrimaryFolder      string
	SentFolder         string
	SyncInterval       time.Duration
	IdleLogoutTimeout  time.Duration
	FolderMissingLimit int

	// Network behaviour
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StopWait       time.Duration

	// Credential provider: "env" or "keyring".
	CredentialBackend string

	// Accounts
	Accounts []types.Account
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		CachePath:          getEnv("CACHE_PATH", "mailengine.db"),
		CacheMaxAge:        getEnvDuration("CACHE_MAX_AGE", 5*time.Minute),
		SnapshotLRU:        getEnvInt("SNAPSHOT_LRU_SIZE", 128),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		PrimaryFolder:      getEnv("PRIMARY_FOLDER", "INBOX"),
		SentFolder:         getEnv("SENT_FOLDER", "Sent"),
		SyncInterval:       getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		IdleLogoutTimeout:  getEnvDuration("IDLE_LOGOUT_TIMEOUT", 24*time.Minute),
		FolderMissingLimit: getEnvInt("FOLDER_MISSING_LIMIT", 3),
		ConnectTimeout:     getEnvDuration("CONNECT_TIMEOUT", 30*time.Second),
		CommandTimeout:     getEnvDuration("COMMAND_TIMEOUT", 30*time.Second),
		MaxRetries:         getEnvInt("MAX_RETRIES", 5),
		BackoffBase:        getEnvDuration("BACKOFF_BASE", time.Second),
		BackoffCap:         getEnvDuration("BACKOFF_CAP", time.Minute),
		StopWait:           getEnvDuration("STOP_WAIT", 2*time.Second),
		CredentialBackend:  getEnv("CREDENTIAL_BACKEND", "env"),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts loads account configurations from environment variables.
func loadAccounts() ([]types.Account, error) {
	var accounts []types.Account

	// Single account configuration first (no numbered prefix).
	if getEnv("IMAP_HOST", "") != "" && getEnv("SMTP_HOST", "") != "" {
		account, err := loadAccount("")
		if err != nil {
			return nil, err
		}
		return []types.Account{*account}, nil
	}

	// Multiple accounts (ACCOUNT_1_*, ACCOUNT_2_*, ...).
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		if getEnv(prefix+"IMAP_HOST", "") == "" {
			break
		}
		account, err := loadAccount(prefix)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", num, err)
		}
		accounts = append(accounts, *account)
	}

	return accounts, nil
}

func loadAccount(prefix string) (*types.Account, error) {
	acc := &types.Account{
		ID:           getEnv(prefix+"ID", getEnv(prefix+"NAME", "default")),
		Name:         getEnv(prefix+"NAME", "default"),
		Address:      getEnv(prefix+"ADDRESS", ""),
		IMAPHost:     getEnv(prefix+"IMAP_HOST", ""),
		IMAPPort:     getEnvInt(prefix+"IMAP_PORT", 993),
		IMAPSecurity: types.SecurityMode(getEnv(prefix+"IMAP_SECURITY", "tls")),
		SMTPHost:     getEnv(prefix+"SMTP_HOST", ""),
		SMTPPort:     getEnvInt(prefix+"SMTP_PORT", 587),
		SMTPSecurity: types.SecurityMode(getEnv(prefix+"SMTP_SECURITY", "starttls")),
		Username:     getEnv(prefix+"USERNAME", ""),
	}

	if acc.IMAPHost == "" || acc.SMTPHost == "" {
		return nil, fmt.Errorf("IMAP_HOST and SMTP_HOST are required")
	}
	if acc.Username == "" {
		return nil, fmt.Errorf("USERNAME is required")
	}
	if acc.Address == "" {
		acc.Address = acc.Username
	}

	return acc, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}
	if c.CacheMaxAge <= 0 {
		return fmt.Errorf("CACHE_MAX_AGE must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.FolderMissingLimit < 1 {
		return fmt.Errorf("FOLDER_MISSING_LIMIT must be at least 1")
	}
	if c.CredentialBackend != "env" && c.CredentialBackend != "keyring" {
		return fmt.Errorf("CREDENTIAL_BACKEND must be env or keyring")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if seen[acc.ID] {
			return fmt.Errorf("account %s: duplicate id", acc.ID)
		}
		seen[acc.ID] = true
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.ID)
		}
		if acc.SMTPPort < 1 || acc.SMTPPort > 65535 {
			return fmt.Errorf("account %s: invalid SMTP_PORT", acc.ID)
		}
		if !validSecurity(acc.IMAPSecurity) {
			return fmt.Errorf("account %s: invalid IMAP_SECURITY %q", acc.ID, acc.IMAPSecurity)
		}
		if !validSecurity(acc.SMTPSecurity) {
			return fmt.Errorf("account %s: invalid SMTP_SECURITY %q", acc.ID, acc.SMTPSecurity)
		}
	}

	return nil
}

func validSecurity(m types.SecurityMode) bool {
	switch m {
	case types.SecurityTLS, types.SecuritySTARTTLS, types.SecurityPlain:
		return true
	}
	return false
}

// AccountIDs returns the ids of all configured accounts.
func (c *Config) AccountIDs() []string {
	ids := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		ids[i] = c.Accounts[i].ID
	}
	return ids
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
