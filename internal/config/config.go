package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/better-wallet/permit-signer/internal/secretstore"
)

// Config holds process configuration, read from the environment and an
// optional .env file.
type Config struct {
	// Server
	Port            int
	ShutdownTimeout time.Duration

	// Logging
	LogFormat string // json or text
	LogLevel  string

	// Server key custody
	ServerKeySource           string
	X25519PrivateKey          string
	X25519PrivateKeyEncrypted string
	X25519PrivateKeyShares    []string

	// Envelope providers
	KMSLocalMasterKey string
	KMSAWSKeyID       string
	KMSAWSRegion      string
	VaultAddress      string
	VaultToken        string
	VaultTransitKey   string

	// Chains
	ChainConfig      string
	RedisURL         string
	DecimalsCacheTTL time.Duration

	// Audit log; empty disables it
	PostgresDSN string

	// API access
	APIKeyHash       string
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Port:                      getEnvInt("PORT", 8080),
		ShutdownTimeout:           getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogFormat:                 getEnv("LOG_FORMAT", "json"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		ServerKeySource:           getEnv("SERVER_KEY_SOURCE", string(secretstore.SourceEnv)),
		X25519PrivateKey:          getEnv("X25519_PRIVATE_KEY", ""),
		X25519PrivateKeyEncrypted: getEnv("X25519_PRIVATE_KEY_ENCRYPTED", ""),
		X25519PrivateKeyShares:    getEnvList("X25519_PRIVATE_KEY_SHARES"),
		KMSLocalMasterKey:         getEnv("KMS_LOCAL_MASTER_KEY", ""),
		KMSAWSKeyID:               getEnv("KMS_AWS_KEY_ID", ""),
		KMSAWSRegion:              getEnv("KMS_AWS_REGION", ""),
		VaultAddress:              getEnv("VAULT_ADDRESS", ""),
		VaultToken:                getEnv("VAULT_TOKEN", ""),
		VaultTransitKey:           getEnv("VAULT_TRANSIT_KEY", ""),
		ChainConfig:               getEnv("CHAIN_CONFIG", "chains.yaml"),
		RedisURL:                  getEnv("REDIS_URL", ""),
		DecimalsCacheTTL:          getEnvDuration("DECIMALS_CACHE_TTL", 24*time.Hour),
		PostgresDSN:               getEnv("POSTGRES_DSN", ""),
		APIKeyHash:                getEnv("API_KEY_HASH", ""),
		RateLimitEnabled:          getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:              getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:            getEnvInt("RATE_LIMIT_BURST", 40),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got: %d", c.Port)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'text', got: %s", c.LogFormat)
	}

	switch secretstore.Source(c.ServerKeySource) {
	case secretstore.SourceEnv:
		// An empty key is allowed; requests then fail with key_unavailable.
	case secretstore.SourceLocal:
		if c.KMSLocalMasterKey == "" {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY is required when SERVER_KEY_SOURCE is 'local'")
		}
		if c.X25519PrivateKeyEncrypted == "" {
			return fmt.Errorf("X25519_PRIVATE_KEY_ENCRYPTED is required when SERVER_KEY_SOURCE is 'local'")
		}
	case secretstore.SourceAWSKMS:
		if c.KMSAWSKeyID == "" || c.KMSAWSRegion == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID and KMS_AWS_REGION are required when SERVER_KEY_SOURCE is 'aws-kms'")
		}
		if c.X25519PrivateKeyEncrypted == "" {
			return fmt.Errorf("X25519_PRIVATE_KEY_ENCRYPTED is required when SERVER_KEY_SOURCE is 'aws-kms'")
		}
	case secretstore.SourceVault:
		if c.VaultAddress == "" || c.VaultToken == "" || c.VaultTransitKey == "" {
			return fmt.Errorf("VAULT_ADDRESS, VAULT_TOKEN and VAULT_TRANSIT_KEY are required when SERVER_KEY_SOURCE is 'vault'")
		}
		if c.X25519PrivateKeyEncrypted == "" {
			return fmt.Errorf("X25519_PRIVATE_KEY_ENCRYPTED is required when SERVER_KEY_SOURCE is 'vault'")
		}
	case secretstore.SourceShares:
		if len(c.X25519PrivateKeyShares) < secretstore.MinShares {
			return fmt.Errorf("X25519_PRIVATE_KEY_SHARES needs at least %d comma-separated shares", secretstore.MinShares)
		}
	default:
		return fmt.Errorf("SERVER_KEY_SOURCE must be one of env, local, aws-kms, vault, shares, got: %s", c.ServerKeySource)
	}

	if c.ChainConfig == "" {
		return fmt.Errorf("CHAIN_CONFIG is required")
	}

	if c.DecimalsCacheTTL <= 0 {
		return fmt.Errorf("DECIMALS_CACHE_TTL must be positive")
	}

	if c.APIKeyHash != "" && !strings.HasPrefix(c.APIKeyHash, "$2") {
		return fmt.Errorf("API_KEY_HASH must be a bcrypt hash")
	}

	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	return nil
}

// SecretStore returns the server key loading configuration.
func (c *Config) SecretStore() secretstore.Config {
	return secretstore.Config{
		Source:       secretstore.Source(c.ServerKeySource),
		PlainKey:     c.X25519PrivateKey,
		EncryptedKey: c.X25519PrivateKeyEncrypted,
		Shares:       c.X25519PrivateKeyShares,
		KMS: secretstore.KMSConfig{
			Provider:          c.ServerKeySource,
			LocalMasterKeyHex: c.KMSLocalMasterKey,
			AWSKMSKeyID:       c.KMSAWSKeyID,
			AWSKMSRegion:      c.KMSAWSRegion,
			VaultAddress:      c.VaultAddress,
			VaultToken:        c.VaultToken,
			VaultTransitKey:   c.VaultTransitKey,
		},
	}
}

// loadDotEnv loads the nearest .env file walking up from the working directory.
// Variables already set in the environment win.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}

	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
