package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	// ExpiryTimeout bounds how long an unconfirmed transfer may live before
	// it is irreversibly expired. There is deliberately no default: the
	// value must be large relative to expected block-confirmation latency,
	// and the right magnitude depends on the deployment.
	ExpiryTimeout time.Duration
	// BlockTimeout bounds how long a closed transfer block may await
	// signatures before the aggregator abandons it.
	BlockTimeout time.Duration
	// SyncInterval is the per-account reconciliation poll period.
	SyncInterval time.Duration
	// WalletDBPath is the LevelDB directory for wallet state.
	WalletDBPath string
	// LedgerDBPath is the SQLite file for lifecycle snapshots.
	LedgerDBPath string
	// OracleDBPath is the LevelDB directory for observed rollup state.
	OracleDBPath string
	// AggregatorURL is the wallet-side WebSocket endpoint.
	AggregatorURL string
	// ListenAddr is the aggregator daemon's bind address.
	ListenAddr string
	// DatabaseURL enables the optional Postgres block archive when set.
	DatabaseURL string
	// SeedKey, hex-encoded 32 bytes, enables seed encryption at rest.
	SeedKey string
	// TLSCertFile and TLSKeyFile enable TLS on the aggregator endpoint.
	TLSCertFile string
	TLSKeyFile  string
	// TLSCAFile pins the peer CA for the WebSocket channel.
	TLSCAFile string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   os.Getenv("APP_ENV"),
		WalletDBPath:  os.Getenv("WALLET_DB"),
		LedgerDBPath:  os.Getenv("LEDGER_DB"),
		OracleDBPath:  os.Getenv("ORACLE_DB"),
		AggregatorURL: os.Getenv("AGGREGATOR_URL"),
		ListenAddr:    os.Getenv("LISTEN_ADDR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SeedKey:       os.Getenv("SEED_KEY"),
		TLSCertFile:   os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:    os.Getenv("TLS_KEY_FILE"),
		TLSCAFile:     os.Getenv("TLS_CA_FILE"),
	}

	var err error
	if cfg.ExpiryTimeout, err = parseDuration("EXPIRY_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.BlockTimeout, err = parseDuration("BLOCK_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SyncInterval, err = parseDuration("SYNC_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8780"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return d, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.ExpiryTimeout <= 0 {
		missing = append(missing, "EXPIRY_TIMEOUT")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.ExpiryTimeout <= c.BlockTimeout {
		return fmt.Errorf("EXPIRY_TIMEOUT (%v) must be large relative to BLOCK_TIMEOUT (%v): expiry is irreversible", c.ExpiryTimeout, c.BlockTimeout)
	}
	if c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}
