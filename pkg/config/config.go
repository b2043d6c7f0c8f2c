// Package config populates the proxy's process-wide configuration from
// environment variables. No CLI subcommand surface is part
// of the core; env vars (plus an optional YAML policy file, see
// pkg/policy.LoadFile) are the whole configuration surface.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	ierrors "github.com/nullwire/interceptproxy/pkg/errors"
)

// Config is the proxy's process-wide configuration.
type Config struct {
	// ListenAddr is the TCP address the Listener accepts on.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// CACertPath/CAKeyPath are the on-disk root CA files.
	CACertPath string `env:"CA_CERT_PATH" envDefault:"ca.crt"`
	CAKeyPath  string `env:"CA_KEY_PATH" envDefault:"ca.key"`

	// CertKeyAlgorithm selects the leaf key type cert_for mints ("rsa2048"
	// or "ecdsa-p256").
	CertKeyAlgorithm string `env:"CERT_KEY_ALGORITHM" envDefault:"rsa2048"`
	// CertCacheCapacity bounds the CA's minted-leaf LRU cache.
	CertCacheCapacity int `env:"CERT_CACHE_CAPACITY" envDefault:"1024"`

	// VerdictTimeout is the default T in await_verdict(id, T).
	VerdictTimeout time.Duration `env:"VERDICT_TIMEOUT" envDefault:"5m"`

	// MaxLineLength/MaxHeaderBytes/MaxBodyBytes are the Wire Codec's caps.
	MaxLineLength  int   `env:"MAX_LINE_LENGTH" envDefault:"65536"`
	MaxHeaderBytes int   `env:"MAX_HEADER_BYTES" envDefault:"262144"`
	MaxBodyBytes   int64 `env:"MAX_BODY_BYTES" envDefault:"1099511627776"`

	// ReviewBodyCapBytes bounds how much of a response body the handler will
	// buffer for the reviewer before synthesizing a 502.
	ReviewBodyCapBytes int64 `env:"REVIEW_BODY_CAP_BYTES" envDefault:"104857600"`

	// ReviewResponses enables the optional response-review rendezvous.
	ReviewResponses bool `env:"REVIEW_RESPONSES" envDefault:"false"`

	// StoreDSN selects the sqlitestore backing when non-empty; empty selects
	// the zero-config in-memory store.
	StoreDSN string `env:"STORE_DSN"`
	// StoreGracePeriod is how long a filter-mode snapshot may be served
	// stale after the store becomes unreachable.
	StoreGracePeriod time.Duration `env:"STORE_GRACE_PERIOD" envDefault:"30s"`

	// PolicyConfigPath, if set, seeds the initial mode/blocklists from a
	// YAML file (pkg/policy.LoadFile) instead of the store's own defaults.
	PolicyConfigPath string `env:"POLICY_CONFIG_PATH"`

	// MetricsAddr, if non-empty, serves Prometheus metrics at /metrics.
	MetricsAddr string `env:"METRICS_ADDR"`

	// LogLevel is the hclog level name ("trace", "debug", "info", "warn",
	// "error").
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// ShutdownGrace bounds how long the Listener, once shutdown begins,
	// waits for in-flight connections to finish before returning.
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
}

// Load populates a Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, ierrors.NewValidationError("parsing environment configuration: " + err.Error())
	}
	return cfg, nil
}
