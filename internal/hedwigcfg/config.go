// Package hedwigcfg loads Hedwig's process configuration from
// environment variables, applies defaults, and validates the result,
// following the struct-plus-applyDefaults-plus-Validate shape the
// teacher uses in internal/config/config.go (adapted from YAML-file
// loading to the env-var-only surface SPEC_FULL.md §6 names).
package hedwigcfg

import (
	"fmt"
	"os"
)

// Config holds the environment-sourced settings shared by both
// worker binaries. cmd/sendworker only uses ZMQEmailerSub and
// cmd/replyworker only uses ZMQReplierPub, but both are always
// defaulted so either binary can load the same Config; validation
// checks only Domain and LogLevel.
type Config struct {
	// DatabaseURL is the SQLite file path backing the repository.
	DatabaseURL string
	// Domain is this deployment's mail domain, used to build
	// Message-Id/In-Reply-To tokens and tracking-pixel URLs.
	Domain string
	// ZMQEmailerSub is the address the send worker's SUB socket dials
	// to receive ZMQSendEmailMessage frames.
	ZMQEmailerSub string
	// ZMQReplierPub is the address the reply worker's PUB socket
	// binds to publish ZMQReplyMessage/ZMQUnsubscribeMessage frames.
	ZMQReplierPub string
	// AppEnv selects the logging style: "production" for JSON,
	// anything else (including empty) for human-readable text.
	AppEnv string
	// LogLevel is the raw HEDWIG_LOG_LEVEL value, parsed by
	// ParseLogLevel (trace, debug, info, warn, error).
	LogLevel string
}

// Load reads configuration from the environment, applies defaults,
// and validates the result. After Load returns successfully every
// field is usable by either worker binary without further checks.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		Domain:        os.Getenv("DOMAIN"),
		ZMQEmailerSub: os.Getenv("ZMQ_EMAILER_SUB"),
		ZMQReplierPub: os.Getenv("ZMQ_REPLIER_PUB"),
		AppEnv:        os.Getenv("APP_ENV"),
		LogLevel:      os.Getenv("HEDWIG_LOG_LEVEL"),
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = "app.db"
	}
	if c.ZMQEmailerSub == "" {
		c.ZMQEmailerSub = "tcp://127.0.0.1:5558"
	}
	if c.ZMQReplierPub == "" {
		c.ZMQReplierPub = "tcp://127.0.0.1:5559"
	}
}

// IsProduction reports whether structured JSON logging should be
// used, mirroring the teacher's APP_ENV-driven logging-style switch.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) validate() error {
	if c.Domain == "" {
		return fmt.Errorf("DOMAIN must be set")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("HEDWIG_LOG_LEVEL: %w", err)
	}
	return nil
}
