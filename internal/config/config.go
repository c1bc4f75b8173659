// Package config holds the proxy's environment-driven configuration
// surface. Unlike the CLI tool this codebase grew from, a long-running
// service has no per-user JSON side files; it reads its settings from
// the environment once at startup, with a FromEnv seam tests bypass by
// constructing Config directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of tunables named in spec.md §6.
type Config struct {
	WSPort                 int
	TelnetHost             string
	TelnetPort             int
	OnlyAllowDefaultServer bool
	AllowedOrigins         []string
	TrustProxy             bool

	SessionTimeout time.Duration
	MaxPerDevice   int
	MaxPerIP       int

	BufferCapacityBytes int

	TriggerPerTypePerMinute int
	TriggerTotalPerHour     int

	SilentPushInterval   time.Duration
	ActivityPushInterval time.Duration
	ActivityAckTimeout   time.Duration
	FallbackCooldown     time.Duration
	MaxFallbacksPerHour  int
	MaxSnippetLength     int
}

// Default returns the documented defaults from spec.md §6, used both
// as the base for FromEnv and directly in tests.
func Default() Config {
	return Config{
		WSPort:                 6200,
		TelnetHost:             "",
		TelnetPort:             0,
		OnlyAllowDefaultServer: false,
		AllowedOrigins:         []string{"*"},
		TrustProxy:             false,

		SessionTimeout: 24 * time.Hour,
		MaxPerDevice:   5,
		MaxPerIP:       10,

		BufferCapacityBytes: 50 * 1024,

		TriggerPerTypePerMinute: 1,
		TriggerTotalPerHour:     10,

		SilentPushInterval:   1_200_000 * time.Millisecond,
		ActivityPushInterval: 120_000 * time.Millisecond,
		ActivityAckTimeout:   15_000 * time.Millisecond,
		FallbackCooldown:     60_000 * time.Millisecond,
		MaxFallbacksPerHour:  6,
		MaxSnippetLength:     100,
	}
}

// FromEnv reads the process environment, overriding Default() with
// any variables that are set. A malformed numeric/bool override is
// reported as an error rather than silently ignored, so a bad
// deployment config fails fast at startup (spec.md §6 exit code 1).
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("WS_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid WS_PORT %q: %w", v, err)
		}
		cfg.WSPort = n
	}

	if v, ok := os.LookupEnv("TN_HOST"); ok {
		cfg.TelnetHost = v
	}
	if v, ok := os.LookupEnv("TN_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid TN_PORT %q: %w", v, err)
		}
		cfg.TelnetPort = n
	}

	if v, ok := os.LookupEnv("ONLY_ALLOW_DEFAULT_SERVER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid ONLY_ALLOW_DEFAULT_SERVER %q: %w", v, err)
		}
		cfg.OnlyAllowDefaultServer = b
	}

	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		if v == "*" {
			cfg.AllowedOrigins = []string{"*"}
		} else {
			parts := strings.Split(v, ",")
			origins := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					origins = append(origins, p)
				}
			}
			cfg.AllowedOrigins = origins
		}
	}

	if v, ok := os.LookupEnv("TRUST_PROXY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid TRUST_PROXY %q: %w", v, err)
		}
		cfg.TrustProxy = b
	}

	if err := overrideDurationHours(&cfg.SessionTimeout, "SESSION_TIMEOUT_HOURS"); err != nil {
		return cfg, err
	}
	if err := overrideInt(&cfg.MaxPerDevice, "MAX_PER_DEVICE"); err != nil {
		return cfg, err
	}
	if err := overrideInt(&cfg.MaxPerIP, "MAX_PER_IP"); err != nil {
		return cfg, err
	}
	if err := overrideKB(&cfg.BufferCapacityBytes, "BUFFER_SIZE_KB"); err != nil {
		return cfg, err
	}
	if err := overrideInt(&cfg.TriggerPerTypePerMinute, "TRIGGER_PER_TYPE_PER_MINUTE"); err != nil {
		return cfg, err
	}
	if err := overrideInt(&cfg.TriggerTotalPerHour, "TRIGGER_TOTAL_PER_HOUR"); err != nil {
		return cfg, err
	}
	if err := overrideDurationMs(&cfg.SilentPushInterval, "SILENT_PUSH_INTERVAL_MS"); err != nil {
		return cfg, err
	}
	if err := overrideDurationMs(&cfg.ActivityPushInterval, "ACTIVITY_PUSH_INTERVAL_MS"); err != nil {
		return cfg, err
	}
	if err := overrideDurationMs(&cfg.ActivityAckTimeout, "ACTIVITY_ACK_TIMEOUT_MS"); err != nil {
		return cfg, err
	}
	if err := overrideDurationMs(&cfg.FallbackCooldown, "FALLBACK_COOLDOWN_MS"); err != nil {
		return cfg, err
	}
	if err := overrideInt(&cfg.MaxFallbacksPerHour, "MAX_FALLBACKS_PER_HOUR"); err != nil {
		return cfg, err
	}
	if err := overrideInt(&cfg.MaxSnippetLength, "MAX_SNIPPET_LENGTH"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// overrideInt applies an environment override for one int field, if set.
func overrideInt(field *int, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", envVar, v, err)
	}
	*field = n
	return nil
}

// overrideDurationHours applies an hours-denominated environment
// override for one duration field, if set.
func overrideDurationHours(field *time.Duration, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", envVar, v, err)
	}
	*field = time.Duration(n) * time.Hour
	return nil
}

// overrideDurationMs applies a milliseconds-denominated environment
// override for one duration field, if set.
func overrideDurationMs(field *time.Duration, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", envVar, v, err)
	}
	*field = time.Duration(n) * time.Millisecond
	return nil
}

// overrideKB applies a kilobytes-denominated environment override for
// one byte-count field, if set.
func overrideKB(field *int, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", envVar, v, err)
	}
	*field = n * 1024
	return nil
}
