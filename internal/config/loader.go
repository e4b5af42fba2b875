package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"voice": {"openai-realtime", "openai-tts", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Broadcast
	b := cfg.Broadcast
	if b.BufferMs < 0 {
		errs = append(errs, fmt.Errorf("broadcast.buffer_ms %d must not be negative", b.BufferMs))
	}
	if b.MinPeersReady < 0 {
		errs = append(errs, fmt.Errorf("broadcast.min_peers_ready %d must not be negative", b.MinPeersReady))
	}
	if b.MaxWaitForPeersMs != nil && *b.MaxWaitForPeersMs < 0 {
		errs = append(errs, fmt.Errorf("broadcast.max_wait_for_peers_ms %d must not be negative", *b.MaxWaitForPeersMs))
	}
	if b.MaxBufferedChunks < 0 {
		errs = append(errs, fmt.Errorf("broadcast.max_buffered_chunks %d must not be negative", b.MaxBufferedChunks))
	}
	if b.SyncOffsetMs < 0 {
		errs = append(errs, fmt.Errorf("broadcast.sync_offset_ms %d must not be negative", b.SyncOffsetMs))
	}
	if b.MinPeersReady > 0 && b.MaxWaitForPeersMs == nil {
		slog.Warn("broadcast.min_peers_ready is set without max_wait_for_peers_ms; using the default fallback wait")
	}
	if b.MinPeersReady > 0 && b.MaxWaitForPeersMs != nil && *b.MaxWaitForPeersMs == 0 {
		slog.Warn("broadcast.max_wait_for_peers_ms is 0; broadcasts wait indefinitely for min_peers_ready")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("voice", cfg.Provider.Voice.Name)
	for i, fe := range cfg.Provider.Fallbacks {
		if fe.Name == "" {
			errs = append(errs, fmt.Errorf("provider.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("voice", fe.Name)
	}

	if cfg.Provider.Voice.Name != "" && cfg.Provider.Voice.Name != "mock" && cfg.Provider.Voice.APIKey == "" {
		slog.Warn("provider.voice.api_key is empty; provider requests will likely be rejected",
			"provider", cfg.Provider.Voice.Name)
	}

	// History availability
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; response history will not be recorded")
	}
	if cfg.History.RecentLimit < 0 {
		errs = append(errs, fmt.Errorf("history.recent_limit %d must not be negative", cfg.History.RecentLimit))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
