// Command voicecast is the main entry point for the Voicecast broadcast server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Telegamez/voicecast/internal/app"
	"github.com/Telegamez/voicecast/internal/config"
	"github.com/Telegamez/voicecast/internal/resilience"
	"github.com/Telegamez/voicecast/pkg/provider/voice"
	"github.com/Telegamez/voicecast/pkg/provider/voice/mock"
	"github.com/Telegamez/voicecast/pkg/provider/voice/openairt"
	"github.com/Telegamez/voicecast/pkg/provider/voice/openaitts"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicecast: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicecast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicecast starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	prov, err := buildVoiceProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build voice provider", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, prov)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the voice provider factories that ship with
// Voicecast into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterVoice("openai-realtime", func(entry config.ProviderEntry) (voice.Provider, error) {
		var opts []openairt.Option
		if entry.Model != "" {
			opts = append(opts, openairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(entry.BaseURL))
		}
		return openairt.New(entry.APIKey, opts...), nil
	})

	reg.RegisterVoice("openai-tts", func(entry config.ProviderEntry) (voice.Provider, error) {
		var opts []openaitts.Option
		if entry.Model != "" {
			opts = append(opts, openaitts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaitts.WithBaseURL(entry.BaseURL))
		}
		return openaitts.New(entry.APIKey, opts...), nil
	})

	// mock is useful for local development without an API key.
	reg.RegisterVoice("mock", func(_ config.ProviderEntry) (voice.Provider, error) {
		return &mock.Provider{}, nil
	})
}

// buildVoiceProvider instantiates the configured voice provider. When
// fallbacks are configured, the primary is wrapped in a failover group so a
// dead backend does not take rooms down with it.
func buildVoiceProvider(cfg *config.Config, reg *config.Registry) (voice.Provider, error) {
	entry := cfg.Provider.Voice
	if entry.Name == "" {
		return nil, fmt.Errorf("provider.voice.name is required")
	}
	p, err := reg.CreateVoice(entry)
	if err != nil {
		return nil, fmt.Errorf("create voice provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "voice", "name", entry.Name)

	if len(cfg.Provider.Fallbacks) == 0 {
		return p, nil
	}

	fb := resilience.NewVoiceFallback(p, entry.Name, resilience.Config{})
	for _, fe := range cfg.Provider.Fallbacks {
		fp, err := reg.CreateVoice(fe)
		if err != nil {
			return nil, fmt.Errorf("create fallback voice provider %q: %w", fe.Name, err)
		}
		fb.AddFallback(fe.Name, fp)
		slog.Info("provider created", "kind", "voice-fallback", "name", fe.Name)
	}
	return fb, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Voicecast — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Voice", providerLabel(cfg.Provider.Voice))
	printField("Listen addr", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		printField("TLS", "enabled")
	} else {
		printField("TLS", "(disabled)")
	}
	if cfg.History.PostgresDSN != "" {
		printField("History", "postgres")
	} else {
		printField("History", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	if entry.Name == "" {
		return "(not configured)"
	}
	if entry.Model != "" {
		return entry.Name + " / " + entry.Model
	}
	return entry.Name
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
