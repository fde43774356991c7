package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"loom/internal/agent"
	"loom/internal/config"
	"loom/internal/llm"
	"loom/internal/llm/anthropic"
	"loom/internal/session"
	"loom/internal/store"
	"loom/internal/tools"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errUnsupportedProvider = errors.New("unsupported provider")

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "loom stores branching AI chat sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	cmd.AddCommand(
		newChatCmd(&configPath),
		newSessionsCmd(&configPath),
		newTreeCmd(&configPath),
		newBranchCmd(&configPath),
		newForkCmd(&configPath),
		newCompactCmd(&configPath),
		newLabelCmd(&configPath),
		newSearchCmd(&configPath),
		newExportCmd(&configPath),
		newImportCmd(&configPath),
	)
	return cmd
}

// app bundles the runtime pieces every subcommand needs.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	store   *store.Store
	manager *session.Manager
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(configPath)})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	st, err := store.Open(cfg.Storage.Path, store.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		cfg:     cfg,
		log:     log,
		store:   st,
		manager: session.NewManager(st, log),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func buildLogger(level string) (*zap.Logger, error) {
	parsed, err := zap.ParseAtomicLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = parsed
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func buildProviderFromConfig(cfg config.Config) (llm.Provider, store.ModelRef, error) {
	switch name := strings.ToLower(strings.TrimSpace(cfg.Provider.Default)); name {
	case "", "anthropic":
		settings, err := cfg.AnthropicSettings()
		if err != nil {
			return nil, store.ModelRef{}, fmt.Errorf("resolve anthropic settings: %w", err)
		}
		if settings.APIKey == "" {
			return nil, store.ModelRef{}, llm.ErrMissingAPIKey
		}

		provider := anthropic.New(anthropic.Config{
			APIKey:  settings.APIKey,
			BaseURL: settings.BaseURL,
			Version: settings.Version,
			Retry: llm.RetryPolicy{
				MaxRetries: settings.Retry.MaxRetries,
				BaseDelay:  settings.Retry.BaseDelay,
				MaxDelay:   settings.Retry.MaxDelay,
			},
		})
		return provider, store.ModelRef{Provider: "anthropic", ModelID: settings.Model}, nil
	default:
		return nil, store.ModelRef{}, fmt.Errorf("%w: %s", errUnsupportedProvider, cfg.Provider.Default)
	}
}

func buildToolRegistry() (*tools.Registry, error) {
	registry := tools.NewRegistry()
	for _, tool := range builtinTools() {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return registry, nil
}

func builtinTools() []tools.Tool {
	return []tools.Tool{
		tools.NewClock(),
	}
}

func buildRunner(a *app) (*agent.Runner, error) {
	provider, model, err := buildProviderFromConfig(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}

	registry, err := buildToolRegistry()
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	return agent.NewRunner(agent.Config{
		Manager:             a.manager,
		Provider:            provider,
		Registry:            registry,
		DefaultModel:        model,
		MaxTokens:           a.cfg.Agent.MaxTokens,
		MaxTurns:            a.cfg.Agent.MaxTurns,
		AutoCompactMessages: a.cfg.Agent.AutoCompactMessages,
		CompactionKeep:      a.cfg.Agent.CompactionKeep,
		Logger:              a.log,
	})
}
