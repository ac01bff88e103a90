// ABOUTME: Entry point for the coven-zulip bridge.
// ABOUTME: Wires configured accounts into ingestion loops feeding triage and reply pipelines.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-zulip/internal/agentapi"
	"github.com/2389/coven-zulip/internal/bridge"
	"github.com/2389/coven-zulip/internal/config"
	"github.com/2389/coven-zulip/internal/dedupe"
	"github.com/2389/coven-zulip/internal/ingest"
	"github.com/2389/coven-zulip/internal/ledger"
	"github.com/2389/coven-zulip/internal/reply"
	"github.com/2389/coven-zulip/internal/triage"
	"github.com/2389/coven-zulip/internal/watermark"
	"github.com/2389/coven-zulip/internal/zulip"
)

const banner = `
    ╭──────────────────────────────────╮
    │                                  │
    │   ┏━╸┏━┓╻ ╻┏━╸┏┓╻   ╺━┓╻ ╻╻  ╻┏━┓│
    │   ┃  ┃ ┃┃┏┛┣╸ ┃┗┫   ┏━┛┃ ┃┃  ┃┣━┛│
    │   ┗━╸┗━┛┗┛ ┗━╸╹ ╹   ┗━╸┗━┛┗━╸╹╹  │
    │                                  │
    │        coven-zulip bridge        │
    │                                  │
    ╰──────────────────────────────────╯
`

// dedupe retention; long enough to outlive any replay window.
const dedupeTTL = time.Hour

const dedupeMaxSize = 10000

// getConfigPath returns the path to the bridge config file.
// Priority: COVEN_ZULIP_CONFIG env var > XDG_CONFIG_HOME/coven/zulip-bridge.toml > ~/.config/coven/zulip-bridge.toml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_ZULIP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "zulip-bridge.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "zulip-bridge.toml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging.Level)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:  %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Accounts: %d\n", len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		green.Print("      • ")
		fmt.Printf("%s (%s)", a.ID, a.Site)
		if a.Triage.Enabled {
			fmt.Print(" [triage]")
		}
		fmt.Println()
	}
	fmt.Println()

	var audit *ledger.Ledger
	if cfg.Ledger.Path != "" {
		audit, err = ledger.Open(cfg.Ledger.Path, logger)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer audit.Close()
	}

	gateway := agentapi.NewClient(cfg.Gateway.URL)

	// Zulip clients for every account up front, so post_as identities can
	// reference each other regardless of account order.
	clients := make(map[string]*zulip.Client, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		clients[a.ID] = zulip.NewClient(a.Site, a.Email, a.APIKey)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, account := range cfg.Accounts {
		loop, err := buildAccount(account, clients, gateway, audit, logger)
		if err != nil {
			return fmt.Errorf("account %s: %w", account.ID, err)
		}
		g.Go(func() error {
			return loop.Run(ctx)
		})
	}

	logger.Info("bridge started", "accounts", len(cfg.Accounts))
	return g.Wait()
}

// buildAccount assembles one account's pipeline: ingestion loop feeding the
// bridge, which fans out to triage and reply.
func buildAccount(account config.AccountConfig, clients map[string]*zulip.Client, gateway *agentapi.Client, audit *ledger.Ledger, logger *slog.Logger) (*ingest.Loop, error) {
	client := clients[account.ID]

	var auditLog triage.AuditLog
	if audit != nil {
		auditLog = audit
	}

	var triageEngine bridge.MessageHandler
	if account.Triage.Enabled {
		routes, err := triage.LoadTable(account.Triage.RoutesFile, account.Triage.DefaultRoute)
		if err != nil {
			return nil, fmt.Errorf("loading routes: %w", err)
		}

		postAs := make(map[string]triage.Outbound)
		for name, target := range account.Triage.PostAs {
			postAs[name] = clients[target]
		}

		store := triage.OpenStore(
			filepath.Join(account.DataDir, "cases.json"),
			account.Triage.MaxCases,
			logger,
		)

		triageEngine = triage.NewEngine(triage.Config{
			AccountID:          account.ID,
			SiteURL:            account.Site,
			BotMention:         account.BotMention,
			Enabled:            true,
			AutoTrigger:        triage.TriggerMode(account.Triage.AutoTrigger),
			IntakeStream:       account.Triage.IntakeStream,
			IntakeTopic:        account.Triage.IntakeTopic,
			TopicMode:          triage.TopicMode(account.Triage.TopicMode),
			MaxLinksPerMessage: account.Triage.MaxLinksPerMessage,
		}, store, routes, client, postAs, gateway, auditLog, logger)
	}

	var responder bridge.MessageHandler
	if account.Reply.RespondToDMs || account.Reply.RespondToMentions {
		var replyAudit reply.AuditLog
		if audit != nil {
			replyAudit = audit
		}
		responder = reply.New(reply.Config{
			AccountID:         account.ID,
			BotMention:        account.BotMention,
			RespondToDMs:      account.Reply.RespondToDMs,
			RespondToMentions: account.Reply.RespondToMentions,
		}, gateway, client, client, replyAudit, logger)
	}

	handler := bridge.New(triageEngine, responder, logger)
	watermarks := watermark.New(account.DataDir, logger)
	cache := dedupe.New(dedupeTTL, dedupeMaxSize)

	return ingest.New(ingest.Config{
		AccountID:      account.ID,
		ReplayMaxAge:   account.Replay.MaxAge,
		ReplayMaxCount: account.Replay.MaxCount,
	}, client, handler, watermarks, cache, logger), nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
