package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mhollis/taskhub/pkg/auth"
	"github.com/mhollis/taskhub/pkg/config"
	"github.com/mhollis/taskhub/pkg/engine"
	"github.com/mhollis/taskhub/pkg/gmail"
	"github.com/mhollis/taskhub/pkg/model"
	"github.com/mhollis/taskhub/pkg/n8n"
	"github.com/mhollis/taskhub/pkg/notion"
	"github.com/mhollis/taskhub/pkg/outlook"
	"github.com/mhollis/taskhub/pkg/scheduler"
	"github.com/mhollis/taskhub/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default ~/.config/taskhub/config.yaml)")
	doAuth := flag.Bool("auth", false, "Run the interactive Gmail authorization flow")
	once := flag.Bool("once", false, "Run a single sync cycle and exit")
	serve := flag.Bool("serve", false, "Run sync cycles on the configured schedule")
	list := flag.Bool("list", false, "Print all open tasks from every platform as JSON")
	workflows := flag.Bool("workflows", false, "List n8n workflows as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *doAuth:
		if err := runAuth(ctx, cfg); err != nil {
			logger.Error("authorization failed", "error", err)
			os.Exit(1)
		}
		fmt.Println("Authentication successful. Token cached.")
	case *list:
		if err := runList(ctx, cfg, logger); err != nil {
			logger.Error("list failed", "error", err)
			os.Exit(1)
		}
	case *workflows:
		if err := runWorkflows(ctx, cfg); err != nil {
			logger.Error("workflow listing failed", "error", err)
			os.Exit(1)
		}
	case *serve:
		if err := runServe(ctx, cfg, logger); err != nil {
			logger.Error("scheduler failed", "error", err)
			os.Exit(1)
		}
	case *once:
		if err := runOnce(ctx, cfg, logger); err != nil {
			logger.Error("sync cycle failed", "error", err)
			os.Exit(1)
		}
	default:
		// A bare invocation runs one cycle, same as -once.
		if err := runOnce(ctx, cfg, logger); err != nil {
			logger.Error("sync cycle failed", "error", err)
			os.Exit(1)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func gmailAuthOptions(cfg *config.Config) (auth.Options, error) {
	creds, err := config.ResolveFile(cfg.Gmail.CredentialsFile)
	if err != nil {
		return auth.Options{}, err
	}
	token, err := config.ResolveFile(cfg.Gmail.TokenFile)
	if err != nil {
		return auth.Options{}, err
	}
	return auth.Options{CredentialsFile: creds, TokenFile: token, Scopes: gmail.Scopes}, nil
}

func runAuth(ctx context.Context, cfg *config.Config) error {
	opts, err := gmailAuthOptions(cfg)
	if err != nil {
		return err
	}
	return auth.Authorize(ctx, opts)
}

// buildOrigins constructs every enabled and configured origin adapter. A
// platform that cannot be built is skipped with a warning so the others
// still sync.
func buildOrigins(ctx context.Context, cfg *config.Config, logger *slog.Logger) []engine.Origin {
	var origins []engine.Origin

	if cfg.Gmail.Enabled {
		opts, err := gmailAuthOptions(cfg)
		if err == nil {
			gm, gerr := gmail.New(ctx, opts, cfg.Gmail.Query, cfg.Gmail.Limit)
			if gerr != nil {
				err = gerr
			} else {
				origins = append(origins, gm)
			}
		}
		if err != nil {
			logger.Warn("gmail adapter unavailable", "error", err)
		}
	}

	if cfg.Outlook.Enabled {
		ol, err := outlook.New(ctx, cfg.Outlook.ClientID, cfg.Outlook.TenantID, cfg.Outlook.ClientSecret)
		if err != nil {
			logger.Warn("outlook adapter unavailable", "error", err)
		} else {
			origins = append(origins, ol)
		}
	}

	return origins
}

func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine.Engine, *store.Store, error) {
	hub, err := notion.New(cfg.Notion.Token, cfg.Notion.DatabaseID)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(engine.Config{
		Store:        st,
		Hub:          hub,
		Origins:      buildOrigins(ctx, cfg, logger),
		Logger:       logger,
		FetchTimeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return eng, st, nil
}

func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	eng, st, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	summary, err := eng.RunCycle(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	eng, st, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sched, err := scheduler.New(eng, cfg.Schedule, logger)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	sched.Start(ctx)
	<-ctx.Done()
	sched.Stop()
	return nil
}

// runList prints every open task from every configured platform, hub
// included, in the unified format.
func runList(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var tasks []model.UnifiedTask

	hub, err := notion.New(cfg.Notion.Token, cfg.Notion.DatabaseID)
	if err != nil {
		if !errors.Is(err, notion.ErrNotConfigured) {
			return err
		}
		logger.Warn("notion not configured, listing origins only")
	} else {
		hubTasks, err := hub.FetchOpen(ctx)
		if err != nil {
			logger.Warn("notion fetch failed", "error", err)
		} else {
			tasks = append(tasks, hubTasks...)
		}
	}

	for _, origin := range buildOrigins(ctx, cfg, logger) {
		originTasks, err := origin.FetchOpen(ctx)
		if err != nil {
			logger.Warn("origin fetch failed", "source", origin.Source(), "error", err)
			continue
		}
		tasks = append(tasks, originTasks...)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tasks)
}

func runWorkflows(ctx context.Context, cfg *config.Config) error {
	client, err := n8n.New(cfg.N8N.Host, cfg.N8N.APIKey)
	if err != nil {
		return err
	}
	wfs, err := client.Workflows(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(wfs)
}
