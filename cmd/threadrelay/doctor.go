package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"threadrelay/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// checkResult tallies doctor outcomes.
type checkResult struct {
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResult) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *checkResult) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the installation",
		Long: `Verifies the config file, the state database, the reasoning engine,
classifier providers, platform tokens and listener ports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("threadrelay doctor v%s\n", version)
			fmt.Printf("----------------------------------------\n\n")

			var r checkResult

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'threadrelay init' or 'threadrelay wizard' to create one.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if cfg.Memory.Backend == "sqlite" || cfg.Session.Store == "sqlite" {
				if err := checkDatabase(ctx, cfg.Memory.DBPath); err != nil {
					r.fail("State database", err.Error())
				} else {
					r.pass("State database", cfg.Memory.DBPath)
				}
			}
			if cfg.Memory.Backend == "postgres" {
				r.warn("State database", "postgres backend, connectivity checked at startup")
			}
			if cfg.Memory.Backend == "memory" {
				r.warn("State database", "in-memory, conversations are lost on restart")
			}

			if err := newGateway(cfg, nil, logger).Healthy(ctx); err != nil {
				r.fail("Reasoning engine", err.Error())
			} else {
				r.pass("Reasoning engine", cfg.Engine.BaseURL)
			}
			if cfg.Engine.DeliveryMode == "push" {
				r.pass("Webhook callback", cfg.Webhook.CallbackURL())
				if cfg.Webhook.Token == "" && cfg.Webhook.Secret == "" {
					r.warn("Webhook auth", "no token or secret, pushes are unauthenticated")
				}
			}

			if cfg.Flow.Classifier == "llm" {
				enabled := 0
				for name, p := range cfg.Providers {
					if !p.Enabled {
						continue
					}
					enabled++
					if p.APIKey == "" && name != "ollama" {
						r.warn("Provider: "+name, "enabled without an API key")
					} else {
						r.pass("Provider: "+name, "configured")
					}
				}
				if enabled == 0 {
					r.fail("Providers", "llm classifier selected but no provider is enabled")
				}
			} else {
				r.pass("Classifier", fmt.Sprintf("keyword (%d keywords)", len(cfg.Flow.TopicKeywords)))
			}

			checkToken(&r, "Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "")
			checkToken(&r, "Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
			checkToken(&r, "Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				r.warn("HTTP port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				r.pass("HTTP port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
			}
			if cfg.API.Enabled {
				if err := checkPort("", cfg.API.Port); err != nil {
					r.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
				} else {
					r.pass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n----------------------------------------\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkToken(r *checkResult, name string, enabled, present bool) {
	switch {
	case !enabled:
	case present:
		r.pass(name, "token configured")
	default:
		r.fail(name, "enabled but token missing")
	}
}

func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
