package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"threadrelay/internal/channel"
	"threadrelay/internal/config"

	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the relay in the terminal",
		Long:  "Runs the relay with the terminal as the only front end. Type /help for commands and /quit to exit.",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
		cfg.Memory.DBPath = config.ExpandPath(cfg.Memory.DBPath)
	}
	log, closeLog, err := setupLogger(cfg, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	go a.orch.Run(ctx)

	// Pushed results need the webhook receiver even without the chat page.
	if cfg.Engine.DeliveryMode == "push" {
		web := newWebChannel(cfg, a, log, false)
		go func() {
			if err := web.Start(ctx, a.bus); err != nil {
				log.Error("webhook server stopped", "err", err)
			}
		}()
	}

	cli := channel.NewCLI(channel.CLIConfig{
		Logger:  log,
		Title:   cfg.Channels.Web.Title,
		Spinner: true,
	})
	return cli.Start(ctx, a.bus)
}
