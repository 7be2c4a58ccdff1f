package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"threadrelay/internal/channel"
	"threadrelay/internal/config"
	"threadrelay/internal/domain"
	"threadrelay/internal/metrics"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay with every enabled front end",
		Long: `Starts the HTTP server (web chat, webhook receiver, health, metrics),
the enabled platform channels (Slack, Telegram, Discord), the optional
OpenAI-compatible API and the message loop. Press Ctrl+C to stop.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := setupLogger(cfg, slog.LevelDebug)
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

	channels := buildChannels(cfg, a, log)
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, a.bus); err != nil {
				log.Error("channel stopped", "channel", ch.Name(), "err", err)
			}
		}(ch)
	}

	log.Info("threadrelay started", "version", version, "channels", len(channels))

	<-ctx.Done()
	log.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				log.Warn("channel stop", "channel", ch.Name(), "err", err)
			}
		}
		wg.Wait()
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		log.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// buildChannels returns the HTTP server first, then every enabled platform.
// The HTTP server always runs because it hosts the webhook receiver.
func buildChannels(cfg *config.Config, a *app, log *slog.Logger) []domain.Channel {
	channels := []domain.Channel{newWebChannel(cfg, a, log, cfg.Channels.Web.Enabled)}

	if c := cfg.Channels.Slack; c.Enabled {
		if c.BotToken == "" || c.AppToken == "" {
			log.Warn("slack enabled without botToken and appToken, skipping")
		} else {
			channels = append(channels, channel.NewSlack(channel.SlackConfig{
				BotToken:  c.BotToken,
				AppToken:  c.AppToken,
				Activator: a.orch,
				Logger:    log,
			}))
		}
	}

	if c := cfg.Channels.Telegram; c.Enabled {
		if c.Token == "" {
			log.Warn("telegram enabled without a token, skipping")
		} else {
			channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
				Token:     c.Token,
				AllowFrom: []string(c.AllowFrom),
				ParseMode: c.ParseMode,
				Greeting:  a.orch.Greeting(),
				Logger:    log,
			}))
		}
	}

	if c := cfg.Channels.Discord; c.Enabled {
		if c.Token == "" {
			log.Warn("discord enabled without a token, skipping")
		} else {
			channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
				Token:   c.Token,
				GuildID: c.GuildID,
				Logger:  log,
			}))
		}
	}

	if cfg.API.Enabled {
		channels = append(channels, channel.NewAPIGateway(channel.APIGatewayConfig{
			Port:    cfg.API.Port,
			APIKey:  cfg.API.APIKey,
			Replier: a.orch,
			Logger:  log,
		}))
	}

	return channels
}

func newWebChannel(cfg *config.Config, a *app, log *slog.Logger, chatUI bool) *channel.Web {
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Collector.Handler()
	}
	return channel.NewWeb(channel.WebConfig{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		Title:         cfg.Channels.Web.Title,
		CookieName:    cfg.Channels.Web.CookieName,
		ChatUI:        chatUI,
		Turns:         a.orch,
		Results:       a.dispatcher,
		StreamTimeout: streamBudget(cfg),
		Webhook:       a.webhook,
		WebhookPath:   cfg.Webhook.Path,
		Metrics:       metricsHandler,
		MetricsPath:   cfg.Metrics.Endpoint,
		Events:        a.events,
		Config:        cfg,
		Version:       version,
		Logger:        log,
	})
}
