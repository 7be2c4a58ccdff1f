// Command fake-engine serves a local stand-in for the reasoning engine's
// kickoff and status API, for demos and manual testing of the relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threadrelay/internal/fakeengine"

	"github.com/spf13/cobra"
)

func main() {
	var (
		addr       string
		token      string
		delay      time.Duration
		duplicates int
		debug      bool
	)

	root := &cobra.Command{
		Use:   "fake-engine",
		Short: "Local reasoning engine that echoes questions back",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			engine := fakeengine.New(fakeengine.Config{
				Token:          token,
				Delay:          delay,
				PushDuplicates: duplicates,
				Logger:         logger,
			})
			srv := &http.Server{
				Addr:              addr,
				Handler:           engine.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("fake engine listening", "addr", addr, "delay", delay)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		},
	}

	root.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	root.Flags().StringVar(&token, "token", "", "bearer token required on requests (empty accepts any)")
	root.Flags().DurationVar(&delay, "delay", 2*time.Second, "time until a job completes")
	root.Flags().IntVar(&duplicates, "push-duplicates", 0, "extra copies of each webhook push")
	root.Flags().BoolVar(&debug, "debug", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
