package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/larkrelay/pkg/auth"
	"github.com/sipeed/larkrelay/pkg/channels"
	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/gateway"
	"github.com/sipeed/larkrelay/pkg/logger"
	"github.com/sipeed/larkrelay/pkg/providers"
	"github.com/sipeed/larkrelay/pkg/relay"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.DisableFileLogging()

		srv, err := buildServer(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.InfoCF("main", "Shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return <-errCh
	},
}

// buildServer wires the relay pipeline from configuration.
func buildServer(cfg *config.Config) (*gateway.Server, error) {
	if missing := cfg.Lark.MissingCredentials(); len(missing) > 0 {
		logger.WarnCF("main", "Lark credentials not configured; replies will fail", map[string]interface{}{
			"missing": strings.Join(missing, ","),
		})
	}
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		logger.WarnCF("main", "Completion API key not configured; users will receive a notice instead of a reply", nil)
	}

	normalizer, err := channels.NewEventNormalizer(cfg.Lark)
	if err != nil {
		return nil, err
	}

	larkClient := channels.NewLarkClient(cfg.Lark, nil)
	tokens := auth.NewTenantTokenProvider(cfg.Lark, larkClient)
	dispatcher := channels.NewLarkChannel(cfg.Lark, larkClient, tokens)
	completion := providers.NewCompletionClient(cfg.Provider, nil)

	r := relay.New(cfg.Relay, normalizer, completion, dispatcher)
	return gateway.New(cfg.Gateway, r), nil
}
