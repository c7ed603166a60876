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

	"github.com/spf13/cobra"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/llm/providers/proxy"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		token      string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Relay model streams so clients never hold provider keys",
		Long: `Serve exposes POST /stream: clients send a model, conversation context, and
stream options; the server resolves the provider key and relays the response
as server-sent events. Point a client at it with provider "proxy".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, addr, token)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", agent.DefaultConfigPath(), "config file (supplies keys and bedrock region; optional)")
	cmd.Flags().StringVar(&addr, "addr", ":8790", "listen address")
	cmd.Flags().StringVar(&token, "token", os.Getenv("HALYARD_PROXY_TOKEN"), "bearer token clients must present")
	return cmd
}

func runServe(configPath, addr, token string) error {
	cfg, err := agent.LoadFileConfig(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = &agent.FileConfig{Provider: "openai"}
	} else if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := &http.Server{
		Addr:    addr,
		Handler: proxy.NewHandler(registry, apiKeyFor(cfg), token),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("proxy listening", "addr", addr, "auth", token != "")

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
