package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/httpapi"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/svc"
	"github.com/notno/agentcom/internal/wsagent"
)

// ServeCmd starts the hub: the agent-facing WebSocket/HTTP control surface
// on hub_port, and the Prometheus scrape endpoint on metrics_port.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the AgentCom hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svcCtx, err := svc.New(cfg, svc.Options{BuildFrame: wsagent.BuildPushTaskFrame})
	if err != nil {
		return fmt.Errorf("initialize service context: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svcCtx.Start(ctx); err != nil {
		return fmt.Errorf("start service context: %w", err)
	}
	defer svcCtx.Stop()

	hubMux := buildHubMux(svcCtx)
	hubSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HubPort), Handler: hubMux}
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: httpapi.MetricsHandler()}

	errCh := make(chan error, 2)
	go func() {
		logging.Infof("hub listening on %s", hubSrv.Addr)
		if err := hubSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("hub server: %w", err)
		}
	}()
	go func() {
		logging.Infof("metrics listening on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Infof("received signal %v, shutting down", sig)
	case err := <-errCh:
		logging.Errorf("server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = hubSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	cancel()

	return nil
}

// buildHubMux mounts the agent WebSocket endpoint alongside the REST
// control surface (spec.md §6) on the same listener.
func buildHubMux(svcCtx *svc.ServiceContext) http.Handler {
	mux := http.NewServeMux()
	wsHandler := wsagent.New(svcCtx.Tokens, svcCtx.Supervisor, svcCtx.Tasks, svcCtx.Router, svcCtx.RateLimiter, svcCtx.Validator)
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", httpapi.New(svcCtx))
	return mux
}
