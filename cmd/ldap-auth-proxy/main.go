// Package main provides the entry point for the LDAP auth proxy.
// It parses the configuration, starts the LDAP listener and the optional
// HTTP ops endpoint, and handles graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldap-auth-proxy/internal/config"
	"github.com/netresearch/ldap-auth-proxy/internal/proxy"
	"github.com/netresearch/ldap-auth-proxy/internal/version"
	"github.com/netresearch/ldap-auth-proxy/internal/web"
)

const (
	shutdownTimeout    = 30 * time.Second
	healthCheckTimeout = 3 * time.Second
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	fConfig := flag.String("config", "", "Path to the configuration file. Required.")
	fHealthCheck := flag.Bool("health-check", false,
		"Probe the HTTP ops endpoint of a running proxy and exit. Used by container healthchecks.")
	flag.Parse()

	if *fConfig == "" {
		log.Error().Msg("No configuration file given, use --config")
		os.Exit(1)
	}

	cfg, err := config.Load(*fConfig)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	if *fHealthCheck {
		os.Exit(runHealthCheck(cfg))
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	log.Logger = log.Logger.Level(level)

	log.Info().Msgf("LDAP auth proxy %s starting...", version.FormatVersion())

	listener, err := proxy.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Could not initialize the proxy")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *cfg.Backend.TestConnection {
		probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Backend.ConnectTimeout.Std())
		listener.ProbeBackend(probeCtx)
		probeCancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- listener.ListenAndServe(ctx)
	}()

	var ops *web.App
	if cfg.HTTP.Endpoint != "" {
		ops = web.NewApp(listener.Stats, listener.Ready)
		go func() {
			if err := ops.Listen(cfg.HTTP.Endpoint); err != nil {
				log.Error().Err(err).Msg("HTTP ops endpoint failed")
			}
		}()
	}

	listenerDone := false
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		listenerDone = true
		if err != nil {
			log.Error().Err(err).Msg("Listener error")
		}
	}

	log.Info().Msg("Initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Error shutting down the HTTP ops endpoint")
		}
	}

	// Wait for the listener to drain its connections.
	if !listenerDone {
		select {
		case <-serverErr:
		case <-shutdownCtx.Done():
			log.Warn().Msg("Shutdown timed out")
		}
	}

	log.Info().Msg("Graceful shutdown complete")
}

// runHealthCheck probes the HTTP ops endpoint of a running proxy.
// Returns 0 if healthy (HTTP 200), 1 otherwise.
func runHealthCheck(cfg *config.Config) int {
	if cfg.HTTP.Endpoint == "" {
		log.Error().Msg("The health check needs http.endpoint to be configured")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/live", cfg.HTTP.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return 0
	}

	return 1
}
