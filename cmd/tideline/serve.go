package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/tideline/internal/api"
	"github.com/livinlefevreloca/tideline/internal/observability"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the HTTP API and the metrics endpoint",
		RunE:  runServe,
	}
	cmd.Flags().Bool("no-scheduler", false, "Serve the API without the scheduler loop")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := newEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close(defaultGracefulTimeout)
	logger := e.logger

	var servers []*http.Server
	errs := make(chan error, 2)

	if e.cfg.Metrics.Enabled {
		r := chi.NewRouter()
		r.Handle("/metrics", observability.Handler())
		srv := newHTTPServer(e.cfg.Metrics.Address, e.cfg.Metrics.Port, r)
		servers = append(servers, srv)
		logger.Info("metrics enabled", "address", srv.Addr)
		go serveHTTP(srv, errs)
	}

	if e.cfg.HTTP.Enabled {
		opts := []api.ServerOption{api.WithLogger(logger)}
		if e.cfg.HTTP.JWTSecret != "" {
			opts = append(opts, api.WithAuth(api.AuthConfig{Secret: e.cfg.HTTP.JWTSecret, Issuer: e.cfg.HTTP.JWTIssuer}))
		}
		router := api.NewServer(api.Services{
			DB:          e.db,
			Coordinator: e.coordinator,
			Scheduler:   e.scheduler,
			Registry:    e.registry,
			Events:      e.events,
		}, opts...)
		srv := newHTTPServer(e.cfg.HTTP.Address, e.cfg.HTTP.Port, router)
		servers = append(servers, srv)
		logger.Info("http api enabled", "address", srv.Addr, "auth", e.cfg.HTTP.JWTSecret != "")
		go serveHTTP(srv, errs)
	}

	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
	schedulerDone := make(chan struct{})
	if noScheduler {
		close(schedulerDone)
	} else {
		go func() {
			defer close(schedulerDone)
			e.scheduler.Run(ctx)
		}()
	}

	logger.Info("tideline is running")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case serveErr = <-errs:
		logger.Error("http server failed", "error", serveErr)
	}

	e.scheduler.Shutdown()
	<-schedulerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "address", srv.Addr, "error", err)
		}
	}
	return serveErr
}

// newHTTPServer has no write timeout so that followed event streams stay open.
func newHTTPServer(address string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(address, strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: serverReadTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func serveHTTP(srv *http.Server, errs chan<- error) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s: %w", srv.Addr, err)
	}
}
