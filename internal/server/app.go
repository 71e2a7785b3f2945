// Package server initializes and runs the upload coordinator.
// It builds the object store gateway, the session store, the merge engine and
// the cleanup machinery, serves the HTTP API and the gRPC health service, and
// shuts everything down in order on SIGINT or SIGTERM.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/cleanup"
	"github.com/dmitrijs2005/gophupload/internal/server/config"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
	"github.com/dmitrijs2005/gophupload/internal/server/health"
	"github.com/dmitrijs2005/gophupload/internal/server/httpapi"
	"github.com/dmitrijs2005/gophupload/internal/server/merge"
	"github.com/dmitrijs2005/gophupload/internal/server/metrics"
	"github.com/dmitrijs2005/gophupload/internal/server/services"
	"github.com/dmitrijs2005/gophupload/internal/server/sessions"
	"github.com/dmitrijs2005/gophupload/internal/server/tracing"

	gs "github.com/dmitrijs2005/gophupload/internal/server/grpc"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   sessions.Store
	checker *health.Checker
	cleanup *cleanup.Coordinator
	sweeper *cleanup.Sweeper
	handler http.Handler

	traceShutdown func(context.Context) error
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(c.LogLevel, c.LogFormat, os.Stdout)

	traceShutdown, err := tracing.Init(ctx, c.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing init error: %w", err)
	}

	m := metrics.New()

	raw, err := gateway.New(ctx, c.Gateway)
	if err != nil {
		return nil, fmt.Errorf("gateway init error: %w", err)
	}
	var store http.Handler
	if mg, ok := raw.(*gateway.MemoryGateway); ok {
		mg.BaseURL = publicStoreURL(c.HTTPAddr)
		store = mg.Handler()
	}
	gw := gateway.NewObserved(raw, m.Gateway)

	st, err := sessions.New(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("session store init error: %w", err)
	}

	p, err := services.NewPlanner(c.Upload)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("planner init error: %w", err)
	}

	retry := retryx.Policy{Attempts: c.Gateway.RetryAttempts, BaseDelay: c.Gateway.RetryBaseDelay}
	engine := merge.NewEngine(gw, logger, merge.DefaultStrategies(gw, c.Upload.SpillDir, retry, logger),
		merge.WithRetry(retry),
		merge.WithMetrics(m.Uploads),
	)

	coordinator := cleanup.NewCoordinator(gw, c.Cleanup, logger, m.Uploads)
	sweeper := cleanup.NewSweeper(st, gw, coordinator, c, logger, m.Uploads)

	uploads := services.NewUploadService(st, gw, p, coordinator, c, logger, m.Uploads)
	completion := services.NewCompletionService(st, gw, engine, coordinator, c, logger, m.Uploads)

	checker := health.NewChecker(st, gw)
	handler := httpapi.NewRouter(httpapi.NewHandler(uploads, completion, logger), httpapi.RouterOptions{
		Checker: checker,
		Metrics: m,
		Store:   store,
	})

	logger.Info(ctx, "Components initialized",
		"gateway", c.Gateway.Driver,
		"sessions", c.Sessions.Driver,
		"strategies", engine.Strategies(),
	)

	return &App{
		config:        c,
		logger:        logger,
		store:         st,
		checker:       checker,
		cleanup:       coordinator,
		sweeper:       sweeper,
		handler:       handler,
		traceShutdown: traceShutdown,
	}, nil
}

// publicStoreURL is the base of presigned URLs served by the in-memory store.
func publicStoreURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + httpapi.StorePrefix
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:              app.config.HTTPAddr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			app.logger.Error(sctx, "HTTP server shutdown failed", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.HealthAddrGRPC, app.logger, app.checker)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startSweeper(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.sweeper.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	if app.config.HealthAddrGRPC != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startGRPCServer(ctx, cancelFunc)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startSweeper(ctx, cancelFunc)
	}()

	wg.Wait()

	app.shutdown(context.WithoutCancel(ctx))
}

// shutdown drains background cleanup before releasing the stores.
func (app *App) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, app.config.ShutdownTimeout)
	defer cancel()

	if err := app.cleanup.Shutdown(ctx); err != nil {
		app.logger.Warn(ctx, "cleanup shutdown incomplete", "error", err)
	}
	if err := app.traceShutdown(ctx); err != nil {
		app.logger.Warn(ctx, "tracing shutdown failed", "error", err)
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn(ctx, "session store close failed", "error", err)
	}

	app.logger.Info(ctx, "App stopped")
}
