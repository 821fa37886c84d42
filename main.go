package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackunblock/work/app"
	"trackunblock/work/config"
	"trackunblock/work/handlers"
	"trackunblock/work/logger"
	"trackunblock/work/middleware"
	"trackunblock/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// newRouter builds the full route table for a.
func newRouter(a *app.App) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Logging)

	obfuscate := a.Config.ObfuscateUrls

	// Resolution as JSON
	router.HandleFunc("/resolve", middleware.CORS(middleware.Gzip(handlers.HandleResolve(a.Resolver, obfuscate)))).Methods("GET", "OPTIONS")

	// Player-facing redirect
	router.HandleFunc("/stream/{id:[0-9]+}", handlers.HandleStream(a.Resolver, obfuscate)).Methods("GET", "HEAD")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, a)

	return router
}

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	a, err := app.New(cfg)
	if err != nil {
		logger.Error("{main - main} Startup failed: %v", err)
		os.Exit(1)
	}
	defer a.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting Track Unblock %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen: %s", cfg.ListenAddr)
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Server URL: %s", utils.LogURL(cfg.ObfuscateUrls, cfg.ServerURL))
	logger.Info("  - Sources: %d (%d enabled)", len(a.Store.All()), len(a.Store.List()))
	logger.Info("  - Built-in Defaults: %v", a.Store.DefaultsEnabled())
	logger.Info("  - Backend Timeout: %s", cfg.BackendTimeout)
	logger.Info("  - Probe Workers: %d", cfg.ProbeWorkers)
	logger.Info("  - Probe Interval: %s", cfg.ProbeInterval)
	logger.Info("  - Verify Streams: %v", cfg.VerifyStreams)
	logger.Info("  - Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("  - Cache Duration: %s", cfg.CacheDuration)
	logger.Info("  - Log Level: %s", logger.GetLogLevel())
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// probe at startup and then on the configured interval
	a.Watcher.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("{main - main} Received %s, shutting down", sig)
	case err := <-errCh:
		logger.Error("{main - main} Server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("{main - main} Shutdown did not complete cleanly: %v", err)
	}
}
