package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/brunobiangulo/goredact"
)

func runAPI(args []string, stderr io.Writer) int {
	var (
		configPath string
		host       string
		port       int
		verbose    bool
	)
	fs := newFlagSet("api", stderr, "")
	fs.StringVar(&configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&host, "host", "", "listen host (default from config, 0.0.0.0)")
	fs.IntVar(&port, "port", 0, "listen port (default from config, 5000)")
	fs.BoolVar(&verbose, "verbose", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := goredact.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "goredact: %v\n", err)
		return exitUsage
	}
	if host != "" {
		cfg.API.Host = host
	}
	if port != 0 {
		cfg.API.Port = port
	}
	cfg.Verbose = cfg.Verbose || verbose
	setupLogging(stderr, cfg.Verbose, true)

	if err := os.MkdirAll(cfg.API.UploadDir, 0o755); err != nil {
		slog.Error("creating upload dir", "dir", cfg.API.UploadDir, "error", err)
		return exitFailed
	}
	e, err := goredact.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		return exitFailed
	}
	defer closeEngine(e)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(e, cfg.API),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // uploads
		WriteTimeout:      5 * time.Minute, // downloads
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", addr, "version", goredact.Version)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			return exitFailed
		}
	case <-ctx.Done():
		slog.Info("shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}
	slog.Info("server stopped")
	return exitOK
}

// newRouter builds the API mux wrapped in the middleware chain:
// recovery -> cors -> auth -> logging -> mux.
func newRouter(e *goredact.Engine, api goredact.APIConfig) http.Handler {
	h := newHandler(e, api)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/supported_types", h.handleSupportedTypes)
	mux.HandleFunc("POST /api/anonymize/single", h.handleAnonymizeSingle)
	mux.HandleFunc("POST /api/anonymize/batch", h.handleAnonymizeBatch)
	mux.HandleFunc("POST /api/upload/single", h.handleUploadSingle)
	mux.HandleFunc("POST /api/upload/batch", h.handleUploadBatch)
	mux.HandleFunc("GET /api/task/{id}", h.handleTask)
	mux.HandleFunc("DELETE /api/task/{id}", h.handleCancel)
	mux.HandleFunc("GET /api/download/{id}/{index}", h.handleDownload)

	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(api.Key, handler)
	handler = corsMiddleware(api.CORSOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}
