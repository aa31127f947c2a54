package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/term"

	"github.com/iconidentify/moegrabba/internal/api"
	"github.com/iconidentify/moegrabba/internal/api/handler"
	"github.com/iconidentify/moegrabba/internal/config"
	"github.com/iconidentify/moegrabba/internal/downloader"
	"github.com/iconidentify/moegrabba/internal/pipeline"
	"github.com/iconidentify/moegrabba/internal/repository"
	"github.com/iconidentify/moegrabba/internal/service"
	"github.com/iconidentify/moegrabba/internal/worker"
	"github.com/iconidentify/moegrabba/pkg/pixiv"
	"github.com/iconidentify/moegrabba/pkg/ugoira"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("moegrabba %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting moegrabba",
		"version", Version,
		"build_time", BuildTime,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Storage.BasePath, 0755); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	// One server per storage directory; two would race on the same files.
	lock := flock.New(filepath.Join(cfg.Storage.BasePath, ".moegrabba.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire storage lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("storage directory %s is in use by another instance", cfg.Storage.BasePath)
	}
	defer lock.Unlock()

	history, err := repository.OpenHistory(cfg.Storage.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()

	jobRepo := repository.NewMemoryJobQueue()
	store := repository.NewFilesystemMediaStore(cfg.Storage, logger)
	dl := downloader.NewHTTPDownloader(cfg.Download, logger)

	computePool := pipeline.NewComputePool(cfg.Worker.TranscodeWorkers, logger)
	defer computePool.Close()

	runner := pipeline.NewRunner(dl, store, history, computePool, logger)
	transcoder := ugoira.NewTranscoder(logger)
	pixivClient := pixiv.NewClient(cfg.Pixiv, cfg.Download.UserAgent, transcoder, logger)

	itemSvc, err := service.NewItemService(
		[]service.Site{pixivClient},
		jobRepo,
		history,
		runner,
		cfg.Download,
		cfg.Worker,
		logger,
	)
	if err != nil {
		return err
	}

	itemHandler := handler.NewItemHandler(itemSvc, logger)
	healthHandler := handler.NewHealthHandler(jobRepo, history, cfg.Storage.BasePath)
	router := api.NewRouter(itemHandler, healthHandler, cfg.Server.APIKey, logger)

	pool := worker.NewPool(
		worker.Config{
			Workers:      cfg.Worker.Count,
			PollInterval: cfg.Worker.PollInterval,
			IsPermanent:  service.IsPermanent,
		},
		jobRepo,
		itemSvc,
		logger,
	)
	pool.Start()

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// In-flight jobs are cancelled and requeued.
	if err := pool.Stop(25 * time.Second); err != nil {
		logger.Error("worker pool shutdown error", "error", err)
	}

	return runErr
}

// newLogger builds the process logger. An empty format picks text for an
// interactive terminal and JSON otherwise.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "text"
		}
	}

	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
