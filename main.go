package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tutortoise/visual-inspection-service/detections"
	"golang.org/x/xerrors"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logCloser := newLogger(cfg.Log)
	slog.SetDefault(logger)

	err = run(logger, cfg)
	logCloser.Close()
	if err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(logger *slog.Logger, cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	features := detections.CPUFeatures()
	logger.Info("starting visual inspection service",
		slog.String("backend", cfg.Model.Backend),
		slog.Any("cpu_features", features),
	)

	if cfg.Model.Backend == detections.BackendONNX {
		err := detections.InitRuntime(detections.RuntimeOptions{LibraryPath: cfg.Model.OrtLibrary})
		if err != nil {
			return err
		}
		defer detections.DestroyRuntime()
	}

	model, err := detections.LoadWithFallback(logger, cfg.Model.Path, cfg.Model.FallbackPath, detections.LoadOptions{
		Backend:    cfg.Model.Backend,
		LabelsPath: cfg.Model.LabelsPath,
		InputSize:  cfg.Model.InputSize,
		PoolSize:   cfg.Model.PoolSize,
		Threads:    cfg.Model.Threads,
	})
	if err != nil {
		logger.Error("failed to load model", slog.Any("error", traced(err)))
		return err
	}
	defer model.Close()

	state := &AppState{
		Model:          model,
		Logger:         logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		CPUFeatures:    features,
	}

	srv := &http.Server{
		Handler:      state.routes(),
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", srv.Addr))
		printBanner(os.Stderr, srv.Addr, model.Info())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return xerrors.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return xerrors.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
