package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/Brownie44l1/imgfx-api/internal/envconfig"
	"github.com/Brownie44l1/imgfx-api/internal/handlers"
	"github.com/Brownie44l1/imgfx-api/internal/logutil"
	"github.com/Brownie44l1/imgfx-api/internal/model"
	"github.com/Brownie44l1/imgfx-api/internal/session"
)

func corsHandler(h http.Handler) http.Handler {
	origins := envconfig.AllowedOrigins()
	if len(origins) == 0 {
		return cors.AllowAll().Handler(h)
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Sec-CH-DPR", "Sec-CH-Viewport-Width"},
		ExposedHeaders: []string{"X-Request-ID", "X-Scale-Factor", "X-Backends"},
	}).Handler(h)
}

func main() {
	log := logutil.New(os.Stderr, envconfig.LogLevel())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := session.NewORTFactory(session.ORTConfig{
		LibraryPath: envconfig.ORTLibrary(),
		NumThreads:  int(envconfig.NumThreads()),
		DeviceID:    int(envconfig.DeviceID()),
	})
	manager := session.NewManager(factory,
		session.WithCandidates(envconfig.Backends()),
		session.WithLogger(log),
	)

	processor, err := model.NewProcessor(envconfig.Models(), manager, log)
	if err != nil {
		log.Error("failed to initialize models", "error", err)
		os.Exit(1)
	}
	defer processor.Close()

	handler := handlers.NewHandler(processor, int64(envconfig.MaxUpload()), int64(envconfig.MaxPixels()), log)
	srv := &http.Server{
		Addr:              envconfig.Host(),
		Handler:           corsHandler(handler.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("server config", "env", envconfig.Values())
	for _, task := range model.Tasks() {
		log.Info("model registered", "task", task, "path", processor.ModelPath(task))
	}
	log.Info("server starting", "addr", srv.Addr)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			processor.Close()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}
