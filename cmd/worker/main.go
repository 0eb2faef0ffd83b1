package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posting-pipeline/internal/bootstrap"
	"posting-pipeline/internal/shared/config"
	"posting-pipeline/internal/shared/server"
)

// closeSlack bounds the work left after the pipeline grace period: the HTTP
// server, pending deliveries and the connection pools.
const closeSlack = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	if err := run(ctx, app, server.Addr(cfg.OpsPort)); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

// run starts the pipeline and the ops server, then blocks until ctx is done
// and drains both.
func run(ctx context.Context, app *bootstrap.App, addr string) error {
	if err := app.Pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Printf("worker started ops=%s analysis=%d enrichment=%d artifacts=%d sink=%s",
		addr, app.Config.AnalysisConcurrency, app.Config.EnrichmentConcurrency,
		app.Config.ArtifactConcurrency, app.Config.DeliverySink)

	var failure error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			failure = fmt.Errorf("ops server: %w", err)
		}
	}

	grace := app.Config.ShutdownGrace
	log.Printf("shutdown requested, waiting up to %s for in-flight work", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+closeSlack)
	defer cancel()

	if err := app.Pipeline.Shutdown(shutdownCtx); err != nil {
		log.Printf("pipeline shutdown: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("ops server shutdown: %v", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		log.Printf("close dependencies: %v", err)
	}
	return failure
}
