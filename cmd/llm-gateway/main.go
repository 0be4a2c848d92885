package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/microsoft/Shiksha-Copilot-sub001/internal/api"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/bootstrap"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/config"
	"github.com/microsoft/Shiksha-Copilot-sub001/internal/observability"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the queue configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("llm-gateway")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	q, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("assemble queue: %v", err)
	}
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := q.Initiate(initCtx); err != nil {
		cancel()
		log.Fatalf("start queue: %v", err)
	}
	cancel()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(q).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("llm-gateway listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := q.GracefulShutdown(ctx); err != nil {
		log.Printf("queue shutdown: %v", err)
	}
}
