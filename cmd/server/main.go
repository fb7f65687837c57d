package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/server/auth"
	"github.com/dmitrijs2005/carelog/internal/server/config"
	"github.com/dmitrijs2005/carelog/internal/server/httpapi"
	"github.com/dmitrijs2005/carelog/internal/server/push"
	"github.com/dmitrijs2005/carelog/internal/server/storage"
)

func main() {
	log := logging.NewJSON(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "configuration error", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(cfg.JWT.Secret, cfg.JWT.Expiration)
	store := storage.New(cfg.Server.PublicURL)
	hub := push.NewHub(log, push.Options{
		WriteWait:  cfg.WebSocket.WriteWait,
		PongWait:   cfg.WebSocket.PongWait,
		PingPeriod: cfg.WebSocket.PingPeriod,
		SendBuffer: cfg.WebSocket.SendBuffer,
	})
	api := httpapi.New(store, authSvc, hub, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "record store listening", "addr", cfg.Server.Addr())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(ctx, "server stopped", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "server shut down")
}
