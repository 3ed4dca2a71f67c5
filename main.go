package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xingzihai/listen-sync/internal/config"
	"github.com/xingzihai/listen-sync/internal/db"
	"github.com/xingzihai/listen-sync/internal/hub"
	"github.com/xingzihai/listen-sync/internal/library"
	"github.com/xingzihai/listen-sync/internal/logger"
	"github.com/xingzihai/listen-sync/internal/protocol"
	"github.com/xingzihai/listen-sync/internal/room"
	"github.com/xingzihai/listen-sync/internal/server"
	syncpkg "github.com/xingzihai/listen-sync/internal/sync"
	"github.com/xingzihai/listen-sync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	catalog, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer catalog.Close()

	lib, err := library.New(cfg.MusicDir, catalog, cfg.MaxUploadBytes, log)
	if err != nil {
		return err
	}
	if err := lib.Reconcile(); err != nil {
		return err
	}

	clock := syncpkg.SystemClock
	store := room.NewStore(clock, log)
	bc := hub.NewBroadcaster(clock, log)
	reg := hub.NewRegistry(store, bc, clock, log)
	handler := protocol.NewHandler(store, bc, clock, log)
	wss := ws.NewServer(reg, handler, cfg.AllowedOrigins, ws.Options{
		PingInterval:         cfg.WSPingInterval,
		PongWait:             cfg.WSPongWait,
		MaxMessagesPerSecond: cfg.WSMaxMessagesPerSecond,
		SendBuffer:           cfg.WSSendBuffer,
	}, log)

	srv := server.New(server.Deps{
		Config:   cfg,
		Store:    store,
		Registry: reg,
		WS:       wss,
		Library:  lib,
		Log:      log,
	}).HTTPServer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listen-sync starting", "addr", cfg.HTTPAddr, "default_room", cfg.DefaultRoom)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return store.RunJanitor(ctx, cfg.RoomIdleTTL, cfg.RoomSweepInterval)
	})
	g.Go(func() error {
		return lib.Watch(ctx)
	})

	return g.Wait()
}
