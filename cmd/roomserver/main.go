// Roomserver: reference signaling server for meshroom participants.
//
// Serves the WebSocket signaling endpoint at /ws, /health and
// /api/rooms/:roomId. Rosters are mirrored to Redis when --redis (or
// REDIS_ADDR / REDIS_HOST) is set, otherwise kept in memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/roomserver"
	"github.com/1ureka/meshroom/internal/util"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := pflag.NewFlagSet("roomserver", pflag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	config.RegisterServerFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadServer(*configPath)
	if err == nil {
		err = cfg.ApplyFlags(fs)
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	pterm.Info.Println(fmt.Sprintf("Roomserver v%s", version))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("server stopped")
}

func run(ctx context.Context, cfg config.Server) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	srv := roomserver.New(cfg, store)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.JWTSecret == config.DefaultServer().JWTSecret {
		util.LogWarning("using the built-in JWT secret; set JWT_SECRET outside development")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		util.LogSuccess("listening on %s (max %d per room, auto-create %t)",
			cfg.Addr, cfg.MaxParticipants, cfg.AutoCreateRooms)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		util.LogInfo("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown does not touch hijacked WebSockets; Close drops them.
		err := httpSrv.Shutdown(shutdownCtx)
		return errors.Join(err, srv.Close())
	})

	util.StartStatsReporter(gctx)

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Server) (roomserver.RosterStore, error) {
	if cfg.Redis.Addr == "" {
		util.LogInfo("roster kept in memory")
		return roomserver.NewMemoryStore(), nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := roomserver.NewRedisStore(dialCtx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	util.LogInfo("roster mirrored to Redis at %s", cfg.Redis.Addr)
	return store, nil
}
