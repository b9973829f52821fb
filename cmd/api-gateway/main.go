package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/masterbase/cmd/api-gateway/middleware"
	"github.com/lgulliver/masterbase/cmd/api-gateway/routes"
	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/internal/demodata"
	"github.com/lgulliver/masterbase/internal/guard"
	"github.com/lgulliver/masterbase/internal/provision"
	"github.com/lgulliver/masterbase/internal/session"
	"github.com/lgulliver/masterbase/internal/storage"
	"github.com/lgulliver/masterbase/internal/store"
	"github.com/lgulliver/masterbase/internal/stream"
	"github.com/lgulliver/masterbase/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

// services bundles everything the HTTP layer is built from
type services struct {
	cfg       *config.Config
	guard     *guard.Guard
	sessions  *session.Registry
	streams   *stream.Router
	provision *provision.Service
	demos     *demodata.Service
	health    map[string]routes.HealthCheck
}

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Str("addr", cfg.Server.Addr()).Msg("starting masterbase api gateway")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	health := map[string]routes.HealthCheck{"database": db.Ping}

	// the key cache is optional; without it every check goes to the database
	var keyCache guard.KeyCache
	if cfg.Redis.Enabled {
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer cache.Close()
		keyCache = cache
		health["cache"] = cache.Ping
	}

	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	backend, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	archiver := storageFactory.CreateArchiver(backend)

	st := store.NewGormStore(db)
	g := guard.New(st, keyCache)
	registry := session.NewRegistry(st, g)
	streams := stream.NewRouter(g, registry, backend, archiver, cfg.Stream)

	svc := &services{
		cfg:       cfg,
		guard:     g,
		sessions:  registry,
		streams:   streams,
		provision: provision.NewService(st, cfg.Steam),
		demos:     demodata.NewService(st, archiver),
		health:    health,
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      setupRouter(svc),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	// hijacked upload connections are not tracked by the server, so live
	// streams are finalized here
	if err := streams.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to finalize live uploads")
	}
	log.Info().Msg("shutdown complete")
}

func setupRouter(svc *services) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())

	routes.StatusRoutes(router, svc.health)
	routes.SessionRoutes(router, svc.guard, svc.sessions, svc.streams)
	routes.DemoRoutes(router, svc.streams, svc.cfg.Stream.MaxFrameSize)
	routes.ProvisionRoutes(router, svc.provision, svc.cfg.Steam.PublicURL)
	routes.DemoDataRoutes(router, svc.guard, svc.demos)

	return router
}
