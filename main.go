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

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/arung-agamani/reversecache/internal/adminauth"
	"github.com/arung-agamani/reversecache/internal/cachedb"
	"github.com/arung-agamani/reversecache/internal/catalog"
	"github.com/arung-agamani/reversecache/internal/config"
	"github.com/arung-agamani/reversecache/internal/media"
	"github.com/arung-agamani/reversecache/internal/provider"
	"github.com/arung-agamani/reversecache/internal/reverse"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	slog.Info("starting cache engine",
		"port", cfg.Port,
		"cache_dir", cfg.CacheDir,
		"upstream", cfg.UpstreamBaseURL,
	)

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		slog.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}

	db, err := cachedb.Open(cfg.CacheDBDir)
	if err != nil {
		slog.Error("failed to open cache database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	engine := reverse.NewEngine(cfg.CacheDir, db)
	engine.Start()
	defer engine.Stop()

	var local *provider.LocalProvider
	var upstream *provider.HTTPProvider
	if cfg.LocalMediaDir != "" {
		local = provider.NewLocalProvider(cfg.LocalMediaDir)
	} else {
		upstream = provider.NewHTTPProvider(cfg.UpstreamBaseURL, &http.Client{Timeout: 30 * time.Second})
	}

	adminAuth := adminauth.New(adminauth.Config{
		Username:           cfg.AdminUsername,
		Password:           cfg.AdminPassword,
		Secret:             cfg.AdminSecret,
		TokenTTL:           cfg.AdminTokenTTL,
		MaxLoginAttempts:   cfg.MaxLoginAttempts,
		LoginWindowSeconds: cfg.LoginWindowSeconds,
	})

	handlers := media.NewHandlers(engine, cat, upstream, local)
	adminHandlers := media.NewAdminHandlers(adminAuth, engine, db)

	router := gin.New()
	router.Use(gin.Recovery(), media.SecurityHeaders())

	router.GET("/image/:itemType/:id/:imageType", handlers.Image)
	router.GET("/audio/song/:id", handlers.Audio)

	router.GET("/admin/health", media.Health)
	router.POST("/admin/login", adminHandlers.Login)
	admin := router.Group("/admin")
	admin.Use(media.AdminRequired(adminAuth))
	admin.GET("/stats", adminHandlers.Stats)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
