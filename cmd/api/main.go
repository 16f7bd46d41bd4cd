package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loom/api/internal/app"
	"loom/api/internal/cache"
	"loom/api/internal/config"
	"loom/api/internal/identity"
	"loom/api/internal/media"
	"loom/api/internal/search"
	"loom/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgDirectory := search.NewPgDirectory(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgDirectory)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	var pageCache *cache.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		pageCache, err = cache.NewRedisCache(cfg.RedisURL, cfg.PageCacheTTL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, page caching disabled: %v", err)
			pageCache = nil
		} else {
			defer pageCache.Close()
		}
	}

	var mediaService *media.Service
	if strings.TrimSpace(cfg.MediaEndpoint) != "" {
		mediaService, err = media.New(ctx, cfg.MediaEndpoint, cfg.MediaAccessKey, cfg.MediaSecretKey, cfg.MediaBucket, cfg.MediaUseSSL, cfg.MediaBaseURL)
		if err != nil {
			log.Fatalf("media storage init failed: %v", err)
		}
	}

	service := app.New(cfg, dataStore, searchService, pageCache)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: search reindex failed (will catch up on writes): %v", err)
	}

	httpServer := app.NewHTTPServer(
		service,
		mediaService,
		cachePages(pageCache),
		[]byte(cfg.SessionSecret),
		identity.ParseWebhookSecret(cfg.WebhookSecret),
		cfg.CORSOrigin,
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Loom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// cachePages keeps the HTTP server's cache interface nil when Redis is off;
// a typed nil *RedisCache would otherwise pass the nil checks.
func cachePages(c *cache.RedisCache) app.PageCache {
	if c == nil {
		return nil
	}
	return c
}
