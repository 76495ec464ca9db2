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

	"marginalia/internal/app"
	"marginalia/internal/cache"
	"marginalia/internal/config"
	"marginalia/internal/extract"
	"marginalia/internal/objstore"
	"marginalia/internal/parse"
	"marginalia/internal/search"
	"marginalia/internal/store"
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
	parseCache := parse.NewCache(dataStore, cfg.ParseURLTTL)
	service := app.New(cfg, dataStore, parseCache)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		graphCache, err := cache.NewGraphCache(cfg.RedisURL, cache.DefaultTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer graphCache.Close()
		service.SetGraphCache(graphCache)
		log.Printf("Using Redis graph cache")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	service.SetSearch(searchService)
	searchService.ReindexAllFromPG(ctx)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := objstore.New(ctx, objstore.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		service.SetArchive(archive)
		log.Printf("Archiving uploads to %s/%s", cfg.MinioEndpoint, cfg.MinioBucket)
	}

	if !cfg.ChromeDisabled {
		service.SetURLExtractor(extract.NewChromeExtractor(30 * time.Second))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Marginalia API listening on %s", cfg.Addr)
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
