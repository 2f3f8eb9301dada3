package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marginalia/api/internal/annotations"
	"marginalia/api/internal/app"
	"marginalia/api/internal/config"
	"marginalia/api/internal/export"
	"marginalia/api/internal/gitrepo"
	"marginalia/api/internal/plans"
	"marginalia/api/internal/search"
	"marginalia/api/internal/store"
)

func main() {
	rollback := flag.Int("rollback", 0, "revert the last N migrations and exit")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if *rollback > 0 {
		reverted, err := store.RevertMigrations(ctx, db, cfg.MigrationsDir, *rollback)
		if err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		log.Printf("reverted migrations: %s", strings.Join(reverted, ", "))
		return
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	defaultTier, ok := plans.ParseTier(cfg.DefaultPlan)
	if !ok {
		log.Fatalf("unknown default plan %q", cfg.DefaultPlan)
	}
	var checker plans.Checker = plans.Static(defaultTier)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for plan subscriptions")
		redisStore, err := plans.NewRedisStore(cfg.RedisURL, defaultTier)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		checker = redisStore
	} else {
		log.Printf("Every user gets the %s plan", defaultTier)
	}

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, pgfts)
	if index != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	notes := annotations.NewService(dataStore, searchService)
	gitService := gitrepo.New(cfg.ReposDir)

	var archive export.Archive
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objectStore, err := export.NewObjectStore(ctx, export.ObjectStoreConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: export archive disabled: %v", err)
		} else {
			archive = objectStore
		}
	}
	exporter := export.NewService(gitService, notes, archive, nil)

	service := app.New(cfg, app.Deps{
		Notes:    notes,
		Content:  gitService,
		Plans:    checker,
		Search:   searchService,
		Exporter: exporter,
		DB:       dataStore,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.ExportTimeout + 15*time.Second,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
