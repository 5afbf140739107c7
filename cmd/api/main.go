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

	"github.com/redis/go-redis/v9"

	"eegflow/api/internal/app"
	"eegflow/api/internal/blob"
	"eegflow/api/internal/config"
	"eegflow/api/internal/email"
	"eegflow/api/internal/ledger"
	"eegflow/api/internal/search"
	"eegflow/api/internal/session"
	"eegflow/api/internal/store"
	"eegflow/api/internal/sync"
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

	if err := os.MkdirAll(cfg.LedgersDir, 0o755); err != nil {
		log.Fatalf("failed to create ledgers dir: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	dataStore := store.NewPostgresStore(db, store.NewRedisPublisher(redisClient, cfg.ChangeChannel))
	sessions := session.NewRedisStoreWithClient(redisClient, cfg.SessionTTL)
	ledgerService := ledger.New(cfg.LedgersDir)

	var meiliClient *search.Meili
	var remote search.Remote
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		remote = meiliClient
		defer meiliClient.Close()
	}

	// The local tier scans the service's snapshot; the service does not exist
	// yet, so the closure binds late.
	var service *app.Service
	local := search.NewLocal(func() []search.SnapshotEntry {
		if service == nil {
			return nil
		}
		return service.Snapshot()
	})
	router := search.NewRouter(remote, local, cfg.SearchDebounce, cfg.SearchTimeout)

	feed := sync.New(redisClient, cfg.ChangeChannel)
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	go feed.Run(feedCtx)
	defer feed.Close()

	var blobStore *blob.Service
	if strings.TrimSpace(cfg.MinioAccessKey) != "" {
		blobStore, err = blob.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
	} else {
		log.Printf("WARNING: attachment storage not configured, uploads disabled")
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	deps := app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Ledger:   ledgerService,
		Search:   router,
		Feed:     feed,
		Email:    mailer,
	}
	if meiliClient != nil {
		deps.Index = meiliClient
	}
	if blobStore != nil {
		deps.Blobs = blobStore
	}
	service = app.New(cfg, deps)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the watch endpoint holds event streams open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("EEGFlow API listening on %s", cfg.Addr)
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
