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
	"unicode/utf8"

	"ejunz/api/internal/app"
	"ejunz/api/internal/config"
	"ejunz/api/internal/events"
	"ejunz/api/internal/gitsync"
	"ejunz/api/internal/search"
	"ejunz/api/internal/storage"
	"ejunz/api/internal/store"
	"ejunz/api/internal/ws"

	"go.uber.org/zap"
)

const snippetBytes = 200

// scanFallback adapts the Mongo card scan to the search fallback interface.
type scanFallback struct {
	store *store.MongoStore
}

func (f *scanFallback) ScanCards(ctx context.Context, domainID, query string, limit int) ([]search.Result, error) {
	hits, err := f.store.ScanCards(ctx, domainID, query, limit)
	if err != nil {
		return nil, err
	}
	results := make([]search.Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, search.Result{
			ID:      hit.Card.ID,
			DocID:   hit.DocID,
			NodeID:  hit.Card.NodeID,
			Title:   hit.Card.Title,
			Snippet: snippet(hit.Card.Content),
		})
	}
	return results, nil
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= snippetBytes {
		return content
	}
	cut := snippetBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	client, err := store.Open(ctx, cfg.MongoURL)
	if err != nil {
		logger.Fatal("mongo connection failed", zap.Error(err))
	}
	defer client.Disconnect(ctx)

	dataStore := store.NewMongoStore(client, cfg.MongoDB)
	if err := dataStore.EnsureIndexes(ctx); err != nil {
		logger.Fatal("index creation failed", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal("create repos dir", zap.Error(err))
	}
	gitService := gitsync.New(cfg.ReposDir)

	hub := ws.NewHub()

	var bus events.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBus, err := events.NewRedisBus(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisBus.Close()
		redisBus.Subscribe(ctx, hub.Broadcast)
		bus = redisBus
		logger.Info("event fan-out via redis enabled")
	} else {
		logger.Info("redis disabled, events stay instance-local")
	}

	var blobs *storage.Blobs
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err = storage.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			logger.Fatal("minio connection failed", zap.Error(err))
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			logger.Fatal("bucket creation failed", zap.Error(err))
		}
	} else {
		logger.Info("minio disabled, attachments unavailable")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, &scanFallback{store: dataStore})

	opts := app.Options{
		Store:  dataStore,
		Git:    gitService,
		Search: searchService,
		Bus:    bus,
		Hub:    hub,
		Logger: logger,
	}
	if blobs != nil {
		opts.Blobs = blobs
	}
	service := app.New(cfg, opts)

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
