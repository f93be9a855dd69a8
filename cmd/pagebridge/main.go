package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pagebridge/pagebridge/internal/config"
	"github.com/pagebridge/pagebridge/internal/httpapi"
	"github.com/pagebridge/pagebridge/internal/syncengine"
)

func main() {
	addr := os.Getenv("PAGEBRIDGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	kv, err := syncengine.NewKVStoreFromDSN(os.Getenv("PAGEBRIDGE_KV_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize kv store: %v", err)
	}
	logStore, err := syncengine.NewSyncLogStoreFromDSN(os.Getenv("PAGEBRIDGE_KV_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize sync log store: %v", err)
	}
	syncLog := syncengine.NewSyncLog(logStore)

	var fileSource *config.FileSource
	if path := strings.TrimSpace(os.Getenv("PAGEBRIDGE_SETTINGS_FILE")); path != "" {
		fileSource, err = config.NewFileSource(path)
		if err != nil {
			log.Fatalf("failed to load settings file: %v", err)
		}
		defer fileSource.Close()
	}
	settings := config.NewProvider(kv, config.ProviderOptions{File: fileSource})

	factory := syncengine.NewHTTPClientFactory(nil, syncengine.RetryOptions{
		MaxRetries:   intEnv("PAGEBRIDGE_MAX_RETRIES", 0),
		InitialDelay: durationEnv("PAGEBRIDGE_RETRY_INITIAL_DELAY", 0),
		MaxDelay:     durationEnv("PAGEBRIDGE_RETRY_MAX_DELAY", 0),
	})

	// Credentials and the field mapping are resolved per operation, so
	// settings edits made through the API apply without a restart.
	orchestrator := syncengine.NewOrchestrator(factory, settings, syncLog)
	ingestor := syncengine.NewIngestor(kv, factory, settings, orchestrator, syncengine.IngestorOptions{})
	backfill := syncengine.NewBackfillService(kv, factory, settings, syncengine.BackfillOptions{
		BatchSize: intEnv("PAGEBRIDGE_BACKFILL_BATCH_SIZE", 0),
	})

	server := httpapi.NewServer(ingestor, backfill, syncLog, settings, factory, httpapi.ServerConfig{
		APIToken:        os.Getenv("PAGEBRIDGE_API_TOKEN"),
		WebhookSecret:   os.Getenv("PAGEBRIDGE_WEBHOOK_SECRET"),
		RateLimitMax:    intEnv("PAGEBRIDGE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("PAGEBRIDGE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("PAGEBRIDGE_MAX_BODY_BYTES", 0),
	})

	log.Printf("pagebridge listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
