// fakebackend serves an in-memory rendering backend for local development.
// Usage: go run ./cmd/fakebackend
package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/seantiz/kiln/internal/backend/fake"
	"github.com/seantiz/kiln/internal/config"
)

func main() {
	addr := envOr("FAKEBACKEND_LISTEN_ADDR", "127.0.0.1:8188")
	queueFor := envDuration("FAKEBACKEND_QUEUE_FOR", 500*time.Millisecond)
	runFor := envDuration("FAKEBACKEND_RUN_FOR", 2*time.Second)

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(os.Getenv("FAKEBACKEND_LOG_LEVEL")))
	srv := fake.New(fake.Config{
		QueueFor:   queueFor,
		RunFor:     runFor,
		FailMarker: fake.DefaultFailMarker,
	}, logger)

	logger.Info("fakebackend: starting", "addr", addr, "queue_for", queueFor, "run_for", runFor)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}
