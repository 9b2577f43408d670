package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lfusys/recorder-uploads/caching"
	"github.com/lfusys/recorder-uploads/handlers"
	"github.com/lfusys/recorder-uploads/health"
	"github.com/lfusys/recorder-uploads/queues"
	"github.com/lfusys/recorder-uploads/services"
	"github.com/lfusys/recorder-uploads/store"
)

// Services wires the Session Registry, Chunk Store and background
// workers from spec §4 together with the optional AWS-backed domain
// components (the domain stack), following the process's
// BuildServices/Shutdown cascade in services.go.
type Services struct {
	Registry    *store.Registry
	ChunkStore  *store.ChunkStore
	Cache       caching.CachingService
	Assembler   *services.Assembler
	Coordinator *services.CompletionCoordinator
	Sweeper     *services.Sweeper

	Ledger    *store.Ledger
	Archiver  *store.Archiver
	Publisher *queues.EventPublisher

	UploadHandler *handlers.UploadHandler
	HealthHandler *handlers.HealthHandler
	DebugHandler  *handlers.DebugHandler
}

// BuildServices assembles the dependency graph. Every AWS-backed
// component is nil unless its config gate is enabled; the Assembler
// and the handlers treat a nil LedgerSink/EventPublisher/
// ArtifactArchiver/CachingService as "component disabled", not an
// error, per the optional, non-authoritative framing these components share.
func BuildServices(app *App) (*Services, error) {
	cfg := app.Config

	cs, err := store.NewChunkStore(cfg.Storage.Root, cfg.Storage.SessionIdentifierAlphabet)
	if err != nil {
		return nil, fmt.Errorf("init chunk store: %w", err)
	}

	registry := store.NewRegistry()
	if n, err := registry.Hydrate(cs); err != nil {
		app.Logger.Error("registry hydration failed", "error", err)
	} else if n > 0 {
		app.Logger.Info("registry hydrated from disk", "sessions", n)
	}
	if n := registry.DemoteStuckAssemblies(); n > 0 {
		app.Logger.Info("demoted stuck assemblies to pending", "count", n)
	}

	var cache caching.CachingService = caching.NewNullCachingService()
	if cfg.Redis.Enabled() && app.Redis != nil {
		cache = caching.NewRedisCachingService(app.Redis)
	}

	var ledger *store.Ledger
	if cfg.AWSConfig.LedgerEnabled() {
		ledger = store.NewLedger(app.DynamoDB, cfg.AWSConfig.LedgerTable)
	}

	var archiver *store.Archiver
	if cfg.AWSConfig.ArchiveEnabled() {
		archiver = store.NewArchiver(app.S3, cfg.AWSConfig.ArchiveBucket, app.Logger)
	}

	var publisher *queues.EventPublisher
	if cfg.AWSConfig.EventsEnabled() {
		queueURL := fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s",
			cfg.AWSConfig.Region, cfg.AWSConfig.AccountID, cfg.AWSConfig.EventsQueueName)
		publisher = queues.NewEventPublisher(app.SQS, queueURL)
	}

	// Interfaces are only assigned when the backing component is
	// enabled: a non-nil interface wrapping a nil *store.Ledger would
	// defeat the Assembler's "if a.ledger != nil" gate.
	var ledgerSink services.LedgerSink
	if ledger != nil {
		ledgerSink = ledger
	}
	var eventPublisher services.EventPublisher
	if publisher != nil {
		eventPublisher = publisher
	}
	var artifactArchiver services.ArtifactArchiver
	if archiver != nil {
		artifactArchiver = archiver
	}

	assembler := services.NewAssembler(
		registry, cs,
		cfg.Storage.AssemblyBufferBytes, assemblerWorkerCount,
		app.Logger, ledgerSink, eventPublisher, artifactArchiver,
	)
	coordinator := services.NewCompletionCoordinator(
		registry, assembler,
		cfg.Storage.CompletionRetryInitial, cfg.Storage.CompletionRetryMax, cfg.Storage.SessionTTLActive,
		app.Logger,
	)
	sweeper := services.NewSweeper(
		registry, cs,
		cfg.Storage.SweeperInterval, cfg.Storage.SessionTTLActive, cfg.Storage.SessionTTLCompleted,
		app.Logger,
	)

	uploadHandler := &handlers.UploadHandler{
		Registry:      registry,
		ChunkStore:    cs,
		Coordinator:   coordinator,
		Cache:         cache,
		Logger:        app.Logger,
		MaxChunkBytes: cfg.Storage.MaxChunkBytes,
	}

	return &Services{
		Registry:    registry,
		ChunkStore:  cs,
		Cache:       cache,
		Assembler:   assembler,
		Coordinator: coordinator,
		Sweeper:     sweeper,

		Ledger:    ledger,
		Archiver:  archiver,
		Publisher: publisher,

		UploadHandler: uploadHandler,
		HealthHandler: &handlers.HealthHandler{Checks: healthChecks(cs, cache, ledger, archiver, publisher)},
		DebugHandler:  &handlers.DebugHandler{Handler: uploadHandler},
	}, nil
}

// assemblerWorkerCount is the size of the Assembler's bounded worker
// pool; fixed rather than config-driven, since nothing else in this
// process exposes worker-pool sizing as an env var.
const assemblerWorkerCount = 4

func healthChecks(cs *store.ChunkStore, cache caching.CachingService, ledger *store.Ledger, archiver *store.Archiver, publisher *queues.EventPublisher) []health.ReadinessCheck {
	checks := []health.ReadinessCheck{cs}
	if rc, ok := cache.(health.ReadinessCheck); ok {
		checks = append(checks, rc)
	}
	if ledger != nil {
		checks = append(checks, ledger)
	}
	if archiver != nil {
		checks = append(checks, archiver)
	}
	if publisher != nil {
		checks = append(checks, publisher)
	}
	return checks
}

// HealthChecks returns the readiness checks the gRPC health surface
// and the HTTP /health verb both poll.
func (s *Services) HealthChecks() []health.ReadinessCheck {
	return healthChecks(s.ChunkStore, s.Cache, s.Ledger, s.Archiver, s.Publisher)
}

// RegisterRoutes wires every HTTP surface onto mux: the resumable
// upload verb table, the fallback multipart verb, artifact retrieval,
// the debug introspection route, and process health.
func (s *Services) RegisterRoutes(mux *http.ServeMux) {
	s.UploadHandler.RegisterRoutes(mux)
	mux.HandleFunc("POST /api/upload/chunk", s.UploadHandler.FallbackChunkUpload)
	mux.HandleFunc("GET /recordings/{session}/{file}", s.UploadHandler.GetRecording)
	mux.HandleFunc("GET /debug/session/{id}", s.DebugHandler.DebugSession)
	mux.HandleFunc("GET /health", s.HealthHandler.Health)
}

// Shutdown stops the background workers in dependency order: the
// completion coordinator's retry loops first (so they stop enqueuing
// new assembly tasks), then the assembler drains in-flight work.
func (s *Services) Shutdown(ctx context.Context) error {
	if s.Coordinator != nil {
		if err := s.Coordinator.Shutdown(ctx); err != nil {
			return fmt.Errorf("completion coordinator shutdown: %w", err)
		}
	}
	if s.Assembler != nil {
		if err := s.Assembler.Shutdown(ctx); err != nil {
			return fmt.Errorf("assembler shutdown: %w", err)
		}
	}
	return nil
}
