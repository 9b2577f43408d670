// Package services implements the background Assembler, Completion
// Coordinator and Sweeper from spec §4.4-§4.6, following the worker-pool
// design note in spec §9: a bounded task queue where the coordinator
// never enqueues a second task for a session while one is pending.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lfusys/recorder-uploads/apperror"
	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/models"
	"github.com/lfusys/recorder-uploads/store"
)

// LedgerSink is the optional Assembly Ledger audit sink (domain stack); nil disables it.
type LedgerSink interface {
	Record(ctx context.Context, entry models.LedgerEntry) error
}

// EventPublisher is the optional Assembly Event Publisher (domain stack); nil disables it.
type EventPublisher interface {
	Publish(ctx context.Context, event models.AssembledEvent) error
}

// ArtifactArchiver is the optional Artifact Archiver (domain stack); nil disables it.
type ArtifactArchiver interface {
	Mirror(ctx context.Context, sessionID, name, localPath string) error
}

// Assembler concatenates a session's chunks into a single artifact plus
// a sidecar metadata file, per spec §4.4. At most one assembly task per
// session runs concurrently; the assembly_state CAS at entry is the
// only correctness-critical synchronization (spec §4.4/§9).
type Assembler struct {
	registry   *store.Registry
	chunkStore *store.ChunkStore
	bufSize    int
	logger     logging.Logger
	ledger     LedgerSink
	publisher  EventPublisher
	archiver   ArtifactArchiver

	queue    chan string
	workers  int
	wg       sync.WaitGroup
	inflight sync.Map // sessionID -> struct{}, dedupes queued/running tasks

	closeOnce sync.Once
	done      chan struct{}
}

func NewAssembler(registry *store.Registry, chunkStore *store.ChunkStore, bufSize, workers int, logger logging.Logger, ledger LedgerSink, publisher EventPublisher, archiver ArtifactArchiver) *Assembler {
	if workers < 1 {
		workers = 1
	}
	return &Assembler{
		registry:   registry,
		chunkStore: chunkStore,
		bufSize:    bufSize,
		logger:     logger,
		ledger:     ledger,
		publisher:  publisher,
		archiver:   archiver,
		queue:      make(chan string, 1024),
		workers:    workers,
		done:       make(chan struct{}),
	}
}

// Start launches the worker pool. Workers stop accepting new tasks once
// ctx is cancelled but let an in-flight assembly finish, per spec §5's
// shutdown discipline for background tasks.
func (a *Assembler) Start(ctx context.Context) {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}
}

// Shutdown waits for in-flight assemblies to finish. Call after
// cancelling the context passed to Start.
func (a *Assembler) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.done) })
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a session for assembly unless a task for it is
// already queued or running.
func (a *Assembler) Enqueue(sessionID string) {
	if _, loaded := a.inflight.LoadOrStore(sessionID, struct{}{}); loaded {
		return
	}
	select {
	case a.queue <- sessionID:
	default:
		// Queue saturated: drop the dedupe marker so a later Enqueue
		// (from a sweeper retry or another completion signal) can try
		// again instead of being silently swallowed forever.
		a.inflight.Delete(sessionID)
		a.logger.Warn("assembler queue saturated, dropping enqueue", "session_id", sessionID)
	}
}

func (a *Assembler) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case sessionID := <-a.queue:
			// A started assembly runs to completion even if ctx is
			// cancelled meanwhile.
			a.assemble(context.WithoutCancel(ctx), sessionID)
			a.inflight.Delete(sessionID)
		}
	}
}

// assemble runs the full pipeline from spec §4.4, steps 1-7.
func (a *Assembler) assemble(ctx context.Context, sessionID string) {
	started := time.Now()

	sess, err := a.registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
		if cur.AssemblyState != models.AssemblyPending {
			return nil, errNotPending
		}
		cur.AssemblyState = models.AssemblyInProgress
		return cur, nil
	})
	if err != nil {
		if err != errNotPending {
			a.logger.Warn("assembler: cannot start", "session_id", sessionID, "error", err)
		}
		return
	}

	chunks, err := a.chunkStore.ListSession(sessionID)
	if err != nil {
		a.fail(ctx, sessionID, started, fmt.Errorf("list session: %w", err))
		return
	}
	if !hasAllIndices(chunks, sess.TotalChunks) {
		a.logger.Info("assembler: missing chunks, reverting to pending", "session_id", sessionID)
		a.registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
			cur.AssemblyState = models.AssemblyPending
			return cur, nil
		})
		return
	}

	if sess.HasExpectedTotalBytes {
		var sum uint64
		for _, c := range chunks {
			sum += uint64(c.Size)
		}
		if sum != sess.ExpectedTotalBytes {
			a.fail(ctx, sessionID, started, fmt.Errorf("expected_total_bytes mismatch: announced %d, on-disk sum %d", sess.ExpectedTotalBytes, sum))
			return
		}
	}

	artifactName := sess.RecordingName

	path, total, err := a.chunkStore.PublishCompleted(ctx, sessionID, artifactName, chunks, a.bufSize)
	if err != nil {
		a.fail(ctx, sessionID, started, fmt.Errorf("publish artifact: %w", err))
		return
	}

	completedAt := time.Now()
	meta := models.ArtifactMeta{
		SessionID:   sessionID,
		TotalChunks: sess.TotalChunks,
		TotalBytes:  total,
		Format:      sess.Format,
		CreatedAt:   sess.CreatedAt,
		CompletedAt: completedAt,
		Passthrough: sess.Metadata,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		a.fail(ctx, sessionID, started, fmt.Errorf("marshal sidecar meta: %w", err))
		return
	}
	if err := a.chunkStore.WriteSidecarMeta(sessionID, artifactName, metaBytes); err != nil {
		a.fail(ctx, sessionID, started, fmt.Errorf("write sidecar meta: %w", err))
		return
	}

	if err := a.chunkStore.DeleteSessionChunks(sessionID); err != nil {
		a.logger.Error("assembler: failed to clean up chunk tree after success", "session_id", sessionID, "error", err)
	}

	_, err = a.registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
		cur.AssemblyState = models.AssemblyDone
		cur.AssemblyResultPath = path
		cur.AssemblyCompletedAt = completedAt
		return cur, nil
	})
	if err != nil {
		a.logger.Error("assembler: session vanished before terminal state could be recorded", "session_id", sessionID, "error", err)
		return
	}

	a.logger.Info("assembler: done", "session_id", sessionID, "path", path, "bytes", total)

	if a.archiver != nil {
		if err := a.archiver.Mirror(ctx, sessionID, artifactName, path); err != nil {
			a.logger.Warn("assembler: archive mirror failed", "session_id", sessionID, "error", err)
		}
	}

	if a.ledger != nil {
		entry := models.LedgerEntry{
			SessionID:  sessionID,
			Outcome:    string(models.AssemblyDone),
			TotalBytes: total,
			DurationMS: completedAt.Sub(started).Milliseconds(),
			StartedAt:  started,
			FinishedAt: completedAt,
		}
		if err := a.ledger.Record(ctx, entry); err != nil {
			a.logger.Warn("assembler: ledger record failed", "session_id", sessionID, "error", err)
		}
	}

	if a.publisher != nil {
		event := models.AssembledEvent{
			EventID:       sessionID + "-" + completedAt.Format(time.RFC3339Nano),
			SessionID:     sessionID,
			ArtifactPath:  path,
			RecordingName: sess.RecordingName,
			Format:        sess.Format,
			TotalBytes:    total,
			CompletedAt:   completedAt,
		}
		if err := a.publisher.Publish(ctx, event); err != nil {
			a.logger.Warn("assembler: event publish failed", "session_id", sessionID, "error", err)
		}
	}
}

func (a *Assembler) fail(ctx context.Context, sessionID string, started time.Time, cause error) {
	finishedAt := time.Now()
	a.logger.Error("assembler: failed", "session_id", sessionID, "error", cause)

	_, err := a.registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
		cur.AssemblyState = models.AssemblyFailed
		cur.AssemblyError = cause.Error()
		cur.AssemblyCompletedAt = finishedAt
		return cur, nil
	})
	if err != nil {
		a.logger.Error("assembler: session vanished while recording failure", "session_id", sessionID, "error", err)
	}

	if a.ledger != nil {
		entry := models.LedgerEntry{
			SessionID:  sessionID,
			Outcome:    string(models.AssemblyFailed),
			Reason:     cause.Error(),
			DurationMS: finishedAt.Sub(started).Milliseconds(),
			StartedAt:  started,
			FinishedAt: finishedAt,
		}
		if err := a.ledger.Record(ctx, entry); err != nil {
			a.logger.Warn("assembler: ledger record failed", "session_id", sessionID, "error", err)
		}
	}
}

func hasAllIndices(chunks []models.ChunkInfo, total uint32) bool {
	if uint32(len(chunks)) < total {
		return false
	}
	seen := make(map[uint32]struct{}, len(chunks))
	for _, c := range chunks {
		seen[c.Index] = struct{}{}
	}
	for i := uint32(0); i < total; i++ {
		if _, ok := seen[i]; !ok {
			return false
		}
	}
	return true
}

// errNotPending is an internal sentinel: assemble() saw an
// assembly_state other than pending at CAS time, which is an expected
// race (another trigger already claimed it, or it already finished),
// not a failure worth logging as an error.
var errNotPending = apperror.New(apperror.KindInternal, "assembly state is not pending")
