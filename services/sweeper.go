package services

import (
	"context"
	"time"

	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/store"
)

// Sweeper implements spec §4.6: it periodically reclaims abandoned
// active sessions and retention-expired completed artifacts. It never
// touches a session whose assembly_state is in_progress.
type Sweeper struct {
	registry   *store.Registry
	chunkStore *store.ChunkStore
	logger     logging.Logger

	interval     time.Duration
	ttlActive    time.Duration
	ttlCompleted time.Duration
}

func NewSweeper(registry *store.Registry, chunkStore *store.ChunkStore, interval, ttlActive, ttlCompleted time.Duration, logger logging.Logger) *Sweeper {
	return &Sweeper{
		registry:     registry,
		chunkStore:   chunkStore,
		logger:       logger,
		interval:     interval,
		ttlActive:    ttlActive,
		ttlCompleted: ttlCompleted,
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(time.Now())
		}
	}
}

// SweepOnce runs a single reclaim pass and returns how many sessions
// and artifacts it removed, for observability and tests.
func (s *Sweeper) SweepOnce(now time.Time) (abandonedSessions, expiredArtifacts int) {
	for _, sess := range s.registry.IterExpired(now, s.ttlActive) {
		if err := s.chunkStore.DeleteSessionChunks(sess.SessionID); err != nil {
			s.logger.Error("sweeper: failed to delete abandoned session chunks", "session_id", sess.SessionID, "error", err)
			continue
		}
		s.registry.Delete(sess.SessionID)
		abandonedSessions++
		s.logger.Info("sweeper: reclaimed abandoned session", "session_id", sess.SessionID)
	}

	for _, sess := range s.registry.IterRetentionExpired(now, s.ttlCompleted) {
		if err := s.chunkStore.DeleteCompletedArtifact(sess.SessionID, sess.RecordingName); err != nil {
			s.logger.Error("sweeper: failed to delete expired artifact", "session_id", sess.SessionID, "error", err)
			continue
		}
		s.registry.Delete(sess.SessionID)
		expiredArtifacts++
		s.logger.Info("sweeper: reclaimed expired artifact", "session_id", sess.SessionID)
	}

	return abandonedSessions, expiredArtifacts
}
