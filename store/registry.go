package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lfusys/recorder-uploads/apperror"
	"github.com/lfusys/recorder-uploads/models"
)

// CreateMetadata is the subset of create-chunk-slot metadata the
// Session Registry inspects directly (spec §4.3a); everything else
// travels in Passthrough.
type CreateMetadata struct {
	TotalChunks           uint32
	RecordingName         string
	Format                string
	ExpectedTotalBytes    uint64
	HasExpectedTotalBytes bool
	Passthrough           map[string]string
}

type sessionEntry struct {
	mu      sync.RWMutex
	session *models.Session
}

// Registry is the process-wide Session Registry from spec §4.2: a
// concurrent map from session_id to session record, individually
// guarded so inter-session updates proceed in parallel and no I/O is
// ever performed while a lock is held (spec §5).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*sessionEntry)}
}

func (r *Registry) entry(sessionID string) (*sessionEntry, bool) {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	return e, ok
}

func (r *Registry) entryOrCreate(sessionID string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &sessionEntry{}
		r.entries[sessionID] = e
	}
	return e
}

// GetOrCreate returns the session for sessionID, creating it from meta
// if absent. If a record already exists and meta contradicts it (a
// different TotalChunks/RecordingName/Format), it returns
// apperror.KindMetadataConflict. A half-known record rehydrated from
// disk after a restart accepts meta as the reassertion spec §4.2
// describes instead of treating it as a conflict.
func (r *Registry) GetOrCreate(sessionID string, meta CreateMetadata) (*models.Session, error) {
	e := r.entryOrCreate(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	if e.session == nil {
		e.session = &models.Session{
			SessionID:             sessionID,
			TotalChunks:           meta.TotalChunks,
			RecordingName:         meta.RecordingName,
			Format:                meta.Format,
			ExpectedTotalBytes:    meta.ExpectedTotalBytes,
			HasExpectedTotalBytes: meta.HasExpectedTotalBytes,
			Metadata:              copyMap(meta.Passthrough),
			ChunksPersisted:       make(map[uint32]struct{}),
			ChunkSizes:            make(map[uint32]int64),
			ChunkOffsets:          make(map[uint32]int64),
			CreatedAt:             now,
			LastActivityAt:        now,
			AssemblyState:         models.AssemblyNone,
		}
		return e.session.Clone(), nil
	}

	if e.session.HalfKnown {
		e.session.TotalChunks = meta.TotalChunks
		e.session.RecordingName = meta.RecordingName
		e.session.Format = meta.Format
		e.session.ExpectedTotalBytes = meta.ExpectedTotalBytes
		e.session.HasExpectedTotalBytes = meta.HasExpectedTotalBytes
		if e.session.Metadata == nil {
			e.session.Metadata = make(map[string]string)
		}
		for k, v := range meta.Passthrough {
			e.session.Metadata[k] = v
		}
		e.session.HalfKnown = false
		e.session.LastActivityAt = now
		return e.session.Clone(), nil
	}

	if e.session.TotalChunks != meta.TotalChunks ||
		e.session.RecordingName != meta.RecordingName ||
		e.session.Format != meta.Format {
		return nil, apperror.Newf(apperror.KindMetadataConflict,
			"session %s already exists with different metadata", sessionID)
	}

	e.session.LastActivityAt = now
	return e.session.Clone(), nil
}

// Get returns a snapshot of the session, or apperror.ErrUnknownSession
// if it does not exist.
func (r *Registry) Get(sessionID string) (*models.Session, error) {
	e, ok := r.entry(sessionID)
	if !ok {
		return nil, apperror.ErrUnknownSession
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil, apperror.ErrUnknownSession
	}
	return e.session.Clone(), nil
}

// Update serializes access to sessionID's record: fn observes the
// current value and returns the new one atomically. fn must not
// perform I/O; callers do I/O between a Get and an Update, per the
// locking discipline in spec §5.
func (r *Registry) Update(sessionID string, fn func(*models.Session) (*models.Session, error)) (*models.Session, error) {
	e, ok := r.entry(sessionID)
	if !ok {
		return nil, apperror.ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, apperror.ErrUnknownSession
	}
	next, err := fn(e.session.Clone())
	if err != nil {
		return nil, err
	}
	e.session = next
	return e.session.Clone(), nil
}

// Delete removes sessionID's record entirely.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// IterAll returns a snapshot of every session record, sorted by
// SessionID for deterministic iteration.
func (r *Registry) IterAll() []*models.Session {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		if s, err := r.Get(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// IterExpired returns sessions eligible for the Sweeper's active-session
// sweep: last_activity_at older than ttl and assembly_state neither
// in_progress nor done. Done sessions are retention-swept separately by
// IterRetentionExpired against ttlCompleted, not this ttl.
func (r *Registry) IterExpired(now time.Time, ttl time.Duration) []*models.Session {
	var expired []*models.Session
	for _, s := range r.IterAll() {
		if s.AssemblyState == models.AssemblyInProgress || s.AssemblyState == models.AssemblyDone {
			continue
		}
		if now.Sub(s.LastActivityAt) >= ttl {
			expired = append(expired, s)
		}
	}
	return expired
}

// IterRetentionExpired returns done sessions whose completed artifact
// has outlived ttlCompleted, per spec §4.6.
func (r *Registry) IterRetentionExpired(now time.Time, ttl time.Duration) []*models.Session {
	var expired []*models.Session
	for _, s := range r.IterAll() {
		if s.AssemblyState != models.AssemblyDone {
			continue
		}
		if now.Sub(s.AssemblyCompletedAt) >= ttl {
			expired = append(expired, s)
		}
	}
	return expired
}

// Hydrate reconstructs chunks_persisted and chunk_sizes for every
// session directory found under the Chunk Store's root, per spec
// §4.2's crash-recovery design. Records created this way are
// HalfKnown until the client reasserts total_chunks/recording_name/
// format on the next protocol verb.
func (r *Registry) Hydrate(cs *ChunkStore) (int, error) {
	dirs, err := cs.ListSessionDirs()
	if err != nil {
		return 0, fmt.Errorf("list session dirs: %w", err)
	}

	count := 0
	now := time.Now()
	for _, sessionID := range dirs {
		chunks, err := cs.ListSession(sessionID)
		if err != nil {
			return count, fmt.Errorf("list session %s chunks: %w", sessionID, err)
		}
		if len(chunks) == 0 {
			continue
		}

		e := r.entryOrCreate(sessionID)
		e.mu.Lock()
		if e.session == nil {
			persisted := make(map[uint32]struct{}, len(chunks))
			sizes := make(map[uint32]int64, len(chunks))
			offsets := make(map[uint32]int64, len(chunks))
			for _, c := range chunks {
				persisted[c.Index] = struct{}{}
				sizes[c.Index] = c.Size
				offsets[c.Index] = c.Size
			}
			e.session = &models.Session{
				SessionID:       sessionID,
				ChunksPersisted: persisted,
				ChunkSizes:      sizes,
				ChunkOffsets:    offsets,
				Metadata:        make(map[string]string),
				CreatedAt:       now,
				LastActivityAt:  now,
				AssemblyState:   models.AssemblyPending,
				HalfKnown:       true,
			}
			count++
		}
		e.mu.Unlock()
	}
	return count, nil
}

// DemoteStuckAssemblies transitions every session left in_progress
// (e.g. after a crash mid-assembly) back to pending, per spec §4.6:
// "On restart, any session left in in_progress is demoted to pending."
func (r *Registry) DemoteStuckAssemblies() int {
	demoted := 0
	for _, s := range r.IterAll() {
		if s.AssemblyState != models.AssemblyInProgress {
			continue
		}
		_, err := r.Update(s.SessionID, func(cur *models.Session) (*models.Session, error) {
			cur.AssemblyState = models.AssemblyPending
			return cur, nil
		})
		if err == nil {
			demoted++
		}
	}
	return demoted
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
