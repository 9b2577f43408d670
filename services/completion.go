package services

import (
	"context"
	"sync"
	"time"

	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/models"
	"github.com/lfusys/recorder-uploads/store"
)

// CompletionCoordinator implements spec §4.5: it reacts to a client's
// completion signal (or a direct assemble request, which is treated
// identically) by either enqueueing assembly immediately or, if chunks
// are still trickling in, retrying with backoff until they all land or
// the active-session TTL elapses.
type CompletionCoordinator struct {
	registry  *store.Registry
	assembler *Assembler
	logger    logging.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
	ttlActive      time.Duration

	mu       sync.Mutex
	retrying map[string]struct{}

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

func NewCompletionCoordinator(registry *store.Registry, assembler *Assembler, initialBackoff, maxBackoff, ttlActive time.Duration, logger logging.Logger) *CompletionCoordinator {
	return &CompletionCoordinator{
		registry:       registry,
		assembler:      assembler,
		logger:         logger,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		ttlActive:      ttlActive,
		retrying:       make(map[string]struct{}),
		shutdown:       make(chan struct{}),
	}
}

// Trigger handles both the completion-signal verb and the manual
// assemble verb: both mark the session as signalled and evaluate
// whether assembly can start now or must wait for more chunks. It is
// idempotent, per spec §4.3/§4.5 - calling it repeatedly on a session
// already pending, in_progress or done is a no-op beyond returning the
// current state.
func (c *CompletionCoordinator) Trigger(ctx context.Context, sessionID string) (models.AssemblyState, error) {
	sess, err := c.registry.Get(sessionID)
	if err != nil {
		return "", err
	}

	switch sess.AssemblyState {
	case models.AssemblyNone:
		sess, err = c.registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
			if cur.AssemblyState == models.AssemblyNone {
				cur.CompletionSignalled = true
				cur.AssemblyState = models.AssemblyPending
			}
			return cur, nil
		})
		if err != nil {
			return "", err
		}
	case models.AssemblyFailed:
		sess, err = c.registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
			if cur.AssemblyState == models.AssemblyFailed {
				cur.AssemblyState = models.AssemblyPending
				cur.AssemblyError = ""
				cur.AssemblyCompletedAt = time.Time{}
			}
			return cur, nil
		})
		if err != nil {
			return "", err
		}
	}

	c.evaluate(ctx, sessionID, sess)

	final, err := c.registry.Get(sessionID)
	if err != nil {
		return "", err
	}
	return final.AssemblyState, nil
}

func (c *CompletionCoordinator) evaluate(ctx context.Context, sessionID string, sess *models.Session) {
	if sess.AssemblyState != models.AssemblyPending {
		return
	}
	if sess.AllChunksPersisted() {
		c.assembler.Enqueue(sessionID)
		return
	}
	// The retry loop outlives the request that triggered it; it stops on
	// Shutdown, not when the caller's context is cancelled.
	c.ensureRetryLoop(context.WithoutCancel(ctx), sessionID, sess.CreatedAt)
}

func (c *CompletionCoordinator) ensureRetryLoop(ctx context.Context, sessionID string, createdAt time.Time) {
	c.mu.Lock()
	if _, running := c.retrying[sessionID]; running {
		c.mu.Unlock()
		return
	}
	c.retrying[sessionID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.retryLoop(ctx, sessionID, createdAt)
}

func (c *CompletionCoordinator) retryLoop(ctx context.Context, sessionID string, createdAt time.Time) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.retrying, sessionID)
		c.mu.Unlock()
	}()

	deadline := createdAt.Add(c.ttlActive)
	delay := c.initialBackoff
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-timer.C:
		}

		sess, err := c.registry.Get(sessionID)
		if err != nil {
			return // session gone (cancelled, or already swept)
		}
		if sess.AssemblyState != models.AssemblyPending {
			return // moved on without us (e.g. a manual assemble call)
		}
		if sess.AllChunksPersisted() {
			c.assembler.Enqueue(sessionID)
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn("completion coordinator: ttl elapsed with missing chunks", "session_id", sessionID, "missing", sess.MissingIndices())
			c.registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
				if cur.AssemblyState == models.AssemblyPending {
					cur.AssemblyState = models.AssemblyFailed
					cur.AssemblyError = "completion ttl elapsed with missing chunks"
					cur.AssemblyCompletedAt = time.Now()
				}
				return cur, nil
			})
			return
		}

		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
		timer.Reset(delay)
	}
}

// Shutdown stops all retry loops and waits for them to exit.
func (c *CompletionCoordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() { close(c.shutdown) })
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
