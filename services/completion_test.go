package services

import (
	"context"
	"testing"
	"time"

	"github.com/lfusys/recorder-uploads/models"
	"github.com/lfusys/recorder-uploads/store"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, initial, max, ttl time.Duration) (*CompletionCoordinator, *Assembler, *store.Registry, *store.ChunkStore) {
	t.Helper()
	a, reg, cs := newTestAssembler(t)
	c := NewCompletionCoordinator(reg, a, initial, max, ttl, a.logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)
	return c, a, reg, cs
}

func TestTriggerAssemblesImmediatelyWhenComplete(t *testing.T) {
	c, _, reg, cs := newTestCoordinator(t, 10*time.Millisecond, 50*time.Millisecond, time.Minute)
	seedSession(t, reg, cs, "s1", [][]byte{[]byte("a"), []byte("b")})
	_, err := reg.Update("s1", func(s *models.Session) (*models.Session, error) {
		s.AssemblyState = models.AssemblyNone
		return s, nil
	})
	require.NoError(t, err)

	_, err = c.Trigger(context.Background(), "s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := reg.Get("s1")
		return err == nil && s.AssemblyState == models.AssemblyDone
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerRetriesUntilChunksLand(t *testing.T) {
	c, _, reg, cs := newTestCoordinator(t, 10*time.Millisecond, 20*time.Millisecond, time.Minute)
	_, err := reg.GetOrCreate("s1", store.CreateMetadata{TotalChunks: 2, RecordingName: "clip", Format: "webm"})
	require.NoError(t, err)

	state, err := c.Trigger(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, models.AssemblyPending, state)

	// chunk arrives late
	_, err = cs.AppendAt("s1", 0, 0, []byte("a"))
	require.NoError(t, err)
	_, err = cs.AppendAt("s1", 1, 0, []byte("b"))
	require.NoError(t, err)
	_, err = reg.Update("s1", func(s *models.Session) (*models.Session, error) {
		s.ChunksPersisted[0] = struct{}{}
		s.ChunksPersisted[1] = struct{}{}
		return s, nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := reg.Get("s1")
		return err == nil && s.AssemblyState == models.AssemblyDone
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerFailsAfterTTLWithMissingChunks(t *testing.T) {
	c, _, reg, _ := newTestCoordinator(t, 5*time.Millisecond, 10*time.Millisecond, 30*time.Millisecond)
	_, err := reg.GetOrCreate("s1", store.CreateMetadata{TotalChunks: 2, RecordingName: "clip", Format: "webm"})
	require.NoError(t, err)

	_, err = c.Trigger(context.Background(), "s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := reg.Get("s1")
		return err == nil && s.AssemblyState == models.AssemblyFailed
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerIsIdempotentWhenAlreadyDone(t *testing.T) {
	c, _, reg, cs := newTestCoordinator(t, 10*time.Millisecond, 20*time.Millisecond, time.Minute)
	seedSession(t, reg, cs, "s1", [][]byte{[]byte("a")})

	_, err := c.Trigger(context.Background(), "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := reg.Get("s1")
		return err == nil && s.AssemblyState == models.AssemblyDone
	}, time.Second, 5*time.Millisecond)

	state, err := c.Trigger(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, models.AssemblyDone, state)
}
