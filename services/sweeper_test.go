package services

import (
	"testing"
	"time"

	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/models"
	"github.com/lfusys/recorder-uploads/store"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(t *testing.T, ttlActive, ttlCompleted time.Duration) (*Sweeper, *store.Registry, *store.ChunkStore) {
	t.Helper()
	cs, err := store.NewChunkStore(t.TempDir(), testAlphabet)
	require.NoError(t, err)
	reg := store.NewRegistry()
	logger := logging.NewAppLogger("test")
	s := NewSweeper(reg, cs, time.Hour, ttlActive, ttlCompleted, logger)
	return s, reg, cs
}

func TestSweepReclaimsAbandonedActiveSession(t *testing.T) {
	s, reg, cs := newTestSweeper(t, time.Hour, 24*time.Hour)
	_, err := reg.GetOrCreate("s1", store.CreateMetadata{TotalChunks: 1, RecordingName: "clip", Format: "webm"})
	require.NoError(t, err)
	_, err = cs.AppendAt("s1", 0, 0, []byte("x"))
	require.NoError(t, err)
	_, err = reg.Update("s1", func(sess *models.Session) (*models.Session, error) {
		sess.LastActivityAt = time.Now().Add(-2 * time.Hour)
		return sess, nil
	})
	require.NoError(t, err)

	abandoned, expired := s.SweepOnce(time.Now())
	require.Equal(t, 1, abandoned)
	require.Equal(t, 0, expired)

	_, err = reg.Get("s1")
	require.Error(t, err)
}

func TestSweepNeverTouchesInProgressSession(t *testing.T) {
	s, reg, _ := newTestSweeper(t, time.Hour, 24*time.Hour)
	_, err := reg.GetOrCreate("s1", store.CreateMetadata{TotalChunks: 1, RecordingName: "clip", Format: "webm"})
	require.NoError(t, err)
	_, err = reg.Update("s1", func(sess *models.Session) (*models.Session, error) {
		sess.LastActivityAt = time.Now().Add(-2 * time.Hour)
		sess.AssemblyState = models.AssemblyInProgress
		return sess, nil
	})
	require.NoError(t, err)

	abandoned, _ := s.SweepOnce(time.Now())
	require.Equal(t, 0, abandoned)

	_, err = reg.Get("s1")
	require.NoError(t, err)
}

func TestSweepReclaimsRetentionExpiredArtifact(t *testing.T) {
	s, reg, cs := newTestSweeper(t, time.Hour, time.Minute)
	_, err := reg.GetOrCreate("s1", store.CreateMetadata{TotalChunks: 1, RecordingName: "clip", Format: "webm"})
	require.NoError(t, err)
	_, err = cs.AppendAt("s1", 0, 0, []byte("x"))
	require.NoError(t, err)
	chunks, err := cs.ListSession("s1")
	require.NoError(t, err)
	_, _, err = cs.PublishCompleted(t.Context(), "s1", "clip", chunks, 4096)
	require.NoError(t, err)

	_, err = reg.Update("s1", func(sess *models.Session) (*models.Session, error) {
		sess.AssemblyState = models.AssemblyDone
		sess.AssemblyCompletedAt = time.Now().Add(-2 * time.Minute)
		return sess, nil
	})
	require.NoError(t, err)

	abandoned, expired := s.SweepOnce(time.Now())
	require.Equal(t, 0, abandoned)
	require.Equal(t, 1, expired)
}
