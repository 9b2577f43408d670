package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lfusys/recorder-uploads/apperror"
	"github.com/lfusys/recorder-uploads/models"
	"github.com/stretchr/testify/require"
)

const testAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

func newTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	cs, err := NewChunkStore(t.TempDir(), testAlphabet)
	require.NoError(t, err)
	return cs
}

func TestValidateSessionID(t *testing.T) {
	cs := newTestStore(t)

	require.NoError(t, cs.ValidateSessionID("abc123-_DEF"))
	require.Error(t, cs.ValidateSessionID(""))
	require.Error(t, cs.ValidateSessionID(".."))
	require.Error(t, cs.ValidateSessionID("../etc/passwd"))
	require.Error(t, cs.ValidateSessionID("has space"))
	require.Error(t, cs.ValidateSessionID("slash/es"))
}

func TestAppendAtOffsetMonotonicity(t *testing.T) {
	cs := newTestStore(t)
	session := "s1"

	n, err := cs.AppendAt(session, 0, 0, []byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	n, err = cs.AppendAt(session, 0, 5, []byte(" world"))
	require.NoError(t, err)
	require.EqualValues(t, 11, n)

	size, exists, err := cs.SizeOf(session, 0)
	require.NoError(t, err)
	require.True(t, exists)
	require.EqualValues(t, 11, size)
}

func TestAppendAtOffsetMismatch(t *testing.T) {
	cs := newTestStore(t)
	session := "s2"

	_, err := cs.AppendAt(session, 0, 0, []byte("abcd"))
	require.NoError(t, err)

	_, err = cs.AppendAt(session, 0, 0, []byte("xyz"))
	require.Error(t, err)
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	require.Equal(t, apperror.KindOffsetMismatch, appErr.Kind)
	detail, ok := appErr.Detail.(apperror.OffsetMismatchDetail)
	require.True(t, ok)
	require.EqualValues(t, 4, detail.ActualOffset)
}

func TestAppendAtRejectsSparseWrite(t *testing.T) {
	cs := newTestStore(t)
	session := "s3"

	_, err := cs.AppendAt(session, 0, 10, []byte("abcd"))
	require.Error(t, err)
	appErr, ok := apperror.As(err)
	require.True(t, ok)
	require.Equal(t, apperror.KindOffsetMismatch, appErr.Kind)
}

func TestListSessionOrdersByIndex(t *testing.T) {
	cs := newTestStore(t)
	session := "s4"

	for _, idx := range []uint32{2, 0, 1001, 1} {
		_, err := cs.AppendAt(session, idx, 0, []byte("x"))
		require.NoError(t, err)
	}

	chunks, err := cs.ListSession(session)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	require.Equal(t, []uint32{0, 1, 2, 1001}, []uint32{chunks[0].Index, chunks[1].Index, chunks[2].Index, chunks[3].Index})
}

func TestShardingKeepsShardsSmall(t *testing.T) {
	cs := newTestStore(t)
	session := "s5"

	_, err := cs.EnsureChunkSlot(session, 999)
	require.NoError(t, err)
	_, err = cs.EnsureChunkSlot(session, 1000)
	require.NoError(t, err)

	require.Equal(t, "shard_0000", filepath.Base(cs.shardDir(session, 999)))
	require.Equal(t, "shard_0001", filepath.Base(cs.shardDir(session, 1000)))
}

func TestPublishCompletedConcatenatesInOrder(t *testing.T) {
	cs := newTestStore(t)
	session := "s6"

	parts := [][]byte{[]byte("AAA"), []byte("BB"), []byte("C")}
	for i, p := range parts {
		_, err := cs.AppendAt(session, uint32(i), 0, p)
		require.NoError(t, err)
	}

	chunks, err := cs.ListSession(session)
	require.NoError(t, err)

	path, total, err := cs.PublishCompleted(context.Background(), session, "out.bin", chunks, 2)
	require.NoError(t, err)
	require.EqualValues(t, 6, total)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "AAABBC", string(data))
}

func TestDeleteSessionChunksLeavesCompleted(t *testing.T) {
	cs := newTestStore(t)
	session := "s7"

	_, err := cs.AppendAt(session, 0, 0, []byte("x"))
	require.NoError(t, err)
	_, _, err = cs.PublishCompleted(context.Background(), session, "out.bin", []models.ChunkInfo{{Index: 0, Size: 1}}, 0)
	require.NoError(t, err)

	require.NoError(t, cs.DeleteSessionChunks(session))

	_, err = os.Stat(cs.chunksDir(session))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(cs.ArtifactPath(session, "out.bin"))
	require.NoError(t, err)
}
