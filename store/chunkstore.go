// Package store implements the on-disk Chunk Store (spec §4.1) and the
// in-memory Session Registry (spec §4.2), plus the optional AWS-backed
// domain components.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/lfusys/recorder-uploads/apperror"
	"github.com/lfusys/recorder-uploads/models"
)

const chunksPerShard = 1000

// ChunkStore owns the on-disk chunk layout
// {root}/{session}/chunks/shard_{NNNN}/{chunk_index} and the
// completed-artifact directory {root}/{session}/completed/, per
// spec §4.1. It is the only component that writes under root.
type ChunkStore struct {
	root     string
	alphabet map[rune]struct{}
}

// NewChunkStore creates a ChunkStore rooted at root, validating session
// identifiers against alphabet (spec §4.1 "Path safety").
func NewChunkStore(root, alphabet string) (*ChunkStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	set := make(map[rune]struct{}, len(alphabet))
	for _, r := range alphabet {
		set[r] = struct{}{}
	}
	return &ChunkStore{root: root, alphabet: set}, nil
}

// ValidateSessionID rejects any session identifier containing a byte
// outside the configured alphabet, before it ever touches the
// filesystem, per spec §4.1.
func (c *ChunkStore) ValidateSessionID(session string) error {
	if session == "" || session == "." || session == ".." {
		return apperror.ErrBadIdentifier
	}
	for _, r := range session {
		if _, ok := c.alphabet[r]; !ok {
			return apperror.ErrBadIdentifier
		}
	}
	return nil
}

func shardName(index uint32) string {
	return fmt.Sprintf("shard_%04d", index/chunksPerShard)
}

func (c *ChunkStore) sessionDir(session string) string {
	return filepath.Join(c.root, session)
}

func (c *ChunkStore) chunksDir(session string) string {
	return filepath.Join(c.sessionDir(session), "chunks")
}

func (c *ChunkStore) shardDir(session string, index uint32) string {
	return filepath.Join(c.chunksDir(session), shardName(index))
}

func (c *ChunkStore) chunkPath(session string, index uint32) string {
	return filepath.Join(c.shardDir(session, index), strconv.FormatUint(uint64(index), 10))
}

func (c *ChunkStore) completedDir(session string) string {
	return filepath.Join(c.sessionDir(session), "completed")
}

// EnsureChunkSlot creates the shard directory for (session, index) if
// absent and returns the path the chunk will live at. Idempotent.
func (c *ChunkStore) EnsureChunkSlot(session string, index uint32) (string, error) {
	if err := c.ValidateSessionID(session); err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.shardDir(session, index), 0o755); err != nil {
		return "", fmt.Errorf("ensure chunk slot: %w", err)
	}
	return c.chunkPath(session, index), nil
}

// AppendAt writes bytes at offset into the chunk file for (session,
// index), fsyncs, and returns the new on-disk size. It fails with
// apperror.KindOffsetMismatch if the file's current size does not
// equal offset, and apperror.ErrStorageFull on ENOSPC-class errors.
func (c *ChunkStore) AppendAt(session string, index uint32, offset int64, data []byte) (int64, error) {
	path, err := c.EnsureChunkSlot(session, index)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat chunk: %w", err)
	}
	current := info.Size()
	if current != offset {
		return 0, apperror.OffsetMismatch(current)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek chunk: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		if isStorageFull(err) {
			return 0, apperror.ErrStorageFull
		}
		return 0, fmt.Errorf("write chunk: %w", err)
	}
	if err := f.Sync(); err != nil {
		if isStorageFull(err) {
			return 0, apperror.ErrStorageFull
		}
		return 0, fmt.Errorf("sync chunk: %w", err)
	}

	newInfo, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat chunk after write: %w", err)
	}
	return newInfo.Size(), nil
}

func isStorageFull(err error) bool {
	return strings.Contains(err.Error(), "no space left") ||
		underlyingErrno(err) == syscall.ENOSPC
}

func underlyingErrno(err error) syscall.Errno {
	var errno syscall.Errno
	for err != nil {
		if e, ok := err.(syscall.Errno); ok {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return errno
}

// TruncateChunk resets (session, index) to zero length, used by the
// fallback multipart verb before its offset-0 write so a retried
// one-shot upload overwrites rather than appends to a stale attempt.
func (c *ChunkStore) TruncateChunk(session string, index uint32) error {
	path, err := c.EnsureChunkSlot(session, index)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("truncate chunk: %w", err)
	}
	return f.Close()
}

// SizeOf returns the on-disk size of (session, index) and whether the
// chunk file exists at all.
func (c *ChunkStore) SizeOf(session string, index uint32) (int64, bool, error) {
	info, err := os.Stat(c.chunkPath(session, index))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("stat chunk: %w", err)
	}
	return info.Size(), true, nil
}

// StreamRange opens (session, index) for reading starting at start and
// limited to end-start bytes (end < 0 means "to EOF"). The caller must
// Close the returned reader.
func (c *ChunkStore) StreamRange(session string, index uint32, start, end int64) (io.ReadCloser, error) {
	f, err := os.Open(c.chunkPath(session, index))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperror.ErrUnknownChunk
		}
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek chunk: %w", err)
		}
	}
	if end < 0 {
		return f, nil
	}
	return &limitedReadCloser{r: io.LimitReader(f, end-start), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

// ListSession enumerates every chunk file of a session, partially
// written ones included, in ascending index order by reading its shard
// directories.
func (c *ChunkStore) ListSession(session string) ([]models.ChunkInfo, error) {
	entries, err := os.ReadDir(c.chunksDir(session))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chunks dir: %w", err)
	}

	var chunks []models.ChunkInfo
	for _, shard := range entries {
		if !shard.IsDir() || !strings.HasPrefix(shard.Name(), "shard_") {
			continue
		}
		shardPath := filepath.Join(c.chunksDir(session), shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, fmt.Errorf("read shard dir: %w", err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			idx, err := strconv.ParseUint(f.Name(), 10, 32)
			if err != nil {
				continue // not a chunk file (e.g. stray temp file)
			}
			info, err := f.Info()
			if err != nil {
				return nil, fmt.Errorf("stat chunk file: %w", err)
			}
			chunks = append(chunks, models.ChunkInfo{Index: uint32(idx), Size: info.Size()})
		}
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

// DeleteSessionChunks best-effort removes only the chunks subtree,
// leaving any completed artifact untouched.
func (c *ChunkStore) DeleteSessionChunks(session string) error {
	if err := os.RemoveAll(c.chunksDir(session)); err != nil {
		return fmt.Errorf("delete chunk tree: %w", err)
	}
	return nil
}

// DeleteSession removes the entire {root}/{session}/ tree, used by
// cancel (spec §4.3g). The Sweeper's active-session sweep uses
// DeleteSessionChunks instead.
func (c *ChunkStore) DeleteSession(session string) error {
	if err := os.RemoveAll(c.sessionDir(session)); err != nil {
		return fmt.Errorf("delete session tree: %w", err)
	}
	return nil
}

// DeleteCompletedArtifact removes a completed artifact and its
// sidecar, used by the Sweeper's completed-artifact retention sweep.
func (c *ChunkStore) DeleteCompletedArtifact(session, name string) error {
	dir := c.completedDir(session)
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if err := os.Remove(filepath.Join(dir, name+".meta")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact meta: %w", err)
	}
	return nil
}

// ArtifactPath returns the path a completed artifact would live at.
func (c *ChunkStore) ArtifactPath(session, name string) string {
	return filepath.Join(c.completedDir(session), name)
}

// PublishCompleted streams chunks (already ordered by index) into a
// temp file under the completed directory, fsyncs, then atomically
// renames it to name. Returns the final path and total byte count.
func (c *ChunkStore) PublishCompleted(ctx context.Context, session, name string, chunks []models.ChunkInfo, bufSize int) (string, int64, error) {
	dir := c.completedDir(session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create completed dir: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once renamed

	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	buf := make([]byte, bufSize)

	var total int64
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			out.Close()
			return "", 0, err
		}
		in, err := os.Open(c.chunkPath(session, chunk.Index))
		if err != nil {
			out.Close()
			return "", 0, fmt.Errorf("open chunk %d: %w", chunk.Index, err)
		}
		n, err := io.CopyBuffer(out, in, buf)
		in.Close()
		total += n
		if err != nil {
			out.Close()
			return "", 0, fmt.Errorf("copy chunk %d: %w", chunk.Index, err)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return "", 0, fmt.Errorf("sync artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", 0, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", 0, fmt.Errorf("rename artifact: %w", err)
	}

	return finalPath, total, nil
}

// WriteSidecarMeta writes data to `{name}.meta` under the completed
// directory using the same write-temp-then-rename discipline.
func (c *ChunkStore) WriteSidecarMeta(session, name string, data []byte) error {
	dir := c.completedDir(session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create completed dir: %w", err)
	}
	finalPath := filepath.Join(dir, name+".meta")
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp meta: %w", err)
	}
	f, err := os.OpenFile(tmpPath, os.O_RDWR, 0o644)
	if err == nil {
		f.Sync()
		f.Close()
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

// ListSessionDirs enumerates top-level session directories under root,
// used by the Session Registry to hydrate chunks_persisted / chunk_sizes
// after a restart, per spec §4.2.
func (c *ChunkStore) ListSessionDirs() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage root: %w", err)
	}
	var sessions []string
	for _, e := range entries {
		if e.IsDir() {
			sessions = append(sessions, e.Name())
		}
	}
	return sessions, nil
}

// IsReady implements health.ReadinessCheck: the store is ready as long
// as its root directory is writable.
func (c *ChunkStore) IsReady(ctx context.Context) error {
	probe := filepath.Join(c.root, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	return os.Remove(probe)
}

func (c *ChunkStore) Name() string { return "chunkstore" }
