package attachments

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSave_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	h1, err := s.Save(ctx, []byte("hello world"))
	require.NoError(t, err)
	h2, err := s.Save(ctx, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestLayout_TwoHexShard(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	hash, err := s.Save(ctx, []byte("content"))
	require.NoError(t, err)

	expected := filepath.Join(dir, "attachments", hash[:2], hash+".txt")
	_, err = os.Stat(expected)
	require.NoError(t, err)
}

func TestLoadExistsDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	hash, err := s.Save(ctx, []byte("payload"))
	require.NoError(t, err)

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)

	data, err := s.Load(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	require.NoError(t, s.Delete(ctx, hash))
	ok, err = s.Exists(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGC_RemovesDeadBlobs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	live, err := s.Save(ctx, []byte("keep me"))
	require.NoError(t, err)
	dead, err := s.Save(ctx, []byte("sweep me"))
	require.NoError(t, err)

	removed, freed, err := s.GC(ctx, map[string]struct{}{live: {}})
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, int64(len("sweep me")), freed)

	ok, _ := s.Exists(ctx, dead)
	require.False(t, ok)
	ok, _ = s.Exists(ctx, live)
	require.True(t, ok)
}

func TestTotalSize(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Save(ctx, []byte("abc"))
	require.NoError(t, err)
	_, err = s.Save(ctx, []byte("defgh"))
	require.NoError(t, err)

	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(8), total)
}
