package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/checksum"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutAndUsage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	p1, err := s.Put(ctx, "u1", 0, []byte("abc"))
	require.NoError(t, err)
	p2, err := s.Put(ctx, "u1", 0, []byte("abcd"))
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2, "each write gets a fresh path")

	size, files, err := s.Usage("u1")
	require.NoError(t, err)
	assert.EqualValues(t, 7, size)
	assert.Equal(t, 2, files)

	require.NoError(t, s.Discard(p1))
	require.NoError(t, s.Discard(p1))
	size, files, err = s.Usage("u1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)
	assert.Equal(t, 1, files)

	require.NoError(t, s.Purge("u1"))
	size, files, err = s.Usage("u1")
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Zero(t, files)
}

func TestPutRejectsUnsafeUploadID(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"", "..", "../x", "a/b", ".hidden"} {
		_, err := s.Put(context.Background(), id, 0, []byte("x"))
		assert.Error(t, err, id)
	}
}

func TestMergeOrdersByIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	parts := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 10),
		bytes.Repeat([]byte("c"), 5),
	}
	var refs []Ref
	// 按 2,0,1 的顺序写入
	for _, idx := range []int{2, 0, 1} {
		p, err := s.Put(ctx, "u1", idx, parts[idx])
		require.NoError(t, err)
		refs = append(refs, Ref{Index: idx, Path: p, Hash: checksum.Sum(parts[idx])})
	}

	merged, err := s.Merge(ctx, "u1", refs, true)
	require.NoError(t, err)
	defer merged.Remove()

	want := bytes.Join(parts, nil)
	assert.EqualValues(t, len(want), merged.Size)
	assert.Equal(t, checksum.Sum(want), merged.Hash)

	f, err := merged.Open()
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, want, got)

	require.NoError(t, merged.Remove())
	_, err = os.Stat(merged.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestMergeDetectsCorruptChunk(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	p0, err := s.Put(ctx, "u1", 0, []byte("good"))
	require.NoError(t, err)
	p1, err := s.Put(ctx, "u1", 1, []byte("evil"))
	require.NoError(t, err)

	refs := []Ref{
		{Index: 0, Path: p0, Hash: checksum.Sum([]byte("good"))},
		{Index: 1, Path: p1, Hash: checksum.Sum([]byte("okay"))},
	}

	_, err = s.Merge(ctx, "u1", refs, false)
	require.NoError(t, err, "without verification only the whole-file hash is computed")

	_, err = s.Merge(ctx, "u1", refs, true)
	var corrupt *CorruptChunkError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, 1, corrupt.Index)
	assert.Equal(t, checksum.Sum([]byte("evil")), corrupt.Actual)
}

func TestMergeRejectsDuplicateIndex(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	p, err := s.Put(ctx, "u1", 0, []byte("x"))
	require.NoError(t, err)

	_, err = s.Merge(ctx, "u1", []Ref{{Index: 0, Path: p}, {Index: 0, Path: p}}, false)
	assert.Error(t, err)
}
