// Package chunkstore 管理上传过程中的分片暂存区，并负责按序合并。
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"dropvault/internal/checksum"
)

// Store 把分片保存在本地磁盘 <dir>/<uploadID>/<index>.<nonce>.part。
// 每次写入使用新的 nonce，覆盖同一索引不会影响正在读取旧文件的合并。
type Store struct {
	dir string
}

// New 创建分片暂存区，目录不存在时自动创建。
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("chunk dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure chunk dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Ref 指向一个已落盘的分片。
type Ref struct {
	Index int
	Path  string
	Hash  string
	Size  int64
}

// Merged 是合并后的临时文件，调用方负责 Remove。
type Merged struct {
	Path string
	Size int64
	Hash string
}

// Open 打开合并结果用于读取。
func (m *Merged) Open() (*os.File, error) {
	return os.Open(m.Path)
}

// Remove 删除合并产生的临时文件。
func (m *Merged) Remove() error {
	if err := os.Remove(m.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CorruptChunkError 表示合并时某个分片的内容与上传时记录的哈希不一致。
type CorruptChunkError struct {
	Index    int
	Expected string
	Actual   string
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("chunk %d corrupted on disk: expected %s, got %s", e.Index, e.Expected, e.Actual)
}

func (s *Store) uploadDir(uploadID string) (string, error) {
	if uploadID == "" || uploadID != filepath.Base(uploadID) || strings.HasPrefix(uploadID, ".") {
		return "", fmt.Errorf("invalid upload id %q", uploadID)
	}
	return filepath.Join(s.dir, uploadID), nil
}

// Put 持久化一个分片并返回其路径。写入先进入临时文件，fsync 后再 rename。
func (s *Store) Put(ctx context.Context, uploadID string, index int, data []byte) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("invalid chunk index %d", index)
	}
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure upload dir: %w", err)
	}

	target := filepath.Join(dir, fmt.Sprintf("%d.%s.part", index, uuid.NewString()))
	tmp, err := os.CreateTemp(dir, fmt.Sprintf("%d.*.tmp", index))
	if err != nil {
		return "", fmt.Errorf("create chunk temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename chunk: %w", err)
	}
	return target, nil
}

// Open 打开单个分片。
func (s *Store) Open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk: %w", err)
	}
	return f, nil
}

// Discard 删除单个分片文件，不存在时忽略。
func (s *Store) Discard(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard chunk: %w", err)
	}
	return nil
}

// Purge 删除某次上传的全部分片。
func (s *Store) Purge(uploadID string) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge chunks: %w", err)
	}
	return nil
}

// Usage 返回某次上传当前占用的字节数与分片文件数。
func (s *Store) Usage(uploadID string) (int64, int, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return 0, 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	var (
		total int64
		files int
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, 0, err
		}
		total += info.Size()
		files++
	}
	return total, files, nil
}

// Merge 严格按 Index 升序拼接分片到临时文件，边写边计算 SHA-256。
// verify 为 true 时逐个校验分片哈希，不一致返回 *CorruptChunkError。
func (s *Store) Merge(ctx context.Context, uploadID string, refs []Ref, verify bool) (*Merged, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return nil, err
	}

	ordered := make([]Ref, len(refs))
	copy(ordered, refs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Index == ordered[i-1].Index {
			return nil, fmt.Errorf("duplicate chunk index %d", ordered[i].Index)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}
	out, err := os.CreateTemp(dir, "merged-*.blob")
	if err != nil {
		return nil, fmt.Errorf("create merge target: %w", err)
	}
	merged := &Merged{Path: out.Name()}
	ok := false
	defer func() {
		if !ok {
			out.Close()
			merged.Remove()
		}
	}()

	whole := checksum.New()
	sink := io.MultiWriter(out, whole)
	for _, ref := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, actual, err := s.appendChunk(sink, ref, verify)
		if err != nil {
			return nil, err
		}
		if verify && !checksum.Equal(actual, ref.Hash) {
			return nil, &CorruptChunkError{Index: ref.Index, Expected: ref.Hash, Actual: actual}
		}
		merged.Size += n
	}

	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("sync merged blob: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close merged blob: %w", err)
	}
	merged.Hash = checksum.Hex(whole)
	ok = true
	return merged, nil
}

func (s *Store) appendChunk(dst io.Writer, ref Ref, verify bool) (int64, string, error) {
	f, err := s.Open(ref.Path)
	if err != nil {
		return 0, "", fmt.Errorf("chunk %d: %w", ref.Index, err)
	}
	defer f.Close()

	if !verify {
		n, err := io.Copy(dst, f)
		if err != nil {
			return n, "", fmt.Errorf("copy chunk %d: %w", ref.Index, err)
		}
		return n, "", nil
	}

	h := checksum.New()
	n, err := io.Copy(io.MultiWriter(dst, h), f)
	if err != nil {
		return n, "", fmt.Errorf("copy chunk %d: %w", ref.Index, err)
	}
	return n, checksum.Hex(h), nil
}
