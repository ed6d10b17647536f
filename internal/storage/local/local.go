package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"dropvault/internal/storage"
)

// Storage 把对象保存在本地文件系统，key 映射为 BaseDir 下的相对路径。
type Storage struct {
	BaseDir string
	BaseURL string
}

// New 创建本地存储，BaseURL 为空时 Location.URL 留空。
func New(baseDir, baseURL string) *Storage {
	return &Storage{BaseDir: baseDir, BaseURL: baseURL}
}

// resolve 把 key 限制在 BaseDir 之内。
func (s *Storage) resolve(key string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("local storage uninitialized")
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.BaseDir, strings.TrimPrefix(clean, string(filepath.Separator))), nil
}

// Write 先写入同目录的临时文件并 fsync，再 rename 到目标路径，读者不会看到半个对象。
func (s *Storage) Write(ctx context.Context, key string, r io.Reader) (storage.Location, error) {
	targetPath, err := s.resolve(key)
	if err != nil {
		return storage.Location{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.Location{}, err
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return storage.Location{}, fmt.Errorf("ensure dir: %w", err)
	}

	file, err := os.CreateTemp(filepath.Dir(targetPath), filepath.Base(targetPath)+".*.tmp")
	if err != nil {
		return storage.Location{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := file.Name()
	committed := false
	defer func() {
		if !committed {
			file.Close()
			os.Remove(tempPath)
		}
	}()

	n, err := io.Copy(file, r)
	if err != nil {
		return storage.Location{}, fmt.Errorf("write file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return storage.Location{}, fmt.Errorf("sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return storage.Location{}, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		return storage.Location{}, fmt.Errorf("rename temp file: %w", err)
	}
	committed = true

	loc := storage.Location{Path: filepath.ToSlash(key), Size: n}
	if s.BaseURL != "" {
		if u, err := url.JoinPath(s.BaseURL, filepath.ToSlash(key)); err == nil {
			loc.URL = u
		}
	}
	return loc, nil
}

// Read 打开并返回指定 key 对应的文件内容。
func (s *Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	targetPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(targetPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Delete 删除对象，不存在时忽略。
func (s *Storage) Delete(ctx context.Context, key string) error {
	targetPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(targetPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// Stat 返回对象大小与修改时间。
func (s *Storage) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	targetPath, err := s.resolve(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s is a directory", storage.ErrNotFound, key)
	}
	return storage.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}
