// Package scanner 定义恶意文件扫描器抽象以及 mock、clamd、http 三种实现。
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"dropvault/internal/config"
)

// ErrUnavailable 表示扫描服务暂时不可用，调用方应当重试。
var ErrUnavailable = errors.New("scanner unavailable")

// Metadata 是随内容一起交给扫描器的文件信息。
type Metadata struct {
	FileID   string
	FileName string
	MimeType string
	Size     int64
}

// Result 是一次扫描的结论。
type Result struct {
	Clean          bool
	Threats        []string
	ScannerName    string
	ScannerVersion string
	Duration       time.Duration
}

// Scanner 扫描一段内容并给出结论。
type Scanner interface {
	Scan(ctx context.Context, r io.Reader, meta Metadata) (*Result, error)
	Name() string
}

// New 按 SCANNER_DRIVER 创建扫描器。
func New(cfg *config.Config) (Scanner, error) {
	switch cfg.ScannerDriver {
	case "", "mock":
		return NewMock(cfg.ScannerSignatures...), nil
	case "clamd":
		return NewClamd(cfg.ClamdAddr, cfg.ScanTimeout)
	case "http":
		return NewHTTP(cfg.ScannerHTTPURL, cfg.ScannerHTTPKey, cfg.ScanTimeout)
	default:
		return nil, fmt.Errorf("unknown scanner driver %q", cfg.ScannerDriver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
