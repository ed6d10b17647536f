// Package checksum 提供上传链路统一使用的 SHA-256 计算与校验工具。
package checksum

import (
	"encoding/hex"
	"hash"
	"io"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// HexLen 是十六进制 SHA-256 摘要的长度。
const HexLen = 64

// New 返回新的 SHA-256 hasher。
func New() hash.Hash {
	return sha256.New()
}

// Sum 计算字节切片的 SHA-256，返回小写十六进制。
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader 流式计算 r 的 SHA-256，同时返回读取的字节数。
func SumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Hex 把 hasher 当前状态编码为小写十六进制。
func Hex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize 去掉空白并转为小写；格式不合法时返回 false。
func Normalize(raw string) (string, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if len(value) != HexLen {
		return "", false
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", false
	}
	return value, true
}

// Equal 大小写不敏感地比较两个十六进制摘要。
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
