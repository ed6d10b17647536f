package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// EICAR 是标准的反病毒测试串。
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

const eicarThreat = "Eicar-Test-Signature"

// Mock 在内容中查找 EICAR 测试串和配置的特征串，用于开发和测试环境。
type Mock struct {
	signatures [][]byte
}

// NewMock 创建 mock 扫描器，signatures 为额外识别的特征串。
func NewMock(signatures ...string) *Mock {
	m := &Mock{}
	for _, sig := range signatures {
		if sig != "" {
			m.signatures = append(m.signatures, []byte(sig))
		}
	}
	return m
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Scan(ctx context.Context, r io.Reader, _ Metadata) (*Result, error) {
	start := time.Now()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	threats := []string{}
	if bytes.Contains(data, []byte(EICAR)) {
		threats = append(threats, eicarThreat)
	}
	for _, sig := range m.signatures {
		if bytes.Contains(data, sig) {
			threats = append(threats, "Mock.Signature."+string(sig))
		}
	}

	return &Result{
		Clean:          len(threats) == 0,
		Threats:        threats,
		ScannerName:    m.Name(),
		ScannerVersion: "1.0",
		Duration:       time.Since(start),
	}, nil
}
