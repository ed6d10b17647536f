package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTP 把内容 POST 给云端扫描接口并解析 JSON 结论。
type HTTP struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type httpVerdict struct {
	Clean   bool     `json:"clean"`
	Threats []string `json:"threats"`
	Scanner string   `json:"scanner"`
	Version string   `json:"version"`
}

// NewHTTP 创建云端扫描器，apiKey 以 Bearer 方式发送。
func NewHTTP(endpoint, apiKey string, timeout time.Duration) (*HTTP, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("scanner endpoint is empty")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTP{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Scan(ctx context.Context, r io.Reader, meta Metadata) (*Result, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	if meta.FileName != "" {
		req.Header.Set("X-File-Name", meta.FileName)
	}
	if meta.Size > 0 {
		req.Header.Set("X-File-Size", strconv.FormatInt(meta.Size, 10))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, unavailable("scan request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, unavailable("scan request", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scan request: unexpected status %d", resp.StatusCode)
	}

	var verdict httpVerdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&verdict); err != nil {
		return nil, unavailable("decode verdict", err)
	}
	if verdict.Threats == nil {
		verdict.Threats = []string{}
	}
	name := verdict.Scanner
	if name == "" {
		name = h.Name()
	}

	return &Result{
		Clean:          verdict.Clean && len(verdict.Threats) == 0,
		Threats:        verdict.Threats,
		ScannerName:    name,
		ScannerVersion: verdict.Version,
		Duration:       time.Since(start),
	}, nil
}
