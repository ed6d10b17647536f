package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

const clamdChunkSize = 32 << 10

// Clamd 通过 INSTREAM 协议把内容流式发送给 clamd 守护进程。
type Clamd struct {
	network string
	address string
	timeout time.Duration
	dialer  net.Dialer

	mu      sync.Mutex
	version string
}

// NewClamd 解析 tcp://host:port 或 unix:///path 形式的地址，裸 host:port 视为 tcp。
func NewClamd(addr string, timeout time.Duration) (*Clamd, error) {
	network, address := "tcp", addr
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		address = strings.TrimPrefix(addr, "tcp://")
	case strings.HasPrefix(addr, "unix://"):
		network, address = "unix", strings.TrimPrefix(addr, "unix://")
	}
	if address == "" {
		return nil, fmt.Errorf("clamd address is empty")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Clamd{network: network, address: address, timeout: timeout}, nil
}

func (c *Clamd) Name() string { return "clamav" }

func (c *Clamd) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, unavailable("dial clamd", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, unavailable("set deadline", err)
	}
	return conn, nil
}

func (c *Clamd) Scan(ctx context.Context, r io.Reader, _ Metadata) (*Result, error) {
	start := time.Now()
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	w := bufio.NewWriterSize(conn, clamdChunkSize+4)
	if _, err := w.WriteString("zINSTREAM\x00"); err != nil {
		return nil, unavailable("write command", err)
	}

	buf := make([]byte, clamdChunkSize)
	var size [4]byte
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, err := w.Write(size[:]); err != nil {
				return nil, unavailable("write chunk", err)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return nil, unavailable("write chunk", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read content: %w", readErr)
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return nil, unavailable("write terminator", err)
	}
	if err := w.Flush(); err != nil {
		return nil, unavailable("flush stream", err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return nil, err
	}
	clean, threats, err := parseReply(reply)
	if err != nil {
		return nil, err
	}

	return &Result{
		Clean:          clean,
		Threats:        threats,
		ScannerName:    c.Name(),
		ScannerVersion: c.Version(ctx),
		Duration:       time.Since(start),
	}, nil
}

// Version 返回 clamd 的引擎版本，首次成功后缓存；查询失败时返回空串。
func (c *Clamd) Version(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != "" {
		return c.version
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return ""
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "zVERSION\x00"); err != nil {
		return ""
	}
	reply, err := readReply(conn)
	if err != nil {
		return ""
	}
	// ClamAV 1.2.1/27100/Mon Nov 20 09:24:43 2023
	reply = strings.TrimPrefix(reply, "ClamAV ")
	version, _, _ := strings.Cut(reply, "/")
	c.version = version
	return c.version
}

func readReply(conn net.Conn) (string, error) {
	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return "", unavailable("read reply", err)
	}
	return strings.TrimSpace(strings.TrimRight(reply, "\x00")), nil
}

// parseReply 解析 "stream: OK"、"stream: <name> FOUND" 与 "... ERROR" 三种应答。
func parseReply(reply string) (bool, []string, error) {
	body := strings.TrimPrefix(reply, "stream: ")
	switch {
	case body == "OK":
		return true, []string{}, nil
	case strings.HasSuffix(body, " FOUND"):
		return false, []string{strings.TrimSuffix(body, " FOUND")}, nil
	case strings.HasSuffix(body, " ERROR"):
		return false, nil, unavailable("clamd", errors.New(strings.TrimSuffix(body, " ERROR")))
	default:
		return false, nil, unavailable("clamd", fmt.Errorf("unexpected reply %q", reply))
	}
}
