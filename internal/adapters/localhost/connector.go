// Package localhost 提供本机连接：在编排器所在主机上直接执行命令、读取文件。
// 远端传输（SSH/WinRM/EDR agent）由其他 Connector 实现接入。
package localhost

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"evidence-orchestrator/internal/adapters/acquire"
	"evidence-orchestrator/internal/domain/model"
)

// Connector 只接受指向本机的来源。
type Connector struct {
	mu     sync.Mutex
	active map[*Conn]struct{}
}

func NewConnector() *Connector {
	return &Connector{active: make(map[*Conn]struct{})}
}

// IsLocal 判断来源是否指向本机。
func IsLocal(src model.EvidenceSource) bool {
	host := strings.ToLower(strings.TrimSpace(src.Hostname))
	ip := strings.TrimSpace(src.IPAddress)
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	switch ip {
	case "127.0.0.1", "::1":
		return true
	}
	if h, err := os.Hostname(); err == nil && host != "" && strings.EqualFold(h, host) {
		return true
	}
	return false
}

func (c *Connector) Connect(ctx context.Context, src model.EvidenceSource) (acquire.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !IsLocal(src) {
		return nil, fmt.Errorf("%w: no transport to %s (%s)", model.ErrConnection, src.Hostname, src.IPAddress)
	}
	platform := src.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	conn := &Conn{source: src, platform: platform}
	c.mu.Lock()
	c.active[conn] = struct{}{}
	c.mu.Unlock()
	return conn, nil
}

func (c *Connector) Disconnect(_ context.Context, conn acquire.Connection) error {
	lc, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("foreign connection %T", conn)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[lc]; !ok {
		return fmt.Errorf("connection to %s already released", lc.source.ID)
	}
	delete(c.active, lc)
	return nil
}

// Active 返回尚未释放的连接数。
func (c *Connector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Conn 是本机连接。
type Conn struct {
	source   model.EvidenceSource
	platform string
}

func (c *Conn) Source() model.EvidenceSource { return c.source }
func (c *Conn) Platform() string             { return c.platform }

// Run 执行命令并返回 stdout；非零退出码时把 stderr 附在错误里。
func (c *Conn) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func (c *Conn) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (c *Conn) Stat(ctx context.Context, path string) (acquire.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return acquire.FileInfo{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return acquire.FileInfo{}, err
	}
	return acquire.FileInfo{
		Path:    path,
		Size:    st.Size(),
		ModTime: st.ModTime(),
		IsDir:   st.IsDir(),
		Mode:    st.Mode().String(),
	}, nil
}

func (c *Conn) ListDir(ctx context.Context, dir string) ([]acquire.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]acquire.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := acquire.FileInfo{Path: filepath.Join(dir, e.Name()), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			fi.Size = info.Size()
			fi.ModTime = info.ModTime()
			fi.Mode = info.Mode().String()
		}
		out = append(out, fi)
	}
	return out, nil
}

func (c *Conn) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return filepath.Glob(pattern)
}
