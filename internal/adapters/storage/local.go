package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"evidence-orchestrator/internal/domain/model"
)

// ErrWriteProtected 表示载荷已施加写阻断。
var ErrWriteProtected = errors.New("evidence payload is write-protected")

// Local 把载荷落在本地目录下，path 为相对 root 的 key。
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Name() string { return "local" }

// Root 返回根目录。
func (l *Local) Root() string { return l.root }

// Abs 把后端内 path 转为绝对路径。
func (l *Local) Abs(p string) (string, error) {
	k, err := cleanKey(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(k)), nil
}

func (l *Local) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(l.root, filepath.FromSlash(k))
	if st, err := os.Stat(dst); err == nil && st.Mode().Perm()&0o200 == 0 {
		return "", ErrWriteProtected
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	// 先写临时文件再改名，避免读到半截载荷。
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".part-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename: %w", err)
	}
	return k, nil
}

func (l *Local) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := l.Abs(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NotFoundf("payload %s", p)
		}
		return nil, err
	}
	return data, nil
}

// Protect 去掉写权限（0444）。
func (l *Local) Protect(ctx context.Context, p string) error {
	abs, err := l.Abs(p)
	if err != nil {
		return err
	}
	if err := os.Chmod(abs, 0o444); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.NotFoundf("payload %s", p)
		}
		return err
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, p string) error {
	abs, err := l.Abs(p)
	if err != nil {
		return err
	}
	_ = os.Chmod(abs, 0o644)
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// cleanKey 规范化 key，拒绝绝对路径与 ".." 逃逸。
func cleanKey(key string) (string, error) {
	k := strings.TrimSpace(filepath.ToSlash(key))
	if k == "" {
		return "", model.Invalidf("empty storage key")
	}
	if strings.HasPrefix(k, "/") || filepath.IsAbs(key) {
		return "", model.Invalidf("storage key %q must be relative", key)
	}
	c := path.Clean(k)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", model.Invalidf("storage key %q escapes root", key)
	}
	return c, nil
}
