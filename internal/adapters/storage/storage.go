package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"evidence-orchestrator/internal/domain/model"
)

// Backend 是一个具名的载荷存储后端。path 为后端内的定位符，由 Put 返回。
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Protect(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
}

// Manager 按名字路由到各后端，并提供压缩/加密这类与后端无关的变换。
type Manager struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewManager(backends ...Backend) *Manager {
	m := &Manager{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		m.backends[b.Name()] = b
	}
	return m
}

// Register 增加或替换后端。
func (m *Manager) Register(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.Name()] = b
}

// Names 返回已注册后端名（排序）。
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.backends))
	for n := range m.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) backend(name string) (Backend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[name]
	if !ok {
		return nil, model.Invalidf("unknown storage backend %q", name)
	}
	return b, nil
}

// Store 写入载荷，返回后端内路径。
func (m *Manager) Store(ctx context.Context, backend, key string, data []byte) (string, error) {
	b, err := m.backend(backend)
	if err != nil {
		return "", err
	}
	p, err := b.Put(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("store %s on %s: %w", key, backend, err)
	}
	return p, nil
}

// Read 读取载荷。
func (m *Manager) Read(ctx context.Context, backend, path string) ([]byte, error) {
	b, err := m.backend(backend)
	if err != nil {
		return nil, err
	}
	data, err := b.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s from %s: %w", path, backend, err)
	}
	return data, nil
}

// Protect 对载荷施加写阻断。
func (m *Manager) Protect(ctx context.Context, backend, path string) error {
	b, err := m.backend(backend)
	if err != nil {
		return err
	}
	if err := b.Protect(ctx, path); err != nil {
		return fmt.Errorf("protect %s on %s: %w", path, backend, err)
	}
	return nil
}

// Delete 删除载荷。
func (m *Manager) Delete(ctx context.Context, backend, path string) error {
	b, err := m.backend(backend)
	if err != nil {
		return err
	}
	if err := b.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete %s on %s: %w", path, backend, err)
	}
	return nil
}

// Transfer 把载荷从一个后端复制到另一个后端，源端保持不动。
func (m *Manager) Transfer(ctx context.Context, from, path, to, key string) (string, error) {
	if from == to {
		return "", model.Invalidf("transfer target equals source backend %q", from)
	}
	data, err := m.Read(ctx, from, path)
	if err != nil {
		return "", err
	}
	return m.Store(ctx, to, key, data)
}

// Compress 以 gzip 压缩载荷。
func (m *Manager) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress 是 Compress 的逆操作。
func (m *Manager) Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// 加密容器格式：magic(4) | salt(16) | nonce(24) | ciphertext。
var encMagic = []byte("EVX1")

const saltLen = 16

// ErrDecrypt 表示口令错误或密文被改动。
var ErrDecrypt = errors.New("decrypt evidence container")

// Encrypt 使用口令派生密钥（scrypt）并以 XChaCha20-Poly1305 加密。
func (m *Manager) Encrypt(data []byte, passphrase string) ([]byte, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, model.Invalidf("encryption key is required")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	aead, err := deriveAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, 0, len(encMagic)+len(salt)+len(nonce)+len(data)+aead.Overhead())
	out = append(out, encMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, encMagic), nil
}

// Decrypt 是 Encrypt 的逆操作。
func (m *Manager) Decrypt(data []byte, passphrase string) ([]byte, error) {
	head := len(encMagic) + saltLen + chacha20poly1305.NonceSizeX
	if len(data) < head || !bytes.Equal(data[:len(encMagic)], encMagic) {
		return nil, fmt.Errorf("%w: not an evidence container", ErrDecrypt)
	}
	salt := data[len(encMagic) : len(encMagic)+saltLen]
	nonce := data[len(encMagic)+saltLen : head]
	aead, err := deriveAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, data[head:], encMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func deriveAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}
