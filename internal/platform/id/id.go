package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New 生成带前缀的简易唯一 ID：
// prefix + 毫秒时间戳 + 随机后缀。
// 这种格式便于日志阅读，也基本满足本地场景下的唯一性。
func New(prefix string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// UUID 生成随机 UUIDv4，用于监管链条目与法律保全这类需要跨系统引用的标识。
func UUID() string {
	return uuid.NewString()
}

// Generator 是可注入的 ID 生成器。
type Generator interface {
	// NewID 生成带前缀的 ID（证据 evd、任务 job、审计 aud）。
	NewID(prefix string) string
	// NewUUID 生成 UUID。
	NewUUID() string
}

// Default 使用 New/UUID 的默认生成器。
type Default struct{}

func (Default) NewID(prefix string) string { return New(prefix) }
func (Default) NewUUID() string            { return UUID() }
