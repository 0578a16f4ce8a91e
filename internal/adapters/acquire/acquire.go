// Package acquire 定义采集后端的统一能力契约，以及终端、现场响应、网络、云四类实现。
//
// 后端只负责“拿到字节与元数据”或返回单项错误；任务级成败由编排器根据汇总结果判断。
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evidence-orchestrator/internal/domain/model"
)

// FileInfo 是远端文件的描述。
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
	Mode    string    `json:"mode,omitempty"`
}

// Connection 是到某个来源的活动连接。传输协议由 Connector 实现决定。
type Connection interface {
	Source() model.EvidenceSource
	// Platform 返回 windows/linux/darwin。
	Platform() string
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	ListDir(ctx context.Context, path string) ([]FileInfo, error)
	Glob(ctx context.Context, pattern string) ([]string, error)
}

// Connector 建立与释放连接。
type Connector interface {
	Connect(ctx context.Context, source model.EvidenceSource) (Connection, error)
	Disconnect(ctx context.Context, conn Connection) error
}

// Request 是一次单类型采集请求。
type Request struct {
	CaseID  string
	Type    model.EvidenceType
	Options model.CollectionOptions
}

// Acquisition 是后端产出：载荷加描述信息，尚未登记、尚未计算哈希。
type Acquisition struct {
	Name        string
	Description string
	// Path 是来源上的原始位置（命令行或文件路径）。
	Path     string
	Payload  []byte
	Metadata model.EvidenceMetadata
	Tags     []string
}

// Backend 是采集后端的统一契约。
type Backend interface {
	Name() string
	Supports(t model.EvidenceType) bool
	Acquire(ctx context.Context, conn Connection, req Request) (*Acquisition, error)
}

// CloudClient 是已认证的云厂商客户端。
type CloudClient interface {
	ResourceTypes(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, resourceType string) (*Acquisition, error)
	Close() error
}

// CloudClientFactory 按 provider/region 引导客户端。
type CloudClientFactory interface {
	NewClient(ctx context.Context, cfg model.CloudConfig) (CloudClient, error)
}

// ErrFootprint 表示在最小痕迹模式下拒绝执行高痕迹采集。
var ErrFootprint = errors.New("refused in minimal footprint mode")

// Set 按证据类型路由到具体后端；同一类型以先注册者为准。
type Set struct {
	backends []Backend
}

func NewSet(backends ...Backend) *Set {
	return &Set{backends: backends}
}

// For 返回支持该类型的后端。
func (s *Set) For(t model.EvidenceType) (Backend, error) {
	for _, b := range s.backends {
		if b.Supports(t) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", model.ErrUnsupported, t)
}

// Acquire 路由并执行采集，补齐通用元数据。
func (s *Set) Acquire(ctx context.Context, conn Connection, req Request) (*Acquisition, error) {
	b, err := s.For(req.Type)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acq, err := b.Acquire(ctx, conn, req)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", b.Name(), err)
	}
	if acq.Metadata.SourceHost == "" {
		src := conn.Source()
		acq.Metadata.SourceHost = src.Hostname
		if acq.Metadata.SourceHost == "" {
			acq.Metadata.SourceHost = src.IPAddress
		}
	}
	if acq.Metadata.OriginalSize == 0 {
		acq.Metadata.OriginalSize = int64(len(acq.Payload))
	}
	if acq.Metadata.AcquisitionTool == "" {
		acq.Metadata.AcquisitionTool = "evidence-orchestrator/" + b.Name()
	}
	if acq.Metadata.ToolVersion == "" {
		acq.Metadata.ToolVersion = ToolVersion
	}
	return acq, nil
}

// ToolVersion 写入证据元数据的采集器版本。
const ToolVersion = "0.3.0"

// Types 从 all 中筛出有后端支持的类型，保持原顺序。
func (s *Set) Types(all []model.EvidenceType) []model.EvidenceType {
	var out []model.EvidenceType
	for _, t := range all {
		if _, err := s.For(t); err == nil {
			out = append(out, t)
		}
	}
	return out
}
