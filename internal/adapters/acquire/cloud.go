package acquire

import (
	"context"
	"fmt"
	"strings"

	"evidence-orchestrator/internal/domain/model"
)

// Cloud 是云采集后端：一次请求按资源类型扇出为多份快照。
type Cloud struct {
	factory CloudClientFactory
}

func NewCloud(factory CloudClientFactory) *Cloud {
	return &Cloud{factory: factory}
}

func (c *Cloud) Name() string { return "cloud" }

// ValidateCloudConfig 检查云配置的必填项。
func ValidateCloudConfig(cfg model.CloudConfig) error {
	switch cfg.Provider {
	case model.CloudAWS, model.CloudAzure, model.CloudGCP:
	default:
		return model.Invalidf("unsupported cloud provider %q", cfg.Provider)
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return model.Invalidf("cloud region is required")
	}
	return nil
}

// Open 引导已认证的客户端；失败视为连接错误。
func (c *Cloud) Open(ctx context.Context, cfg model.CloudConfig) (CloudClient, error) {
	if c.factory == nil {
		return nil, fmt.Errorf("%w: no cloud client factory configured", model.ErrConnection)
	}
	client, err := c.factory.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", model.ErrConnection, cfg.Provider, cfg.Region, err)
	}
	return client, nil
}

// ResourceTypes 优先使用配置中声明的资源类型，否则向厂商枚举。
func (c *Cloud) ResourceTypes(ctx context.Context, client CloudClient, cfg model.CloudConfig) ([]string, error) {
	if len(cfg.ResourceTypes) > 0 {
		return append([]string(nil), cfg.ResourceTypes...), nil
	}
	types, err := client.ResourceTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate resource types: %w", err)
	}
	return types, nil
}

// Snapshot 拉取一种资源类型的快照并补齐元数据。
func (c *Cloud) Snapshot(ctx context.Context, client CloudClient, cfg model.CloudConfig, resourceType string) (*Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acq, err := client.Snapshot(ctx, resourceType)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", resourceType, err)
	}
	if acq.Name == "" {
		acq.Name = resourceType + ".json"
	}
	md := &acq.Metadata
	if md.AcquisitionMethod == "" {
		md.AcquisitionMethod = "cloud_api_snapshot"
	}
	if md.AcquisitionTool == "" {
		md.AcquisitionTool = "evidence-orchestrator/cloud"
	}
	if md.ToolVersion == "" {
		md.ToolVersion = ToolVersion
	}
	if md.SourceHost == "" {
		md.SourceHost = cfg.SourceID()
	}
	if md.OriginalSize == 0 {
		md.OriginalSize = int64(len(acq.Payload))
	}
	if md.Extra == nil {
		md.Extra = map[string]string{}
	}
	md.Extra["provider"] = string(cfg.Provider)
	md.Extra["region"] = cfg.Region
	md.Extra["resource_type"] = resourceType
	if cfg.AccountID != "" {
		md.Extra["account_id"] = cfg.AccountID
	}
	acq.Tags = append(acq.Tags, "cloud", string(cfg.Provider))
	return acq, nil
}
