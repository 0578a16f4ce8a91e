// Package cloudhttp 通过 HTTP 快照网关访问云厂商资源清单。
//
// 网关约定：
// - GET {endpoint}/v1/{provider}/{region}/resource-types -> JSON 字符串数组
// - GET {endpoint}/v1/{provider}/{region}/resources/{type} -> 资源快照（原样保存）
//
// 认证使用 Credentials["token"] 作为 Bearer token；account_id 透传为查询参数。
package cloudhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"evidence-orchestrator/internal/adapters/acquire"
	"evidence-orchestrator/internal/domain/model"
)

// maxSnapshotBytes 单个快照的读取上限。
const maxSnapshotBytes = 256 << 20

// Factory 实现 acquire.CloudClientFactory。
type Factory struct {
	// DefaultEndpoint 在 CloudConfig.Endpoint 为空时使用。
	DefaultEndpoint string
	// DefaultToken 在请求凭据未给出 token 时使用。
	DefaultToken string

	HTTPClient *http.Client
}

func NewFactory(defaultEndpoint string) *Factory {
	return &Factory{DefaultEndpoint: strings.TrimSpace(defaultEndpoint)}
}

func (f *Factory) NewClient(ctx context.Context, cfg model.CloudConfig) (acquire.CloudClient, error) {
	base := strings.TrimSpace(cfg.Endpoint)
	if base == "" {
		base = f.DefaultEndpoint
	}
	if base == "" {
		return nil, fmt.Errorf("no snapshot endpoint for %s", cfg.Provider)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	c := f.HTTPClient
	if c == nil {
		c = &http.Client{Timeout: 60 * time.Second}
	}
	token := strings.TrimSpace(cfg.Credentials["token"])
	if token == "" {
		token = f.DefaultToken
	}
	cl := &Client{
		base:    strings.TrimRight(base, "/") + "/v1/" + url.PathEscape(string(cfg.Provider)) + "/" + url.PathEscape(cfg.Region),
		token:   token,
		account: cfg.AccountID,
		http:    c,
	}
	// 先枚举一次用于校验凭据，避免到采集阶段才发现认证失败。
	if _, err := cl.ResourceTypes(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

// Client 是针对单个 provider/region 的快照客户端。
type Client struct {
	base    string
	token   string
	account string
	http    *http.Client
}

func (c *Client) ResourceTypes(ctx context.Context) ([]string, error) {
	body, _, err := c.get(ctx, c.base+"/resource-types", 1<<20)
	if err != nil {
		return nil, err
	}
	var types []string
	if err := json.Unmarshal(body, &types); err != nil {
		return nil, fmt.Errorf("decode resource types: %w", err)
	}
	return types, nil
}

func (c *Client) Snapshot(ctx context.Context, resourceType string) (*acquire.Acquisition, error) {
	rt := strings.TrimSpace(resourceType)
	if rt == "" {
		return nil, model.Invalidf("resource type is required")
	}
	u := c.base + "/resources/" + url.PathEscape(rt)
	body, mime, err := c.get(ctx, u, maxSnapshotBytes)
	if err != nil {
		return nil, err
	}
	if mime == "" {
		mime = "application/json"
	}
	return &acquire.Acquisition{
		Name:        rt + ".json",
		Description: "cloud snapshot of " + rt,
		Path:        u,
		Payload:     body,
		Metadata: model.EvidenceMetadata{
			AcquisitionMethod: "cloud_api_snapshot",
			AcquisitionTool:   "cloudhttp",
			MimeType:          mime,
		},
	}, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) get(ctx context.Context, u string, limit int64) ([]byte, string, error) {
	if c.account != "" {
		u += "?account_id=" + url.QueryEscape(c.account)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return body, mime, nil
}
