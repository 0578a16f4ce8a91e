// Package privacy 负责两类脱敏：
// 审计明细中的凭据类字段一律遮盖；对外导出在 masked 模式下隐藏主机路径与地址。
package privacy

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"evidence-orchestrator/internal/domain/model"
)

const (
	ModeOff    = "off"
	ModeMasked = "masked"

	masked = "<masked>"
)

var (
	reURLScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
	reIPv4      = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)
)

// secretKeys 中的子串出现在字段名里即视为凭据。
var secretKeys = []string{"password", "secret", "token", "credential", "encryption_key", "api_key", "private_key"}

// NormalizeMode 把未知取值归为 off。
func NormalizeMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), ModeMasked) {
		return ModeMasked
	}
	return ModeOff
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range secretKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactDetails 返回遮盖了凭据字段的副本（递归处理嵌套 map 与切片），URL 类字符串去掉用户信息与查询参数。
// 原 map 不被修改。
func RedactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSecretKey(k) {
			if v == nil || v == "" {
				out[k] = v
			} else {
				out[k] = masked
			}
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactDetails(t)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
		return RedactDetails(m)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = redactValue(t[i])
		}
		return out
	case string:
		if reURLScheme.MatchString(t) {
			return StripURL(t)
		}
		return t
	default:
		return v
	}
}

// StripURL 去掉 URL 中的用户信息、查询参数与片段，保留 scheme、主机与路径。
func StripURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// MaskURL 把 URL 降级为只保留域名的形式。输入不是合法 URL 时返回 "<masked_url>"。
func MaskURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !reURLScheme.MatchString(raw) {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<masked_url>"
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return "<masked_url>"
	}
	return host
}

// MaskPath 把绝对路径压缩为文件名，避免在对外材料中暴露用户名与目录结构。
func MaskPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	// 源主机可能是 Windows，统一按两种分隔符处理。
	p = strings.ReplaceAll(p, `\`, "/")
	return filepath.Base(p)
}

// MaskHost 保留主机名首段；IPv4 只保留前两段。
func MaskHost(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return ""
	}
	if reIPv4.MatchString(h) {
		parts := strings.Split(h, ".")
		return parts[0] + "." + parts[1] + ".x.x"
	}
	if i := strings.IndexByte(h, '.'); i > 0 {
		return h[:i] + ".<masked>"
	}
	return h
}

// MaskEvidence 返回用于对外导出的证据副本：路径只保留文件名，主机做部分遮盖。
// 哈希与监管链保持原样，便于收件方复核。
func MaskEvidence(it model.EvidenceItem) model.EvidenceItem {
	out := it.Clone()
	out.Path = MaskPath(out.Path)
	out.StoragePath = MaskPath(out.StoragePath)
	out.Metadata.OriginalPath = MaskPath(out.Metadata.OriginalPath)
	out.Metadata.SourceHost = MaskHost(out.Metadata.SourceHost)
	if len(out.Metadata.Extra) > 0 {
		extra := make(map[string]string, len(out.Metadata.Extra))
		for k, v := range out.Metadata.Extra {
			if isSecretKey(k) {
				v = masked
			}
			extra[k] = v
		}
		out.Metadata.Extra = extra
	}
	return out
}
