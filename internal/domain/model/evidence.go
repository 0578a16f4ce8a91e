package model

import (
	"encoding/json"
	"sort"
	"time"
)

// SourceType 表示证据来源的类别。
type SourceType string

const (
	// SourceEndpoint 终端（工作站/笔记本）。
	SourceEndpoint SourceType = "endpoint"
	// SourceServer 服务器。
	SourceServer SourceType = "server"
	// SourceCloud 云账号/云资源。
	SourceCloud SourceType = "cloud"
)

// EvidenceSource 表示一个远端证据来源。一旦被证据引用即视为不可变。
type EvidenceSource struct {
	ID        string     `json:"id" yaml:"id"`
	Type      SourceType `json:"type" yaml:"type"`
	Hostname  string     `json:"hostname,omitempty" yaml:"hostname"`
	IPAddress string     `json:"ip_address,omitempty" yaml:"ip_address"`
	Name      string     `json:"name,omitempty" yaml:"name"`
	// Platform 为 windows/linux/darwin，留空时由连接方自行探测。
	Platform string `json:"platform,omitempty" yaml:"platform"`
}

// EvidenceType 表示证据类型。
type EvidenceType string

const (
	// 终端/磁盘类
	EvidenceFileArtifact    EvidenceType = "file_artifact"
	EvidenceDiskImage       EvidenceType = "disk_image"
	EvidenceEventLog        EvidenceType = "event_log"
	EvidenceBrowserArtifact EvidenceType = "browser_artifact"

	// 内存/现场响应类
	EvidenceMemoryDump     EvidenceType = "memory_dump"
	EvidenceProcessList    EvidenceType = "process_list"
	EvidenceOpenFiles      EvidenceType = "open_files"
	EvidenceLoadedModules  EvidenceType = "loaded_modules"
	EvidenceSystemInfo     EvidenceType = "system_info"
	EvidenceServices       EvidenceType = "services"
	EvidenceScheduledTasks EvidenceType = "scheduled_tasks"
	EvidenceUserSessions   EvidenceType = "user_sessions"
	EvidenceLiveResponse   EvidenceType = "live_response"

	// 网络类
	EvidenceNetworkConnections EvidenceType = "network_connections"
	EvidenceNetworkCapture     EvidenceType = "network_capture"
	EvidenceARPTable           EvidenceType = "arp_table"
	EvidenceRoutingTable       EvidenceType = "routing_table"

	// 云资源快照
	EvidenceCloudSnapshot EvidenceType = "cloud_snapshot"
)

// EvidenceMetadata 描述一次采集的方法、工具与原始位置。
type EvidenceMetadata struct {
	AcquisitionMethod string            `json:"acquisition_method,omitempty"`
	AcquisitionTool   string            `json:"acquisition_tool,omitempty"`
	ToolVersion       string            `json:"tool_version,omitempty"`
	OriginalPath      string            `json:"original_path,omitempty"`
	OriginalSize      int64             `json:"original_size,omitempty"`
	SourceHost        string            `json:"source_host,omitempty"`
	MimeType          string            `json:"mime_type,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// CustodyAction 是监管链条目的动作类型。
type CustodyAction string

const (
	CustodyCollected   CustodyAction = "collected"
	CustodyHashed      CustodyAction = "hashed"
	CustodyPreserved   CustodyAction = "preserved"
	CustodyTransferred CustodyAction = "transferred"
	CustodyVerified    CustodyAction = "verified"
	CustodyHoldApplied CustodyAction = "legal_hold_applied"
	CustodyHoldRelease CustodyAction = "legal_hold_released"
)

// ChainOfCustodyEntry 是一条监管链记录。写入后永不修改。
//
// PreviousHash/NewHash 仅在记录完整性状态变化时填写；
// PreviousHash 必须等于追加时刻最近一次记录的哈希。
type ChainOfCustodyEntry struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Action       CustodyAction `json:"action"`
	Actor        string        `json:"actor"`
	Description  string        `json:"description,omitempty"`
	PreviousHash string        `json:"previous_hash,omitempty"`
	NewHash      string        `json:"new_hash,omitempty"`
}

// EvidenceHashes 是算法名 -> 十六进制摘要。
type EvidenceHashes map[string]string

// EvidenceItem 是证据的核心记录。
type EvidenceItem struct {
	ID             string                `json:"id"`
	CaseID         string                `json:"case_id"`
	SourceID       string                `json:"source_id"`
	Type           EvidenceType          `json:"type"`
	Name           string                `json:"name"`
	Description    string                `json:"description,omitempty"`
	Size           int64                 `json:"size"`
	Path           string                `json:"path,omitempty"`
	StoragePath    string                `json:"storage_path"`
	StorageBackend string                `json:"storage_backend"`
	Hashes         EvidenceHashes        `json:"hashes"`
	Metadata       EvidenceMetadata      `json:"metadata"`
	ChainOfCustody []ChainOfCustodyEntry `json:"chain_of_custody"`
	CollectedAt    time.Time             `json:"collected_at"`
	CollectedBy    string                `json:"collected_by"`
	Verified       bool                  `json:"verified"`
	Tags           map[string]struct{}   `json:"-"`
	LegalHold      *string               `json:"legal_hold,omitempty"`
}

// TagList 返回排序后的标签列表，用于 JSON 输出与展示。
func (e *EvidenceItem) TagList() []string {
	out := make([]string, 0, len(e.Tags))
	for t := range e.Tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasTags 判断证据是否同时带有全部给定标签。
func (e *EvidenceItem) HasTags(tags ...string) bool {
	for _, t := range tags {
		if _, ok := e.Tags[t]; !ok {
			return false
		}
	}
	return true
}

// AddTags 追加标签（集合语义）。
func (e *EvidenceItem) AddTags(tags ...string) {
	if e.Tags == nil {
		e.Tags = make(map[string]struct{}, len(tags))
	}
	for _, t := range tags {
		if t != "" {
			e.Tags[t] = struct{}{}
		}
	}
}

// LatestHash 返回最近一次记录的主哈希：
// 优先取监管链最后一个带 NewHash 的条目，否则回落到 Hashes 中的主算法。
func (e *EvidenceItem) LatestHash() string {
	for i := len(e.ChainOfCustody) - 1; i >= 0; i-- {
		if h := e.ChainOfCustody[i].NewHash; h != "" {
			return h
		}
	}
	_, h := PrimaryHash(e.Hashes)
	return h
}

// Clone 深拷贝证据记录。注册表对外只返回拷贝，避免调用方绕过监管链直接改写。
func (e *EvidenceItem) Clone() EvidenceItem {
	out := *e
	if e.Hashes != nil {
		out.Hashes = make(EvidenceHashes, len(e.Hashes))
		for k, v := range e.Hashes {
			out.Hashes[k] = v
		}
	}
	if e.Metadata.Extra != nil {
		out.Metadata.Extra = make(map[string]string, len(e.Metadata.Extra))
		for k, v := range e.Metadata.Extra {
			out.Metadata.Extra[k] = v
		}
	}
	if e.ChainOfCustody != nil {
		out.ChainOfCustody = make([]ChainOfCustodyEntry, len(e.ChainOfCustody))
		copy(out.ChainOfCustody, e.ChainOfCustody)
	}
	if e.Tags != nil {
		out.Tags = make(map[string]struct{}, len(e.Tags))
		for k := range e.Tags {
			out.Tags[k] = struct{}{}
		}
	}
	if e.LegalHold != nil {
		h := *e.LegalHold
		out.LegalHold = &h
	}
	return out
}

type evidenceJSON EvidenceItem

// MarshalJSON 把标签集合输出为有序数组。
func (e EvidenceItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		evidenceJSON
		Tags []string `json:"tags"`
	}{evidenceJSON: evidenceJSON(e), Tags: e.TagList()})
}

// UnmarshalJSON 是 MarshalJSON 的逆操作（导出包回读时使用）。
func (e *EvidenceItem) UnmarshalJSON(raw []byte) error {
	var aux struct {
		evidenceJSON
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return err
	}
	*e = EvidenceItem(aux.evidenceJSON)
	e.Tags = nil
	e.AddTags(aux.Tags...)
	return nil
}

// primaryOrder 决定“主算法”的优先级。
var primaryOrder = []string{"sha256", "sha512", "blake2b-256", "sha1", "md5"}

// PrimaryHash 从哈希表中挑选主算法及其摘要；表为空时返回空字符串。
func PrimaryHash(h EvidenceHashes) (string, string) {
	for _, alg := range primaryOrder {
		if v, ok := h[alg]; ok && v != "" {
			return alg, v
		}
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if h[k] != "" {
			return k, h[k]
		}
	}
	return "", ""
}

// LegalHold 是一条法律保全。生效期间覆盖的证据不可删除。
type LegalHold struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Reason      string     `json:"reason,omitempty"`
	EvidenceIDs []string   `json:"evidence_ids"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	ReleasedBy  string     `json:"released_by,omitempty"`
}

// Covers 判断保全是否覆盖给定证据。
func (h *LegalHold) Covers(evidenceID string) bool {
	for _, id := range h.EvidenceIDs {
		if id == evidenceID {
			return true
		}
	}
	return false
}

// DeleteEligibility 是删除资格判断结果。
type DeleteEligibility struct {
	CanDelete        bool     `json:"can_delete"`
	Reason           string   `json:"reason,omitempty"`
	HoldIDs          []string `json:"hold_ids,omitempty"`
	RetentionExpired bool     `json:"retention_expired"`
}

// VerificationResult 是完整性校验结论。
type VerificationResult struct {
	EvidenceID   string    `json:"evidence_id"`
	Valid        bool      `json:"valid"`
	OriginalHash string    `json:"original_hash"`
	CurrentHash  string    `json:"current_hash"`
	Algorithm    string    `json:"algorithm"`
	VerifiedAt   time.Time `json:"verified_at"`
}
