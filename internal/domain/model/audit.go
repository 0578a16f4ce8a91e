package model

import (
	"encoding/json"
	"time"
)

// AuditCategory 审计记录的动作类别。
type AuditCategory string

const (
	AuditCollection AuditCategory = "collection"
	AuditPreserve   AuditCategory = "preservation"
	AuditIntegrity  AuditCategory = "integrity"
	AuditJob        AuditCategory = "job"
	AuditLegalHold  AuditCategory = "legal_hold"
	AuditRetention  AuditCategory = "retention"
	AuditExport     AuditCategory = "export"
	AuditError      AuditCategory = "error"
)

// AuditRecord 是一条待写入的审计记录：每个改变状态的操作恰好一条。
type AuditRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Category  AuditCategory  `json:"category"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CaseID    string         `json:"case_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
}

// AuditLog 表示一条已落盘的审计日志（audit_logs 表 / JSONL 行）。
type AuditLog struct {
	EventID       string          `json:"event_id"`
	CaseID        string          `json:"case_id"`
	EventType     string          `json:"event_type"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Actor         string          `json:"actor,omitempty"`
	Message       string          `json:"message,omitempty"`
	DetailJSON    json.RawMessage `json:"detail_json,omitempty"`
	OccurredAt    int64           `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}
