// Package audit 负责把“每个改变状态的操作恰好一条”的审计记录写到持久化目标。
//
// 所有 Sink 写出的行都带链式哈希（按 case_id 分链），可用 auditverify.VerifyAuditLogs 复核。
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"evidence-orchestrator/internal/adapters/store/sqlite"
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/platform/id"
)

// Sink 是只追加的审计写入目标。
type Sink interface {
	Append(ctx context.Context, rec model.AuditRecord) error
	Close() error
}

// Lister 按写入顺序读回某案件的审计行。FileSink 与 SQLiteSink 都实现它。
type Lister interface {
	List(ctx context.Context, caseID string) ([]model.AuditLog, error)
}

// Nop 丢弃全部记录（audit.enabled=false 时使用）。
type Nop struct{}

func (Nop) Append(context.Context, model.AuditRecord) error { return nil }
func (Nop) Close() error                                    { return nil }

func (Nop) List(context.Context, string) ([]model.AuditLog, error) { return nil, nil }

// Seal 把待写记录转换为带链式哈希的审计行。公式与 Store.AppendAudit 一致。
func Seal(rec model.AuditRecord, prev, eventID string) model.AuditLog {
	detail := []byte("{}")
	if len(rec.Details) > 0 {
		if raw, err := json.Marshal(rec.Details); err == nil {
			detail = raw
		}
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out := model.AuditLog{
		EventID:       eventID,
		CaseID:        rec.CaseID,
		EventType:     string(rec.Category),
		Action:        rec.Action,
		Status:        rec.Status,
		Actor:         rec.Actor,
		Message:       rec.Message,
		DetailJSON:    detail,
		OccurredAt:    ts.UnixMilli(),
		ChainPrevHash: prev,
	}
	out.ChainHash = hash.Text(prev, out.CaseID, out.EventType, out.Action, out.Status,
		fmt.Sprintf("%d", out.OccurredAt), out.Message, string(detail))
	return out
}

// FileSink 以 JSONL 追加写入，每行写完即 fsync。
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
	last map[string]string
}

// OpenFile 打开（或创建）审计文件，并从已有内容恢复每个案件的链尾哈希。
func OpenFile(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("audit path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	existing, err := ReadFile(path, "")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	last := make(map[string]string)
	for _, l := range existing {
		last[l.CaseID] = l.ChainHash
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileSink{path: path, file: f, w: bufio.NewWriter(f), last: last}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Append(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("audit log closed")
	}
	line := Seal(rec, s.last[rec.CaseID], id.New("aud"))
	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal audit line: %w", err)
	}
	if _, err := s.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush audit line: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	s.last[rec.CaseID] = line.ChainHash
	return nil
}

// List 读回文件中该案件的记录。写入即落盘，所以无需先 flush。
func (s *FileSink) List(_ context.Context, caseID string) ([]model.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadFile(s.path, caseID)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadFile 读取 JSONL 审计文件；caseID 非空时只返回该案件的记录（保持写入顺序）。
func ReadFile(path, caseID string) ([]model.AuditLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f, caseID)
}

// Decode 逐行解析审计记录，空行跳过。
func Decode(r io.Reader, caseID string) ([]model.AuditLog, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	var out []model.AuditLog
	n := 0
	for sc.Scan() {
		n++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l model.AuditLog
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("audit line %d: %w", n, err)
		}
		if caseID != "" && l.CaseID != caseID {
			continue
		}
		out = append(out, l)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

// SQLiteSink 写入 audit_logs 表。
type SQLiteSink struct {
	store *sqlite.Store
}

func NewSQLiteSink(store *sqlite.Store) *SQLiteSink {
	return &SQLiteSink{store: store}
}

func (s *SQLiteSink) Append(ctx context.Context, rec model.AuditRecord) error {
	_, err := s.store.AppendAudit(ctx, rec)
	return err
}

func (s *SQLiteSink) List(ctx context.Context, caseID string) ([]model.AuditLog, error) {
	return s.store.ListAuditLogs(ctx, caseID, 5000)
}

// Close 不关闭底层数据库，由创建方负责。
func (s *SQLiteSink) Close() error { return nil }
