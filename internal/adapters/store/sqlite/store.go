package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/platform/id"

	_ "modernc.org/sqlite"
)

// ErrReadOnly 表示目标载荷已被写保护。
var ErrReadOnly = errors.New("blob is write-protected")

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open 打开（必要时创建）数据库并执行迁移。
// 单机场景优先稳定性：单连接 + busy_timeout 减少 "database is locked"。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := NewMigrator(db).Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// DB 暴露底层连接，供导出等只读流程复用。
func (s *Store) DB() *sql.DB { return s.db }

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// AppendAudit 写入审计日志，并生成链式 hash 以便后续校验完整性。
// 链按 case_id 维护；与案件无关的记录（例如跨案件的保全）落在 case_id='' 的链上。
func (s *Store) AppendAudit(ctx context.Context, rec model.AuditRecord) (model.AuditLog, error) {
	detailJSON := []byte("{}")
	if len(rec.Details) > 0 {
		raw, err := json.Marshal(rec.Details)
		if err == nil {
			detailJSON = raw
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AuditLog{}, fmt.Errorf("begin tx append audit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev := ""
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, rec.CaseID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return model.AuditLog{}, fmt.Errorf("query previous chain hash: %w", err)
	}
	err = nil

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	out := model.AuditLog{
		EventID:       id.New("aud"),
		CaseID:        rec.CaseID,
		EventType:     string(rec.Category),
		Action:        rec.Action,
		Status:        rec.Status,
		Actor:         rec.Actor,
		Message:       rec.Message,
		DetailJSON:    detailJSON,
		OccurredAt:    ts.UnixMilli(),
		ChainPrevHash: prev,
	}
	out.ChainHash = hash.Text(prev, out.CaseID, out.EventType, out.Action, out.Status,
		fmt.Sprintf("%d", out.OccurredAt), out.Message, string(detailJSON))

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, case_id, event_type, action, status,
			actor, message, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, out.EventID, out.CaseID, out.EventType, out.Action, out.Status,
		nullIfEmpty(out.Actor), nullIfEmpty(out.Message), string(detailJSON), out.OccurredAt, nullIfEmpty(prev), out.ChainHash)
	if err != nil {
		return model.AuditLog{}, fmt.Errorf("insert audit log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return model.AuditLog{}, fmt.Errorf("commit audit log: %w", err)
	}
	return out, nil
}

// ListAuditLogs 返回案件审计日志（按写入顺序）。
func (s *Store) ListAuditLogs(ctx context.Context, caseID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			case_id,
			event_type,
			action,
			status,
			COALESCE(actor, ''),
			COALESCE(message, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.EventID,
			&item.CaseID,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Actor,
			&item.Message,
			&detail,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	if out == nil {
		out = []model.AuditLog{}
	}
	return out, nil
}

// PutBlob 写入证据载荷；已写保护的 key 拒绝覆盖。
func (s *Store) PutBlob(ctx context.Context, key string, data []byte) error {
	sum, _ := hash.Bytes(data, hash.SHA256)
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_blobs(blob_key, data, size_bytes, sha256, read_only, created_at, updated_at)
		VALUES(?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET
			data=excluded.data,
			size_bytes=excluded.size_bytes,
			sha256=excluded.sha256,
			updated_at=excluded.updated_at
		WHERE evidence_blobs.read_only = 0
	`, key, data, len(data), sum[hash.SHA256], now, now)
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("put blob %s: %w", key, ErrReadOnly)
	}
	return nil
}

// GetBlob 读取证据载荷。
func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM evidence_blobs WHERE blob_key = ?`, key).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.NotFoundf("blob %s", key)
		}
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return data, nil
}

// ProtectBlob 把载荷标记为只读（写阻断）。
func (s *Store) ProtectBlob(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE evidence_blobs SET read_only = 1, updated_at = ? WHERE blob_key = ?`, s.now().Unix(), key)
	if err != nil {
		return fmt.Errorf("protect blob %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.NotFoundf("blob %s", key)
	}
	return nil
}

// BlobProtected 查询写保护标记。
func (s *Store) BlobProtected(ctx context.Context, key string) (bool, error) {
	var ro int
	err := s.db.QueryRowContext(ctx, `SELECT read_only FROM evidence_blobs WHERE blob_key = ?`, key).Scan(&ro)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, model.NotFoundf("blob %s", key)
		}
		return false, fmt.Errorf("query blob %s: %w", key, err)
	}
	return ro == 1, nil
}

// DeleteBlob 删除载荷。删除资格（法律保全）由上层判断。
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM evidence_blobs WHERE blob_key = ?`, key); err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// UpsertEvidence 把证据记录快照写入 evidence_index。
func (s *Store) UpsertEvidence(ctx context.Context, item model.EvidenceItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal evidence %s: %w", item.ID, err)
	}
	alg, digest := model.PrimaryHash(item.Hashes)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence_index(
			evidence_id, case_id, source_id, evidence_type, name, size_bytes,
			storage_backend, storage_path, primary_algo, primary_hash, custody_len,
			record_json, collected_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(evidence_id) DO UPDATE SET
			size_bytes=excluded.size_bytes,
			storage_backend=excluded.storage_backend,
			storage_path=excluded.storage_path,
			primary_algo=excluded.primary_algo,
			primary_hash=excluded.primary_hash,
			custody_len=excluded.custody_len,
			record_json=excluded.record_json,
			updated_at=excluded.updated_at
	`, item.ID, item.CaseID, item.SourceID, string(item.Type), item.Name, item.Size,
		item.StorageBackend, item.StoragePath, nullIfEmpty(alg), nullIfEmpty(digest), len(item.ChainOfCustody),
		string(raw), item.CollectedAt.Unix(), s.now().Unix())
	if err != nil {
		return fmt.Errorf("upsert evidence %s: %w", item.ID, err)
	}
	return nil
}

// ListEvidenceIndex 返回案件证据快照；caseID 为空时返回全部。
func (s *Store) ListEvidenceIndex(ctx context.Context, caseID string) ([]model.EvidenceItem, error) {
	q := `SELECT record_json FROM evidence_index`
	var args []any
	if strings.TrimSpace(caseID) != "" {
		q += ` WHERE case_id = ?`
		args = append(args, caseID)
	}
	q += ` ORDER BY collected_at ASC, evidence_id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence index: %w", err)
	}
	defer rows.Close()

	out := []model.EvidenceItem{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan evidence index: %w", err)
		}
		var item model.EvidenceItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode evidence index: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence index: %w", err)
	}
	return out, nil
}

// DeleteEvidenceIndex 删除索引快照。
func (s *Store) DeleteEvidenceIndex(ctx context.Context, evidenceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM evidence_index WHERE evidence_id = ?`, evidenceID); err != nil {
		return fmt.Errorf("delete evidence index %s: %w", evidenceID, err)
	}
	return nil
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
