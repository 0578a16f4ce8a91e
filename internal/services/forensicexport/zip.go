package forensicexport

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"evidence-orchestrator/internal/app"
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/services/audit"
	"evidence-orchestrator/internal/services/auditverify"
	"evidence-orchestrator/internal/services/privacy"
)

// Source 是导出所需的只读数据面，由编排器实现。
type Source interface {
	ListEvidenceByCase(caseID string) []model.EvidenceItem
	ListHolds(activeOnly bool) []model.LegalHold
	ReadEvidence(ctx context.Context, evidenceID string) ([]byte, error)
}

// ZipOptions 定义案件导出包（ZIP）的生成参数。
type ZipOptions struct {
	CaseID    string
	ExportDir string

	// Operator/Note 写入审计记录与 manifest。
	Operator string
	Note     string
	// PrivacyMode 为 masked 时，manifest 中的路径与主机名脱敏；载荷与哈希不变。
	PrivacyMode string
}

type FileHashEntry struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Kind      string `json:"kind"` // evidence|audit|manifest
}

type ManifestEvidence struct {
	Evidence model.EvidenceItem `json:"evidence"`
	ZipPath  string             `json:"zip_path,omitempty"`
	// HashMatch 表示打包时重算的 sha256 与登记值一致；登记值缺失时为 nil。
	HashMatch *bool `json:"hash_match,omitempty"`
}

type ZipManifest struct {
	Schema      string `json:"schema"`
	GeneratedAt int64  `json:"generated_at"`

	App struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	} `json:"app"`

	CaseID      string             `json:"case_id"`
	PrivacyMode string             `json:"privacy_mode"`
	Evidence    []ManifestEvidence `json:"evidence"`
	LegalHolds  []model.LegalHold  `json:"legal_holds"`
	AuditChain  auditverify.Result `json:"audit_chain"`
	Files       []FileHashEntry    `json:"files"`
	Warnings    []string           `json:"warnings,omitempty"`
	Note        string             `json:"note,omitempty"`
	Stats       map[string]any     `json:"stats,omitempty"`
	GeneratedBy string             `json:"generated_by"`
}

// ZipResult 是一次 ZIP 导出的摘要输出。
type ZipResult struct {
	CaseID     string   `json:"case_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

const (
	manifestSchemaV1 = "evidence_orchestrator.case_export_manifest.v1"
	zipGeneratorVer  = "case-exportzip-0.2.0"
)

// GenerateCaseZip 生成案件导出包并向 sink 写一条 export 审计记录。
//
// ZIP 内容（v1）：
// - manifest.json：证据登记（含监管链）、法律保全、审计链校验结果、文件清单
// - hashes.sha256：ZIP 内各文件（除自身）sha256 列表（sha256sum 兼容格式）
// - evidence/<evidence_id>/<name>：证据原始载荷
// - audit/audit_logs.jsonl：案件的审计行
func GenerateCaseZip(ctx context.Context, src Source, lister audit.Lister, sink audit.Sink, opts ZipOptions) (*ZipResult, error) {
	startedAt := time.Now().Unix()

	caseID := strings.TrimSpace(opts.CaseID)
	if caseID == "" {
		return nil, model.Invalidf("case_id is required")
	}
	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		exportDir = filepath.Join("data", "exports")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}
	mode := privacy.NormalizeMode(opts.PrivacyMode)
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	items := src.ListEvidenceByCase(caseID)
	if len(items) == 0 {
		return nil, model.NotFoundf("no evidence registered for case %s", caseID)
	}
	inCase := map[string]struct{}{}
	for _, it := range items {
		inCase[it.ID] = struct{}{}
	}
	holds := []model.LegalHold{}
	for _, h := range src.ListHolds(false) {
		for _, evID := range h.EvidenceIDs {
			if _, ok := inCase[evID]; ok {
				holds = append(holds, h)
				break
			}
		}
	}

	var warnings []string
	var audits []model.AuditLog
	if lister != nil {
		var err error
		audits, err = lister.List(ctx, caseID)
		if err != nil {
			warnings = append(warnings, "read audit logs: "+err.Error())
		}
	}
	chain := auditverify.VerifyAuditLogs(audits)
	if !chain.OK {
		warnings = append(warnings, fmt.Sprintf("audit chain verification failed: %d of %d records", chain.Failed, chain.Total))
	}

	zipName := fmt.Sprintf("%s_case_export_%d.zip", caseID, time.Now().Unix())
	zipPath := filepath.Join(exportDir, zipName)
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	var fileHashes []FileHashEntry
	manifestEvidence := make([]ManifestEvidence, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		me := ManifestEvidence{Evidence: it}
		if mode == privacy.ModeMasked {
			me.Evidence = privacy.MaskEvidence(it)
		}
		data, err := src.ReadEvidence(ctx, it.ID)
		if err != nil {
			// 缺失载荷不阻断导出，但必须在 manifest 里留下痕迹。
			warnings = append(warnings, fmt.Sprintf("skip evidence %s: %v", it.ID, err))
			manifestEvidence = append(manifestEvidence, me)
			continue
		}
		zp := path.Join("evidence", safeName(it.ID), safeName(payloadName(it)))
		modified := it.CollectedAt
		if modified.IsZero() {
			modified = time.Now()
		}
		sum, size, err := writeZipFileFromBytes(zw, zp, data, modified)
		if err != nil {
			return nil, fmt.Errorf("write evidence %s to zip: %w", it.ID, err)
		}
		me.ZipPath = zp
		if recorded := it.Hashes["sha256"]; recorded != "" {
			ok := strings.EqualFold(recorded, sum)
			me.HashMatch = &ok
			if !ok {
				warnings = append(warnings, fmt.Sprintf("evidence %s sha256 mismatch: recorded %s, packaged %s", it.ID, recorded, sum))
			}
		}
		manifestEvidence = append(manifestEvidence, me)
		fileHashes = append(fileHashes, FileHashEntry{Path: zp, SHA256: sum, SizeBytes: size, Kind: "evidence"})
	}

	if len(audits) > 0 {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, l := range audits {
			if err := enc.Encode(l); err != nil {
				return nil, fmt.Errorf("encode audit line: %w", err)
			}
		}
		zp := "audit/audit_logs.jsonl"
		sum, size, err := writeZipFileFromBytes(zw, zp, buf.Bytes(), time.Now())
		if err != nil {
			return nil, fmt.Errorf("write audit logs to zip: %w", err)
		}
		fileHashes = append(fileHashes, FileHashEntry{Path: zp, SHA256: sum, SizeBytes: size, Kind: "audit"})
	}

	manifest := ZipManifest{
		Schema:      manifestSchemaV1,
		GeneratedAt: time.Now().Unix(),
		CaseID:      caseID,
		PrivacyMode: mode,
		Evidence:    manifestEvidence,
		LegalHolds:  holds,
		AuditChain:  chain,
		Warnings:    warnings,
		Note:        strings.TrimSpace(opts.Note),
		GeneratedBy: zipGeneratorVer,
		Stats: map[string]any{
			"evidence_count":   len(items),
			"legal_hold_count": len(holds),
			"audit_count":      len(audits),
		},
	}
	manifest.App.Version = app.Version
	manifest.App.Commit = app.Commit
	manifest.App.BuildTime = app.BuildTime

	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	manifest.Files = fileHashes

	manifestRaw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestSum, manifestSize, err := writeZipFileFromBytes(zw, "manifest.json", manifestRaw, time.Now())
	if err != nil {
		return nil, fmt.Errorf("write manifest to zip: %w", err)
	}
	fileHashes = append(fileHashes, FileHashEntry{Path: "manifest.json", SHA256: manifestSum, SizeBytes: manifestSize, Kind: "manifest"})

	// hashes.sha256（sha256sum 兼容格式，不包含自身）
	sort.Slice(fileHashes, func(i, j int) bool { return fileHashes[i].Path < fileHashes[j].Path })
	hashLines := make([]string, 0, len(fileHashes)+4)
	hashLines = append(hashLines, "# evidence-orchestrator case export hash list")
	hashLines = append(hashLines, fmt.Sprintf("# generated_at=%d", time.Now().Unix()))
	hashLines = append(hashLines, "# format: <sha256><two spaces><path>")
	for _, fh := range fileHashes {
		hashLines = append(hashLines, fmt.Sprintf("%s  %s", fh.SHA256, fh.Path))
	}
	hashLines = append(hashLines, "")
	if _, _, err := writeZipFileFromBytes(zw, "hashes.sha256", []byte(strings.Join(hashLines, "\n")), time.Now()); err != nil {
		return nil, fmt.Errorf("write hashes.sha256 to zip: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	if sink != nil {
		if err := sink.Append(ctx, model.AuditRecord{
			Category: model.AuditExport,
			Action:   "case_zip",
			Status:   "success",
			Message:  fmt.Sprintf("case export with %d evidence items", len(items)),
			Details: map[string]any{
				"zip_path":   zipPath,
				"zip_sha256": zipSum,
				"generator":  zipGeneratorVer,
				"warnings":   warnings,
			},
			CaseID: caseID,
			Actor:  operator,
		}); err != nil {
			return nil, fmt.Errorf("audit case export: %w", err)
		}
	}

	return &ZipResult{
		CaseID:     caseID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Warnings:   warnings,
		StartedAt:  startedAt,
		FinishedAt: time.Now().Unix(),
	}, nil
}

func payloadName(it model.EvidenceItem) string {
	if n := strings.TrimSpace(it.Name); n != "" {
		return n
	}
	if b := path.Base(it.StoragePath); b != "." && b != "/" {
		return b
	}
	return "payload.bin"
}

// safeName 让 ZIP 内路径只含单层文件名，避免 "../" 之类的穿越。
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func writeZipFileFromBytes(zw *zip.Writer, zipPath string, b []byte, modified time.Time) (sum string, size int64, err error) {
	hdr := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: modified,
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), bytes.NewReader(b))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
