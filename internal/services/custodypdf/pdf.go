package custodypdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/services/audit"
	"evidence-orchestrator/internal/services/privacy"

	"github.com/dustin/go-humanize"
	"github.com/phpdave11/gofpdf"
)

// 监管链 PDF 报告（custody_pdf）
//
// 一份案件一份：证据清单（哈希、存储位置、保全状态）、每条证据的完整监管链、
// 法律保全列表，以及审计链的最后一个哈希。PDF 是二进制产物，只能下载。

type Options struct {
	CaseID   string
	OutDir   string
	Operator string
	Note     string
	// PrivacyMode 为 masked 时报告中的存储路径与主机名脱敏。
	PrivacyMode string
}

// Input 是报告所需的数据快照，由调用方从编排器与审计存储中取出。
type Input struct {
	Items []model.EvidenceItem
	Holds []model.LegalHold
	Audit []model.AuditLog
}

type Result struct {
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Size        int64    `json:"size"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const pdfGeneratorVer = "custodypdf-0.2.0"

// 控制 PDF 体积。
const (
	maxItems           = 200
	maxEntriesPerItem  = 50
	maxHolds           = 100
	fontEnv            = "EVIDENCE_PDF_FONT"
	pdfTimestampLayout = "2006-01-02 15:04:05 MST"
)

// Generate 生成案件监管链报告，并向 sink（可为空）写一条 export 审计记录。
func Generate(ctx context.Context, in Input, opts Options, sink audit.Sink) (*Result, error) {
	caseID := strings.TrimSpace(opts.CaseID)
	if caseID == "" {
		return nil, model.Invalidf("case_id is required")
	}
	outDir := strings.TrimSpace(opts.OutDir)
	if outDir == "" {
		return nil, model.Invalidf("output directory is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}

	items := make([]model.EvidenceItem, 0, len(in.Items))
	masked := privacy.NormalizeMode(opts.PrivacyMode) == privacy.ModeMasked
	for _, it := range in.Items {
		if it.CaseID != caseID {
			continue
		}
		if masked {
			it = privacy.MaskEvidence(it)
		}
		items = append(items, it)
	}
	if len(items) == 0 {
		return nil, model.NotFoundf("no evidence registered for case %s", caseID)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CollectedAt.Equal(items[j].CollectedAt) {
			return items[i].CollectedAt.Before(items[j].CollectedAt)
		}
		return items[i].ID < items[j].ID
	})

	ids := make(map[string]struct{}, len(items))
	for _, it := range items {
		ids[it.ID] = struct{}{}
	}
	holds := make([]model.LegalHold, 0)
	for _, h := range in.Holds {
		for _, evID := range h.EvidenceIDs {
			if _, ok := ids[evID]; ok {
				holds = append(holds, h)
				break
			}
		}
	}

	warnings := []string{}
	if len(items) > maxItems {
		warnings = append(warnings, fmt.Sprintf("evidence list truncated to %d of %d items", maxItems, len(items)))
	}
	if len(holds) > maxHolds {
		warnings = append(warnings, fmt.Sprintf("legal hold list truncated to %d of %d holds", maxHolds, len(holds)))
		holds = holds[:maxHolds]
	}

	lastAuditHash := ""
	for _, l := range in.Audit {
		if l.CaseID == caseID {
			lastAuditHash = l.ChainHash
		}
	}
	if lastAuditHash == "" {
		warnings = append(warnings, "no audit records found for case")
	}

	now := time.Now()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(outDir, fmt.Sprintf("%s_custody_%d.pdf", caseID, now.Unix()))

	pdf, utf8OK := buildPDF(caseID, items, holds, operator, opts.Note, lastAuditHash, warnings, now)
	if !utf8OK {
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, size, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	if sink != nil {
		if err := sink.Append(ctx, model.AuditRecord{
			Timestamp: now,
			Category:  model.AuditExport,
			Action:    "custody_pdf",
			Status:    "success",
			Message:   fmt.Sprintf("custody report for %d evidence items", len(items)),
			Details: map[string]any{
				"pdf":        pdfPath,
				"pdf_sha256": sum,
				"generator":  pdfGeneratorVer,
				"items":      len(items),
				"holds":      len(holds),
				"note":       strings.TrimSpace(opts.Note),
				"warnings":   warnings,
			},
			CaseID: caseID,
			Actor:  operator,
		}); err != nil {
			return nil, fmt.Errorf("audit custody report: %w", err)
		}
	}

	return &Result{
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Size:        size,
		Warnings:    warnings,
		GeneratedAt: now.Unix(),
	}, nil
}

func buildPDF(
	caseID string,
	items []model.EvidenceItem,
	holds []model.LegalHold,
	operator string,
	note string,
	lastAuditHash string,
	warnings []string,
	generatedAt time.Time,
) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Evidence Orchestrator - Chain of Custody Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Chain of Custody Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", generatedAt.UTC().Format(pdfTimestampLayout)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	var total int64
	held, verified := 0, 0
	for _, it := range items {
		total += it.Size
		if it.LegalHold != nil {
			held++
		}
		if it.Verified {
			verified++
		}
	}

	sectionTitle(pdf, fontFamily, "1. Case Summary")
	kv(pdf, fontFamily, utf8OK, "Case ID", caseID)
	kv(pdf, fontFamily, utf8OK, "Evidence Items", fmt.Sprintf("%d", len(items)))
	kv(pdf, fontFamily, utf8OK, "Total Size", humanize.IBytes(uint64(total)))
	kv(pdf, fontFamily, utf8OK, "Under Legal Hold", fmt.Sprintf("%d", held))
	kv(pdf, fontFamily, utf8OK, "Verified", fmt.Sprintf("%d", verified))
	kv(pdf, fontFamily, utf8OK, "Audit Chain Last Hash", lastAuditHash)
	pdf.Ln(2)

	localWarnings := append([]string{}, warnings...)
	if !utf8OK {
		localWarnings = append(localWarnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if len(localWarnings) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range localWarnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "2. Legal Holds")
	if len(holds) == 0 {
		empty(pdf, fontFamily)
	} else {
		for _, h := range holds {
			state := "released"
			if h.IsActive {
				state = "ACTIVE"
			}
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("%s | %s | %s", safeText(h.Name, utf8OK), h.ID, state), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("reason: %s", safeText(h.Reason, utf8OK)), "", "L", false)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("created: %s by %s", fmtTime(h.CreatedAt), safeText(h.CreatedBy, utf8OK)), "", "L", false)
			if h.ReleasedAt != nil {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("released: %s by %s", fmtTime(*h.ReleasedAt), safeText(h.ReleasedBy, utf8OK)), "", "L", false)
			}
			pdf.MultiCell(0, 4.5, fmt.Sprintf("evidence: %s", strings.Join(h.EvidenceIDs, ", ")), "", "L", false)
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "3. Evidence and Custody Chain")
	rows := items
	if len(rows) > maxItems {
		rows = rows[:maxItems]
	}
	for _, it := range rows {
		pdf.SetFont(fontFamily, "B", 10)
		pdf.SetTextColor(20, 20, 20)
		pdf.MultiCell(0, 5, fmt.Sprintf("%s | %s | %s", it.ID, string(it.Type), safeText(it.Name, utf8OK)), "", "L", false)
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4.5, fmt.Sprintf("source: %s | collected: %s by %s", safeText(it.SourceID, utf8OK), fmtTime(it.CollectedAt), safeText(it.CollectedBy, utf8OK)), "", "L", false)
		pdf.MultiCell(0, 4.5, fmt.Sprintf("size: %s | storage: %s:%s", humanize.IBytes(uint64(it.Size)), it.StorageBackend, safeText(it.StoragePath, utf8OK)), "", "L", false)
		algs := make([]string, 0, len(it.Hashes))
		for alg := range it.Hashes {
			algs = append(algs, alg)
		}
		sort.Strings(algs)
		for _, alg := range algs {
			pdf.MultiCell(0, 4.5, fmt.Sprintf("%s: %s", alg, it.Hashes[alg]), "", "L", false)
		}
		if it.LegalHold != nil {
			pdf.SetTextColor(150, 30, 30)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("legal hold: %s", *it.LegalHold), "", "L", false)
			pdf.SetTextColor(40, 40, 40)
		}

		entries := it.ChainOfCustody
		if len(entries) > maxEntriesPerItem {
			entries = entries[len(entries)-maxEntriesPerItem:]
			pdf.MultiCell(0, 4.5, fmt.Sprintf("(custody chain truncated: showing last %d of %d entries)", maxEntriesPerItem, len(it.ChainOfCustody)), "", "L", false)
		}
		for _, e := range entries {
			line := fmt.Sprintf("  %s  %-20s %s  %s", fmtTime(e.Timestamp), string(e.Action), safeText(e.Actor, utf8OK), safeText(e.Description, utf8OK))
			pdf.MultiCell(0, 4.2, line, "", "L", false)
			if e.NewHash != "" {
				pdf.MultiCell(0, 4.2, fmt.Sprintf("    %s -> %s", shortHash(e.PreviousHash), shortHash(e.NewHash)), "", "L", false)
			}
		}
		pdf.Ln(1)
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "For the full evidence payloads and machine-verifiable hashes, use the case ZIP export (manifest.json + hashes.sha256).", "", "L", false)

	return pdf, utf8OK
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func empty(pdf *gofpdf.Fpdf, fontFamily string) {
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 5, "(none)", "", "L", false)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(42, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(pdfTimestampLayout)
}

func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

// safeText 把控制字符压成空格；未加载 UTF-8 字体时把非 ASCII 字符替换为 '?'。
func safeText(s string, utf8OK bool) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体：先看 EVIDENCE_PDF_FONT，再按平台探测常见字体，
// 都失败时回退到 Helvetica。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv(fontEnv)); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		// bold 样式也注册同一个文件，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
