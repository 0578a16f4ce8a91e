package main

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/auditverify"
)

// runVerify 是 verify 子命令路由：
// - verify case-zip：校验案件导出包内的 hashes.sha256 与审计链
func runVerify(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printVerifyUsage()
		return nil
	}

	switch args[0] {
	case "case-zip":
		return runVerifyCaseZip(args[1:])
	default:
		printVerifyUsage()
		return fmt.Errorf("unknown verify command: %s", args[0])
	}
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli verify case-zip --zip PATH_TO_ZIP")
}

type zipVerifyItem struct {
	Path       string
	Expected   string
	Actual     string
	Status     string // ok|missing|mismatch|error
	ErrMessage string
}

// zipVerifyReport 是离线校验导出包的结果。
type zipVerifyReport struct {
	Total  int
	OK     int
	Failed int
	Items  []zipVerifyItem
	Audit  *auditverify.Result
	// EvidenceMismatch 是 manifest 中导出时哈希比对已失败的证据 ID。
	EvidenceMismatch []string
}

func runVerifyCaseZip(args []string) error {
	fs := flag.NewFlagSet("verify case-zip", flag.ContinueOnError)
	zipPath := fs.String("zip", "", "path to case zip (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("zip", *zipPath); err != nil {
		return err
	}

	rep, err := verifyCaseZip(*zipPath)
	if err != nil {
		return err
	}

	fmt.Println("case zip verify completed")
	fmt.Printf("zip=%s\n", *zipPath)
	fmt.Printf("files_total=%d ok=%d failed=%d\n", rep.Total, rep.OK, rep.Failed)
	for _, it := range rep.Items {
		if it.Status == "ok" {
			continue
		}
		if it.ErrMessage != "" {
			fmt.Printf("FAIL %s status=%s expected=%s actual=%s error=%s\n", it.Path, it.Status, it.Expected, it.Actual, it.ErrMessage)
		} else {
			fmt.Printf("FAIL %s status=%s expected=%s actual=%s\n", it.Path, it.Status, it.Expected, it.Actual)
		}
	}
	for _, id := range rep.EvidenceMismatch {
		fmt.Printf("WARN evidence %s did not match its recorded hash at export time\n", id)
	}
	if rep.Failed > 0 {
		return fmt.Errorf("case zip verify failed: %d files mismatch/missing", rep.Failed)
	}

	if rep.Audit != nil {
		fmt.Printf("audit_chain_total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d\n", rep.Audit.Total, rep.Audit.Failed, rep.Audit.PrevHashFailed, rep.Audit.ChainHashFailed)
		if !rep.Audit.OK {
			for _, f := range rep.Audit.Failures {
				fmt.Printf("FAIL audit_chain index=%d event_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
					f.Index, f.EventID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
				)
			}
			return fmt.Errorf("case zip verify failed: audit chain mismatch")
		}
	}
	return nil
}

func verifyCaseZip(path string) (*zipVerifyReport, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	hashList, ok := files["hashes.sha256"]
	if !ok {
		return nil, fmt.Errorf("hashes.sha256 not found in zip")
	}
	raw, err := readZipFileAll(hashList)
	if err != nil {
		return nil, fmt.Errorf("read hashes.sha256: %w", err)
	}

	rep := &zipVerifyReport{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// sha256sum 格式：<sha256><两个空格><path>
		parts := strings.Fields(line)
		if len(parts) < 2 || len(parts[0]) != 64 {
			continue
		}
		want := parts[0]
		p := strings.Join(parts[1:], " ")
		rep.Total++

		f, ok := files[p]
		if !ok {
			rep.Failed++
			rep.Items = append(rep.Items, zipVerifyItem{Path: p, Expected: want, Status: "missing"})
			continue
		}
		sum, err := sha256OfZipFile(f)
		switch {
		case err != nil:
			rep.Failed++
			rep.Items = append(rep.Items, zipVerifyItem{Path: p, Expected: want, Status: "error", ErrMessage: err.Error()})
		case strings.EqualFold(sum, want):
			rep.OK++
			rep.Items = append(rep.Items, zipVerifyItem{Path: p, Expected: want, Actual: sum, Status: "ok"})
		default:
			rep.Failed++
			rep.Items = append(rep.Items, zipVerifyItem{Path: p, Expected: want, Actual: sum, Status: "mismatch"})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hashes.sha256: %w", err)
	}

	// 审计链按 JSONL 逐行重算。
	if af, ok := files["audit/audit_logs.jsonl"]; ok {
		data, err := readZipFileAll(af)
		if err != nil {
			return nil, fmt.Errorf("read audit logs: %w", err)
		}
		var logs []model.AuditLog
		lines := bufio.NewScanner(bytes.NewReader(data))
		lines.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for lines.Scan() {
			line := bytes.TrimSpace(lines.Bytes())
			if len(line) == 0 {
				continue
			}
			var l model.AuditLog
			if err := json.Unmarshal(line, &l); err != nil {
				return nil, fmt.Errorf("decode audit log: %w", err)
			}
			logs = append(logs, l)
		}
		if err := lines.Err(); err != nil {
			return nil, fmt.Errorf("scan audit logs: %w", err)
		}
		res := auditverify.VerifyAuditLogs(logs)
		rep.Audit = &res
	}

	if mf, ok := files["manifest.json"]; ok {
		if data, err := readZipFileAll(mf); err == nil {
			var manifest struct {
				Evidence []struct {
					Evidence  model.EvidenceItem `json:"evidence"`
					HashMatch *bool              `json:"hash_match"`
				} `json:"evidence"`
			}
			if json.Unmarshal(data, &manifest) == nil {
				for _, e := range manifest.Evidence {
					if e.HashMatch != nil && !*e.HashMatch {
						rep.EvidenceMismatch = append(rep.EvidenceMismatch, e.Evidence.ID)
					}
				}
			}
		}
	}
	return rep, nil
}

// runAudit 是审计命令路由：audit list / audit verify。
func runAudit(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printAuditUsage()
		return nil
	}
	switch args[0] {
	case "list":
		return runAuditList(ctx, args[1:])
	case "verify":
		return runAuditVerify(ctx, args[1:])
	default:
		printAuditUsage()
		return fmt.Errorf("unknown audit command: %s", args[0])
	}
}

func printAuditUsage() {
	fmt.Println("Usage:")
	fmt.Println("  evidence-cli audit list --case-id CASE_ID [--limit 100] [--json]")
	fmt.Println("  evidence-cli audit verify --case-id CASE_ID")
}

func runAuditList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit list", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	limit := fs.Int("limit", 100, "show the most recent N records (0 = all)")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	logs, err := rt.lister.List(ctx, *caseID)
	if err != nil {
		return err
	}
	if *limit > 0 && len(logs) > *limit {
		logs = logs[len(logs)-*limit:]
	}
	if *asJSON {
		return printJSON(logs)
	}
	fmt.Printf("audit logs case_id=%s total=%d\n", *caseID, len(logs))
	for _, l := range logs {
		fmt.Printf("%d %s/%s status=%s actor=%s %s\n", l.OccurredAt, l.EventType, l.Action, l.Status, l.Actor, l.Message)
	}
	return nil
}

func runAuditVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cf := addConfigFlags(fs)
	caseID := fs.String("case-id", "", "case id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("case-id", *caseID); err != nil {
		return err
	}
	cfg, err := cf.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	logs, err := rt.lister.List(ctx, *caseID)
	if err != nil {
		return err
	}
	res := auditverify.VerifyAuditLogs(logs)
	fmt.Println("audit chain verify completed")
	fmt.Printf("case_id=%s total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d\n", *caseID, res.Total, res.Failed, res.PrevHashFailed, res.ChainHashFailed)
	if !res.OK {
		for _, f := range res.Failures {
			fmt.Printf("FAIL index=%d event_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
				f.Index, f.EventID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
			)
		}
		return fmt.Errorf("audit chain verify failed")
	}
	return nil
}

func sha256OfZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readZipFileAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
