package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"evidence-orchestrator/internal/adapters/store/sqlite"
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/auditverify"
)

func rec(caseID, action string, i int) model.AuditRecord {
	return model.AuditRecord{
		Timestamp: time.Date(2026, 2, 1, 0, 0, i, 0, time.UTC),
		Category:  model.AuditCollection,
		Action:    action,
		Status:    "success",
		Message:   "collected evidence",
		Details:   map[string]any{"n": i},
		CaseID:    caseID,
		Actor:     "analyst",
	}
}

func TestFileSink_ChainSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")

	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, rec("case_a", "collect_endpoint", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = s.Append(ctx, rec("case_b", "collect_cloud", 9))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s.Append(ctx, rec("case_a", "verify_evidence", 4))
	_ = s.Close()

	logs, err := ReadFile(path, "case_a")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("logs=%d", len(logs))
	}
	if res := auditverify.VerifyAuditLogs(logs); !res.OK {
		t.Fatalf("chain broken: %+v", res)
	}
	if b, _ := ReadFile(path, "case_b"); len(b) != 1 || b[0].ChainPrevHash != "" {
		t.Fatalf("case_b chain=%+v", b)
	}
}

func TestFileSink_TamperDetected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, _ := OpenFile(path)
	_ = s.Append(ctx, rec("c", "collect_endpoint", 1))
	_ = s.Append(ctx, rec("c", "preserve_evidence", 2))
	_ = s.Close()

	raw, _ := os.ReadFile(path)
	tampered := strings.Replace(string(raw), "preserve_evidence", "delete_evidence", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	logs, _ := ReadFile(path, "c")
	res := auditverify.VerifyAuditLogs(logs)
	if res.OK || res.ChainHashFailed != 1 {
		t.Fatalf("tamper not detected: %+v", res)
	}
}

func TestSQLiteSink_MatchesFileFormula(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "evidence.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	store := sqlite.NewStore(db)
	sink := NewSQLiteSink(store)
	for i := 0; i < 3; i++ {
		if err := sink.Append(ctx, rec("case_s", "hash_evidence", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	logs, err := store.ListAuditLogs(ctx, "case_s", 0)
	if err != nil {
		t.Fatalf("ListAuditLogs: %v", err)
	}
	if res := auditverify.VerifyAuditLogs(logs); !res.OK || res.Total != 3 {
		t.Fatalf("res=%+v", res)
	}

	sealed := Seal(rec("case_s", "hash_evidence", 0), "", logs[0].EventID)
	if sealed.ChainHash != logs[0].ChainHash {
		t.Fatalf("file and sqlite formulas diverge: %s vs %s", sealed.ChainHash, logs[0].ChainHash)
	}
}
