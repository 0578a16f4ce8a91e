package custodypdf

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqliteadapter "evidence-orchestrator/internal/adapters/store/sqlite"
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/services/audit"
)

func sampleItems(caseID string) []model.EvidenceItem {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	hold := "hold-1"
	return []model.EvidenceItem{
		{
			ID:             "ev-1",
			CaseID:         caseID,
			SourceID:       "ws-01",
			Type:           model.EvidenceFileArtifact,
			Name:           "hosts",
			Size:           1024,
			StoragePath:    caseID + "/ev-1/hosts",
			StorageBackend: "local",
			Hashes:         model.EvidenceHashes{"sha256": "ab", "md5": "cd"},
			CollectedAt:    t0,
			CollectedBy:    "analyst",
			LegalHold:      &hold,
			ChainOfCustody: []model.ChainOfCustodyEntry{
				{ID: "c1", Timestamp: t0, Action: model.CustodyCollected, Actor: "analyst", Description: "collected from ws-01", NewHash: "ab"},
				{ID: "c2", Timestamp: t0.Add(time.Minute), Action: model.CustodyHoldApplied, Actor: "counsel", Description: "litigation"},
			},
		},
		{
			ID:             "ev-2",
			CaseID:         "OTHER",
			SourceID:       "ws-02",
			Type:           model.EvidenceEventLog,
			Name:           "system.evtx",
			StorageBackend: "local",
			CollectedAt:    t0,
		},
	}
}

func TestGenerate_WritesPDFAndAudits(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	db, err := sqliteadapter.Open(ctx, filepath.Join(tmp, "evidence.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	store := sqliteadapter.NewStore(db)
	sink := audit.NewSQLiteSink(store)

	if err := sink.Append(ctx, model.AuditRecord{Category: model.AuditCollection, Action: "collect_endpoint", Status: "success", CaseID: "CASE-1"}); err != nil {
		t.Fatalf("seed audit: %v", err)
	}
	logs, err := store.ListAuditLogs(ctx, "CASE-1", 100)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}

	in := Input{
		Items: sampleItems("CASE-1"),
		Holds: []model.LegalHold{
			{ID: "hold-1", Name: "litigation", EvidenceIDs: []string{"ev-1"}, IsActive: true, CreatedAt: time.Now()},
			{ID: "hold-2", Name: "unrelated", EvidenceIDs: []string{"ev-2"}, IsActive: true, CreatedAt: time.Now()},
		},
		Audit: logs,
	}
	res, err := Generate(ctx, in, Options{CaseID: "CASE-1", OutDir: filepath.Join(tmp, "reports"), Operator: "tester"}, sink)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	raw, err := os.ReadFile(res.PDFPath)
	if err != nil {
		t.Fatalf("read pdf: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("%PDF")) {
		t.Fatalf("output is not a pdf")
	}
	sum, _, err := hash.File(res.PDFPath)
	if err != nil {
		t.Fatalf("hash pdf: %v", err)
	}
	if sum != res.PDFSHA256 || res.Size != int64(len(raw)) {
		t.Fatalf("result mismatch: %+v sum=%s", res, sum)
	}

	logs, err = store.ListAuditLogs(ctx, "CASE-1", 100)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 audit logs, got %d", len(logs))
	}
	last := logs[len(logs)-1]
	if last.EventType != string(model.AuditExport) || last.Action != "custody_pdf" {
		t.Fatalf("unexpected audit record: %+v", last)
	}
}

func TestGenerate_UnknownCase(t *testing.T) {
	_, err := Generate(context.Background(), Input{Items: sampleItems("CASE-1")}, Options{CaseID: "NOPE", OutDir: t.TempDir()}, nil)
	if err == nil {
		t.Fatalf("expected error for case without evidence")
	}
}

func TestSafeText(t *testing.T) {
	if got := safeText(" a\tb\n证据 ", false); got != "a b ??" {
		t.Fatalf("safeText ascii fallback = %q", got)
	}
	if got := safeText("证据", true); got != "证据" {
		t.Fatalf("safeText utf8 = %q", got)
	}
}
