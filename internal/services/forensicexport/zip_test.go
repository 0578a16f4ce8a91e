package forensicexport

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/services/audit"
)

type fakeSource struct {
	items    []model.EvidenceItem
	holds    []model.LegalHold
	payloads map[string][]byte
}

func (f *fakeSource) ListEvidenceByCase(caseID string) []model.EvidenceItem {
	var out []model.EvidenceItem
	for _, it := range f.items {
		if it.CaseID == caseID {
			out = append(out, it)
		}
	}
	return out
}

func (f *fakeSource) ListHolds(bool) []model.LegalHold { return f.holds }

func (f *fakeSource) ReadEvidence(_ context.Context, id string) ([]byte, error) {
	b, ok := f.payloads[id]
	if !ok {
		return nil, model.NotFoundf("payload %s", id)
	}
	return b, nil
}

func sha256Of(t *testing.T, b []byte) string {
	t.Helper()
	sums, err := hash.Bytes(b, "sha256")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return sums["sha256"]
}

func readZip(t *testing.T, p string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(p)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	out := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = b
	}
	return out
}

func TestGenerateCaseZip_ManifestAndHashes(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	sink, err := audit.OpenFile(filepath.Join(tmp, "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer sink.Close()
	if err := sink.Append(ctx, model.AuditRecord{Category: model.AuditCollection, Action: "collect_endpoint", Status: "success", CaseID: "CASE-Z"}); err != nil {
		t.Fatalf("seed audit: %v", err)
	}

	good := []byte("hosts file")
	tampered := []byte("changed")
	src := &fakeSource{
		items: []model.EvidenceItem{
			{ID: "ev-1", CaseID: "CASE-Z", Name: "hosts", Hashes: model.EvidenceHashes{"sha256": sha256Of(t, good)}, CollectedAt: time.Now()},
			{ID: "ev-2", CaseID: "CASE-Z", Name: "../../etc/passwd", Hashes: model.EvidenceHashes{"sha256": sha256Of(t, []byte("original"))}},
			{ID: "ev-3", CaseID: "CASE-Z", Name: "missing"},
			{ID: "ev-4", CaseID: "OTHER", Name: "not exported"},
		},
		holds: []model.LegalHold{
			{ID: "hold-1", Name: "lit", EvidenceIDs: []string{"ev-1"}, IsActive: true},
			{ID: "hold-2", Name: "other", EvidenceIDs: []string{"ev-4"}, IsActive: true},
		},
		payloads: map[string][]byte{"ev-1": good, "ev-2": tampered, "ev-4": []byte("x")},
	}

	res, err := GenerateCaseZip(ctx, src, sink, sink, ZipOptions{CaseID: "CASE-Z", ExportDir: filepath.Join(tmp, "exports"), Operator: "tester"})
	if err != nil {
		t.Fatalf("GenerateCaseZip: %v", err)
	}
	files := readZip(t, res.ZipPath)

	if got := string(files["evidence/ev-1/hosts"]); got != string(good) {
		t.Fatalf("payload = %q", got)
	}
	for name := range files {
		for _, seg := range strings.Split(name, "/") {
			if seg == ".." || seg == "." || seg == "" {
				t.Fatalf("zip path escapes: %s", name)
			}
		}
	}

	var m ZipManifest
	if err := json.Unmarshal(files["manifest.json"], &m); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.CaseID != "CASE-Z" || len(m.Evidence) != 3 || len(m.LegalHolds) != 1 {
		t.Fatalf("unexpected manifest: case=%s evidence=%d holds=%d", m.CaseID, len(m.Evidence), len(m.LegalHolds))
	}
	if !m.AuditChain.OK || m.AuditChain.Total != 1 {
		t.Fatalf("audit chain = %+v", m.AuditChain)
	}
	matches := map[string]*bool{}
	for _, e := range m.Evidence {
		matches[e.Evidence.ID] = e.HashMatch
	}
	if matches["ev-1"] == nil || !*matches["ev-1"] {
		t.Fatalf("ev-1 should match")
	}
	if matches["ev-2"] == nil || *matches["ev-2"] {
		t.Fatalf("ev-2 should mismatch")
	}
	if matches["ev-3"] != nil {
		t.Fatalf("ev-3 has no payload")
	}
	if len(res.Warnings) < 2 {
		t.Fatalf("expected warnings for mismatch and missing payload, got %v", res.Warnings)
	}

	// hashes.sha256 覆盖除自身外的每个文件。
	listed := map[string]string{}
	for _, line := range strings.Split(string(files["hashes.sha256"]), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		listed[parts[1]] = parts[0]
	}
	for name, body := range files {
		if name == "hashes.sha256" {
			continue
		}
		if listed[name] != sha256Of(t, body) {
			t.Fatalf("hash list mismatch for %s", name)
		}
	}

	logs, err := sink.List(ctx, "CASE-Z")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 2 || logs[1].Action != "case_zip" {
		t.Fatalf("expected export audit record, got %+v", logs)
	}
}

func TestGenerateCaseZip_UnknownCase(t *testing.T) {
	_, err := GenerateCaseZip(context.Background(), &fakeSource{}, nil, nil, ZipOptions{CaseID: "NONE", ExportDir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestGenerateCaseZip_PrivacyMasked(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	payload := []byte("secret payload")
	it := model.EvidenceItem{
		ID:          "ev-m",
		CaseID:      "CASE-M",
		Name:        "shadow",
		Path:        "/etc/shadow",
		StoragePath: "CASE-M/ws-01/ev-m/shadow",
		Hashes:      model.EvidenceHashes{"sha256": sha256Of(t, payload)},
	}
	it.Metadata.SourceHost = "10.1.2.3"
	it.Metadata.OriginalPath = `C:\Users\alice\ntuser.dat`
	src := &fakeSource{items: []model.EvidenceItem{it}, payloads: map[string][]byte{"ev-m": payload}}

	res, err := GenerateCaseZip(ctx, src, audit.Nop{}, audit.Nop{}, ZipOptions{
		CaseID:      "CASE-M",
		ExportDir:   filepath.Join(tmp, "exports"),
		PrivacyMode: "masked",
	})
	if err != nil {
		t.Fatalf("GenerateCaseZip: %v", err)
	}
	files := readZip(t, res.ZipPath)

	var m ZipManifest
	if err := json.Unmarshal(files["manifest.json"], &m); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.PrivacyMode != "masked" {
		t.Fatalf("privacy_mode = %q", m.PrivacyMode)
	}
	got := m.Evidence[0].Evidence
	if got.Path != "shadow" || got.StoragePath != "shadow" || got.Metadata.OriginalPath != "ntuser.dat" {
		t.Fatalf("paths not masked: %+v", got)
	}
	if got.Metadata.SourceHost != "10.1.x.x" {
		t.Fatalf("host not masked: %q", got.Metadata.SourceHost)
	}
	if got.Hashes["sha256"] != it.Hashes["sha256"] {
		t.Fatalf("hash changed under masking")
	}
	if m.Evidence[0].HashMatch == nil || !*m.Evidence[0].HashMatch {
		t.Fatalf("hash_match should be true")
	}
	if string(files["evidence/ev-m/shadow"]) != string(payload) {
		t.Fatalf("payload altered")
	}
}
