package privacy

import (
	"testing"

	"evidence-orchestrator/internal/domain/model"
)

func TestMaskPath(t *testing.T) {
	cases := map[string]string{
		"/Users/alice/Library/Application Support/foo/bar.json": "bar.json",
		`C:\Users\bob\NTUSER.DAT`:                               "NTUSER.DAT",
		"":                                                      "",
	}
	for in, want := range cases {
		if got := MaskPath(in); got != want {
			t.Fatalf("MaskPath(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestMaskURL(t *testing.T) {
	if got := MaskURL("https://example.com/a/b?x=1"); got != "example.com" {
		t.Fatalf("got=%q", got)
	}
	if got := MaskURL("snapshots.corp.local/v1"); got != "snapshots.corp.local" {
		t.Fatalf("got=%q", got)
	}
}

func TestRedactDetails(t *testing.T) {
	in := map[string]any{
		"evidence_id":    "ev-1",
		"encryption_key": "hunter2",
		"endpoint":       "https://user:pw@snap.example.com/v1/aws?token=abc#frag",
		"credentials":    map[string]string{"token": "t"},
		"nested": map[string]any{
			"api_key": "k",
			"list":    []any{"https://a.example.com/x?sig=1", 3},
		},
		"empty_secret": "",
	}
	out := RedactDetails(in)

	if out["evidence_id"] != "ev-1" {
		t.Fatalf("plain field changed: %v", out["evidence_id"])
	}
	if out["encryption_key"] != masked || out["credentials"] != masked {
		t.Fatalf("secrets not masked: %v", out)
	}
	if out["endpoint"] != "https://snap.example.com/v1/aws" {
		t.Fatalf("endpoint=%v", out["endpoint"])
	}
	nested := out["nested"].(map[string]any)
	if nested["api_key"] != masked {
		t.Fatalf("nested secret not masked: %v", nested)
	}
	if l := nested["list"].([]any); l[0] != "https://a.example.com/x" || l[1] != 3 {
		t.Fatalf("list=%v", l)
	}
	if out["empty_secret"] != "" {
		t.Fatalf("empty secret should stay empty")
	}
	if in["encryption_key"] != "hunter2" {
		t.Fatalf("input mutated")
	}
}

func TestMaskEvidence(t *testing.T) {
	it := model.EvidenceItem{
		ID:          "ev-1",
		Path:        "/home/alice/.bash_history",
		StoragePath: "/srv/evidence/CASE-1/ev-1/.bash_history",
		Hashes:      model.EvidenceHashes{"sha256": "abc"},
		Metadata: model.EvidenceMetadata{
			OriginalPath: "/home/alice/.bash_history",
			SourceHost:   "10.20.30.40",
			Extra:        map[string]string{"session_token": "x", "shell": "bash"},
		},
	}
	out := MaskEvidence(it)
	if out.Path != ".bash_history" || out.Metadata.OriginalPath != ".bash_history" {
		t.Fatalf("paths not masked: %+v", out)
	}
	if out.Metadata.SourceHost != "10.20.x.x" {
		t.Fatalf("host=%q", out.Metadata.SourceHost)
	}
	if out.Metadata.Extra["session_token"] != masked || out.Metadata.Extra["shell"] != "bash" {
		t.Fatalf("extra=%v", out.Metadata.Extra)
	}
	if out.Hashes["sha256"] != "abc" {
		t.Fatalf("hashes must be kept")
	}
	if it.Metadata.Extra["session_token"] != "x" {
		t.Fatalf("input mutated")
	}
	if got := MaskHost("ws-01.corp.local"); got != "ws-01.<masked>" {
		t.Fatalf("MaskHost=%q", got)
	}
	if NormalizeMode("MASKED") != ModeMasked || NormalizeMode("nope") != ModeOff {
		t.Fatalf("NormalizeMode")
	}
}
