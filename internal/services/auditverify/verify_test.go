package auditverify

import (
	"fmt"
	"testing"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
)

func TestVerifyAuditLogs_OK(t *testing.T) {
	logs := []model.AuditLog{
		{
			EventID:    "evt_1",
			CaseID:     "case_1",
			EventType:  "collection",
			Action:     "collect_endpoint",
			Status:     "partial",
			DetailJSON: []byte(`{"k":"v"}`),
			OccurredAt: 1700000000000,
			Message:    "collected 2 of 3 evidence types",
		},
		{
			EventID:    "evt_2",
			CaseID:     "case_1",
			EventType:  "collection",
			Action:     "preserve_evidence",
			Status:     "success",
			DetailJSON: []byte(`{}`),
			OccurredAt: 1700000001000,
		},
	}

	prev := ""
	for i := range logs {
		logs[i].ChainPrevHash = prev
		logs[i].ChainHash = hash.Text(
			prev,
			logs[i].CaseID,
			logs[i].EventType,
			logs[i].Action,
			logs[i].Status,
			fmt.Sprintf("%d", logs[i].OccurredAt),
			logs[i].Message,
			string(logs[i].DetailJSON),
		)
		prev = logs[i].ChainHash
	}

	res := VerifyAuditLogs(logs)
	if !res.OK {
		t.Fatalf("expected OK, got %+v", res)
	}
	if res.Total != 2 || res.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", res)
	}
}

func TestVerifyAuditLogs_Mismatch(t *testing.T) {
	logs := []model.AuditLog{
		{
			EventID:    "evt_1",
			CaseID:     "case_1",
			EventType:  "x",
			Action:     "a",
			Status:     "s",
			DetailJSON: nil, // 兜底：空 detail 视为 "{}"
			OccurredAt: 1,
		},
		{
			EventID:    "evt_2",
			CaseID:     "case_1",
			EventType:  "y",
			Action:     "b",
			Status:     "t",
			DetailJSON: []byte(`{"n":1}`),
			OccurredAt: 2,
		},
	}

	// 先构造一条正确链，再篡改第二条的 chain_hash。
	prev := ""
	for i := range logs {
		logs[i].ChainPrevHash = prev
		detail := string(logs[i].DetailJSON)
		if detail == "" {
			detail = "{}"
		}
		logs[i].ChainHash = hash.Text(prev, logs[i].CaseID, logs[i].EventType, logs[i].Action, logs[i].Status, fmt.Sprintf("%d", logs[i].OccurredAt), logs[i].Message, detail)
		prev = logs[i].ChainHash
	}
	logs[1].ChainHash = "deadbeef"

	res := VerifyAuditLogs(logs)
	if res.OK {
		t.Fatalf("expected NOT OK")
	}
	if res.Failed == 0 || res.ChainHashFailed == 0 {
		t.Fatalf("expected chain hash mismatch, got %+v", res)
	}
}

func TestVerifyAuditLogs_MessageTamper(t *testing.T) {
	logs := []model.AuditLog{{
		EventID:    "aud_1",
		CaseID:     "case_1",
		EventType:  "legal_hold",
		Action:     "apply_legal_hold",
		Status:     "success",
		Message:    "hold applied to 1 item",
		DetailJSON: []byte(`{"hold_id":"h1"}`),
		OccurredAt: 5,
	}}
	logs[0].ChainHash = hash.Text("", "case_1", "legal_hold", "apply_legal_hold", "success", "5", logs[0].Message, `{"hold_id":"h1"}`)
	if res := VerifyAuditLogs(logs); !res.OK {
		t.Fatalf("expected OK before tamper, got %+v", res)
	}

	// 导出包中的缩进 JSON 不应被视为篡改。
	logs[0].DetailJSON = []byte("{\n  \"hold_id\": \"h1\"\n}")
	if res := VerifyAuditLogs(logs); !res.OK {
		t.Fatalf("indented detail should still verify, got %+v", res)
	}

	logs[0].Message = "hold released"
	res := VerifyAuditLogs(logs)
	if res.OK || res.ChainHashFailed != 1 {
		t.Fatalf("expected message tamper detected, got %+v", res)
	}
}
