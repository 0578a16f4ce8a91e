package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"evidence-orchestrator/internal/domain/model"
)

func TestAPIClient_HoldRoundTrip(t *testing.T) {
	var gotActor string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get("X-Actor")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/holds":
			var req struct {
				Name        string   `json:"name"`
				EvidenceIDs []string `json:"evidence_ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"hold": model.LegalHold{ID: "hold-1", Name: req.Name, EvidenceIDs: req.EvidenceIDs, IsActive: true}})
		case r.URL.Path == "/v1/holds/missing/release":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"legal hold missing not found"}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer ts.Close()

	ctx := context.Background()
	if err := run(ctx, []string{"hold", "apply", "--server", ts.URL, "--actor", "analyst", "--name", "lit", "--evidence", "ev-1, ev-2"}); err != nil {
		t.Fatalf("hold apply: %v", err)
	}
	if gotActor != "analyst" {
		t.Fatalf("actor header=%q", gotActor)
	}

	err := run(ctx, []string{"hold", "release", "--server", strings.TrimPrefix(ts.URL, "http://"), "--id", "missing"})
	if err == nil || !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Fatalf("release missing: %v", err)
	}
}
