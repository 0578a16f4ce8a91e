package webapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"evidence-orchestrator/internal/adapters/acquire"
	"evidence-orchestrator/internal/adapters/storage"
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/audit"
	"evidence-orchestrator/internal/services/orchestrator"

	"github.com/gin-gonic/gin"
)

type stubConn struct{ src model.EvidenceSource }

func (c *stubConn) Source() model.EvidenceSource { return c.src }
func (c *stubConn) Platform() string             { return "linux" }
func (c *stubConn) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, errors.New("not available")
}
func (c *stubConn) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return nil, errors.New("not available")
}
func (c *stubConn) Stat(ctx context.Context, p string) (acquire.FileInfo, error) {
	return acquire.FileInfo{}, errors.New("not available")
}
func (c *stubConn) ListDir(ctx context.Context, p string) ([]acquire.FileInfo, error) {
	return nil, errors.New("not available")
}
func (c *stubConn) Glob(ctx context.Context, pattern string) ([]string, error) { return nil, nil }

type stubConnector struct{}

func (stubConnector) Connect(ctx context.Context, src model.EvidenceSource) (acquire.Connection, error) {
	if strings.HasPrefix(src.Hostname, "down") {
		return nil, errors.New("unreachable")
	}
	return &stubConn{src: src}, nil
}
func (stubConnector) Disconnect(ctx context.Context, conn acquire.Connection) error { return nil }

// stubBackend 在 gate 非空时于第一次采集处阻塞，用于制造并发占用。
type stubBackend struct {
	mu      sync.Mutex
	gate    chan struct{}
	started chan struct{}
}

func (b *stubBackend) Name() string { return "stub" }
func (b *stubBackend) Supports(t model.EvidenceType) bool {
	return t == model.EvidenceFileArtifact || t == model.EvidenceEventLog
}
func (b *stubBackend) Acquire(ctx context.Context, conn acquire.Connection, req acquire.Request) (*acquire.Acquisition, error) {
	b.mu.Lock()
	gate, started := b.gate, b.started
	b.gate, b.started = nil, nil
	b.mu.Unlock()
	if gate != nil {
		close(started)
		<-gate
	}
	return &acquire.Acquisition{
		Name:     string(req.Type) + ".bin",
		Path:     "/stub/" + string(req.Type),
		Payload:  []byte("abc"),
		Metadata: model.EvidenceMetadata{AcquisitionMethod: "stub"},
	}, nil
}

type testEnv struct {
	ts      *httptest.Server
	srv     *Server
	backend *stubBackend
}

func newTestEnv(t *testing.T, cfg orchestrator.Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	sink, err := audit.OpenFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	backend := &stubBackend{}
	o, err := orchestrator.New(cfg, orchestrator.Deps{
		Connector: stubConnector{},
		Backends:  acquire.NewSet(backend),
		Storage:   storage.NewManager(storage.NewLocal(filepath.Join(dir, "evidence"))),
		Audit:     sink,
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	srv, err := NewServer(Options{ExportDir: filepath.Join(dir, "exports")}, Deps{Orchestrator: o, Audit: sink})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, srv: srv, backend: backend}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(actorHeader, "analyst")
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func endpoint(id string) model.EvidenceSource {
	return model.EvidenceSource{ID: id, Type: model.SourceEndpoint, Hostname: id + ".corp.local"}
}

func (e *testEnv) collect(t *testing.T) model.EvidenceItem {
	t.Helper()
	var out struct {
		Result model.CollectionResult `json:"result"`
	}
	code := e.do(t, http.MethodPost, "/v1/collections/endpoint", collectEndpointRequest{
		CaseID:        "CASE-1",
		Source:        endpoint("ws-01"),
		EvidenceTypes: []model.EvidenceType{model.EvidenceFileArtifact},
	}, &out)
	if code != http.StatusOK {
		t.Fatalf("collect status=%d", code)
	}
	if len(out.Result.EvidenceItems) != 1 {
		t.Fatalf("items=%d", len(out.Result.EvidenceItems))
	}
	return out.Result.EvidenceItems[0]
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	var health map[string]string
	if code := e.do(t, http.MethodGet, "/healthz", nil, &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz code=%d body=%v", code, health)
	}

	resp, err := e.ts.Client().Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "evidence_http_requests_total") {
		t.Fatalf("metrics output missing http counter")
	}
}

func TestCollectListAndContent(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	item := e.collect(t)
	if item.CollectedBy != "analyst" {
		t.Fatalf("collected_by=%q, want header actor", item.CollectedBy)
	}

	var list struct {
		Items []model.EvidenceItem `json:"items"`
		Total int                  `json:"total"`
	}
	if code := e.do(t, http.MethodGet, "/v1/evidence?case_id=CASE-1", nil, &list); code != http.StatusOK || list.Total != 1 {
		t.Fatalf("list code=%d total=%d", code, list.Total)
	}

	resp, err := e.ts.Client().Get(e.ts.URL + "/v1/evidence/" + item.ID + "/content")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "abc" {
		t.Fatalf("content=%q", b)
	}
	const abcSHA256 = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := resp.Header.Get("X-Evidence-SHA256"); got != abcSHA256 {
		t.Fatalf("sha header=%q", got)
	}

	var verify struct {
		Verification model.VerificationResult `json:"verification"`
	}
	if code := e.do(t, http.MethodPost, "/v1/evidence/"+item.ID+"/verify", nil, &verify); code != http.StatusOK {
		t.Fatalf("verify code=%d", code)
	}
}

func TestValidationAndNotFound(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	var er ErrorResponse
	code := e.do(t, http.MethodPost, "/v1/collections/endpoint", collectEndpointRequest{
		Source:        endpoint("ws-01"),
		EvidenceTypes: []model.EvidenceType{model.EvidenceFileArtifact},
	}, &er)
	if code != http.StatusBadRequest || er.Code != "INVALID_ARGUMENT" {
		t.Fatalf("missing case: code=%d body=%+v", code, er)
	}

	er = ErrorResponse{}
	if code := e.do(t, http.MethodGet, "/v1/evidence/nope", nil, &er); code != http.StatusNotFound || er.Code != "NOT_FOUND" {
		t.Fatalf("unknown evidence: code=%d body=%+v", code, er)
	}
}

func TestHoldBlocksDelete(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	item := e.collect(t)

	var created struct {
		Hold model.LegalHold `json:"hold"`
	}
	code := e.do(t, http.MethodPost, "/v1/holds", orchestrator.HoldRequest{
		Name:        "litigation",
		EvidenceIDs: []string{item.ID},
	}, &created)
	if code != http.StatusCreated || !created.Hold.IsActive {
		t.Fatalf("apply hold code=%d hold=%+v", code, created.Hold)
	}

	var el model.DeleteEligibility
	if code := e.do(t, http.MethodGet, "/v1/evidence/"+item.ID+"/deletable", nil, &el); code != http.StatusOK || el.CanDelete {
		t.Fatalf("deletable code=%d eligibility=%+v", code, el)
	}

	var er ErrorResponse
	if code := e.do(t, http.MethodDelete, "/v1/evidence/"+item.ID, nil, &er); code != http.StatusConflict || er.Code != "LEGAL_HOLD" {
		t.Fatalf("delete under hold: code=%d body=%+v", code, er)
	}

	if code := e.do(t, http.MethodPost, "/v1/holds/"+created.Hold.ID+"/release", nil, &created); code != http.StatusOK || created.Hold.IsActive {
		t.Fatalf("release code=%d hold=%+v", code, created.Hold)
	}
	if code := e.do(t, http.MethodDelete, "/v1/evidence/"+item.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete after release: code=%d", code)
	}
}

func jobBody(hosts ...string) orchestrator.JobRequest {
	req := orchestrator.JobRequest{
		CaseID:        "CASE-1",
		Name:          "sweep",
		EvidenceTypes: []model.EvidenceType{model.EvidenceFileArtifact, model.EvidenceEventLog},
	}
	for _, h := range hosts {
		req.Sources = append(req.Sources, endpoint(h))
	}
	return req
}

func TestJobLifecycle(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	var created struct {
		Job model.CollectionJob `json:"job"`
	}
	if code := e.do(t, http.MethodPost, "/v1/jobs", jobBody("ws-01", "down-02"), &created); code != http.StatusCreated {
		t.Fatalf("create code=%d", code)
	}
	if created.Job.Status != model.JobPending || created.Job.CreatedBy != "analyst" {
		t.Fatalf("created job=%+v", created.Job)
	}

	var ran struct {
		Job model.CollectionJob `json:"job"`
	}
	if code := e.do(t, http.MethodPost, "/v1/jobs/"+created.Job.ID+"/execute", nil, &ran); code != http.StatusOK {
		t.Fatalf("execute code=%d", code)
	}
	if ran.Job.Status != model.JobCompleted {
		t.Fatalf("status=%s", ran.Job.Status)
	}
	if ran.Job.Progress.TotalItems != 4 || ran.Job.Progress.CompletedItems != 4 {
		t.Fatalf("progress=%+v", ran.Job.Progress)
	}
	if len(ran.Job.Errors) == 0 {
		t.Fatalf("expected connection error for unreachable source")
	}

	var list struct {
		Total int `json:"total"`
	}
	if code := e.do(t, http.MethodGet, "/v1/jobs?status=completed", nil, &list); code != http.StatusOK || list.Total != 1 {
		t.Fatalf("list code=%d total=%d", code, list.Total)
	}

	if code := e.do(t, http.MethodPost, "/v1/jobs/"+created.Job.ID+"/cancel", nil, &ErrorResponse{}); code != http.StatusConflict {
		t.Fatalf("cancel completed job: code=%d", code)
	}
}

func TestExecuteJobCapacity(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{MaxConcurrentJobs: 1})
	var first, second struct {
		Job model.CollectionJob `json:"job"`
	}
	e.do(t, http.MethodPost, "/v1/jobs", jobBody("ws-01"), &first)
	e.do(t, http.MethodPost, "/v1/jobs", jobBody("ws-02"), &second)

	gate := make(chan struct{})
	started := make(chan struct{})
	e.backend.mu.Lock()
	e.backend.gate, e.backend.started = gate, started
	e.backend.mu.Unlock()

	var accepted struct {
		Accepted bool `json:"accepted"`
	}
	if code := e.do(t, http.MethodPost, "/v1/jobs/"+first.Job.ID+"/execute?async=true", nil, &accepted); code != http.StatusAccepted || !accepted.Accepted {
		t.Fatalf("async execute code=%d", code)
	}
	<-started

	var er ErrorResponse
	if code := e.do(t, http.MethodPost, "/v1/jobs/"+second.Job.ID+"/execute", nil, &er); code != http.StatusTooManyRequests || er.Code != model.CodeCapacityExceeded {
		t.Fatalf("capacity: code=%d body=%+v", code, er)
	}

	close(gate)
	e.srv.Wait()
	var got struct {
		Job model.CollectionJob `json:"job"`
	}
	e.do(t, http.MethodGet, "/v1/jobs/"+first.Job.ID, nil, &got)
	if got.Job.Status != model.JobCompleted {
		t.Fatalf("async job status=%s", got.Job.Status)
	}
}

func TestCaseAuditAndExports(t *testing.T) {
	e := newTestEnv(t, orchestrator.Config{})
	e.collect(t)

	var audits struct {
		Items []model.AuditLog `json:"items"`
		Total int              `json:"total"`
	}
	if code := e.do(t, http.MethodGet, "/v1/cases/CASE-1/audit", nil, &audits); code != http.StatusOK || audits.Total == 0 {
		t.Fatalf("audit code=%d total=%d", code, audits.Total)
	}

	var verify struct {
		OK bool `json:"ok"`
	}
	if code := e.do(t, http.MethodGet, "/v1/cases/CASE-1/audit/verify", nil, &verify); code != http.StatusOK || !verify.OK {
		t.Fatalf("verify audit code=%d ok=%v", code, verify.OK)
	}

	var zipOut struct {
		Export struct {
			ZipPath   string `json:"zip_path"`
			ZipSHA256 string `json:"zip_sha256"`
		} `json:"export"`
	}
	if code := e.do(t, http.MethodPost, "/v1/cases/CASE-1/exports/zip", nil, &zipOut); code != http.StatusOK || zipOut.Export.ZipSHA256 == "" {
		t.Fatalf("zip export code=%d out=%+v", code, zipOut)
	}

	var er ErrorResponse
	if code := e.do(t, http.MethodPost, "/v1/cases/CASE-404/exports/pdf", nil, &er); code != http.StatusNotFound {
		t.Fatalf("pdf for unknown case: code=%d", code)
	}
}
