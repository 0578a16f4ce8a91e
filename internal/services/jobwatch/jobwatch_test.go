package jobwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/orchestrator"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	created   []orchestrator.JobRequest
	scheduled []orchestrator.JobRequest
}

func (f *fakeSubmitter) CreateJob(ctx context.Context, req orchestrator.JobRequest) (model.CollectionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.CaseID == "" {
		return model.CollectionJob{}, fmt.Errorf("%w: case_id is required", model.ErrValidation)
	}
	f.created = append(f.created, req)
	return model.CollectionJob{ID: fmt.Sprintf("job-%d", len(f.created)), CaseID: req.CaseID}, nil
}

func (f *fakeSubmitter) ScheduleCollection(ctx context.Context, req orchestrator.JobRequest) (model.CollectionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, req)
	return model.CollectionJob{ID: fmt.Sprintf("sched-%d", len(f.scheduled)), CaseID: req.CaseID}, nil
}

func (f *fakeSubmitter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.scheduled)
}

const oneShot = `case_id: CASE-7
name: triage
sources:
  - id: ws-01
    type: endpoint
    hostname: ws-01.corp.local
evidence_types: [file_artifact, event_log]
options:
  hash_algorithms: [sha256]
  tags: [triage]
`

const nightly = `case_id: CASE-7
sources:
  - id: srv-01
    type: server
    hostname: srv-01.corp.local
evidence_types: [system_info]
schedule:
  cron: "0 2 * * *"
  timezone: Asia/Shanghai
  max_runs: 5
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nightly.yaml")
	writeFile(t, p, nightly)

	req, _, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if req.Name != "nightly" {
		t.Fatalf("name=%q, want file stem", req.Name)
	}
	if req.Schedule == nil || req.Schedule.CronExpression != "0 2 * * *" || req.Schedule.MaxRuns != 5 {
		t.Fatalf("schedule=%+v", req.Schedule)
	}
	if len(req.Sources) != 1 || req.Sources[0].Type != model.SourceServer {
		t.Fatalf("sources=%+v", req.Sources)
	}
}

func TestLoadFile_UnknownField(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.yml")
	writeFile(t, p, "case_id: C\nevidence_typse: [file_artifact]\n")
	if _, _, err := LoadFile(p); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestScan_SubmitsOncePerContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a-triage.yaml"), oneShot)
	writeFile(t, filepath.Join(dir, "b-nightly.yml"), nightly)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(dir, ".hidden.yaml"), oneShot)

	sub := &fakeSubmitter{}
	w := New(Config{Dir: dir}, sub, nil)
	ctx := context.Background()
	if err := w.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if c, s := sub.counts(); c != 1 || s != 1 {
		t.Fatalf("created=%d scheduled=%d", c, s)
	}
	if id, ok := w.JobFor(filepath.Join(dir, "a-triage.yaml")); !ok || id != "job-1" {
		t.Fatalf("JobFor=%q,%v", id, ok)
	}

	// 内容不变的重复扫描不会再次提交。
	if err := w.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if c, s := sub.counts(); c != 1 || s != 1 {
		t.Fatalf("rescan created=%d scheduled=%d", c, s)
	}

	writeFile(t, filepath.Join(dir, "a-triage.yaml"), oneShot+"actor: analyst\n")
	if err := w.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if c, _ := sub.counts(); c != 2 {
		t.Fatalf("changed file created=%d, want 2", c)
	}

	sum := w.Stop()
	if sum.Submitted != 3 || sum.Skipped != 3 || sum.Failed != 0 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestScan_RejectedFileCountsAsFailed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "nocase.yaml"), "evidence_types: [file_artifact]\n")
	sub := &fakeSubmitter{}
	w := New(Config{Dir: dir}, sub, nil)
	if err := w.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if sum := w.Stop(); sum.Failed != 1 || sum.Submitted != 0 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestWatcher_NewFileSubmitted(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	w := New(Config{Dir: dir, Debounce: 20 * time.Millisecond}, sub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "triage.yaml"), oneShot)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c, _ := sub.counts(); c == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	c, s := sub.counts()
	t.Fatalf("job file not submitted: created=%d scheduled=%d", c, s)
}

func TestDebouncerCoalesces(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	d := newDebouncer(30*time.Millisecond, func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	for i := 0; i < 5; i++ {
		d.Add("x.yaml")
	}
	if d.Pending() != 1 {
		t.Fatalf("pending=%d", d.Pending())
	}
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}
