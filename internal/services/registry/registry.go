// Package registry 是证据与任务的进程内权威存储。
//
// 读取一律返回拷贝；修改必须经由 UpdateEvidence/UpdateJob，
// 这两个方法只锁定目标条目本身，不同证据之间的写入互不阻塞。
package registry

import (
	"sort"
	"sync"
	"time"

	"evidence-orchestrator/internal/domain/model"
)

type evidenceEntry struct {
	mu   sync.Mutex
	item model.EvidenceItem
	// gone 在条目锁内置位，之后的读写一律视为不存在。
	gone bool
}

type jobEntry struct {
	mu  sync.Mutex
	job model.CollectionJob
}

// Registry 持有证据与任务的规范副本。
type Registry struct {
	mu       sync.RWMutex
	evidence map[string]*evidenceEntry
	jobs     map[string]*jobEntry
}

func New() *Registry {
	return &Registry{
		evidence: make(map[string]*evidenceEntry),
		jobs:     make(map[string]*jobEntry),
	}
}

// AddEvidence 注册新证据。ID 重复视为校验错误。
func (r *Registry) AddEvidence(item model.EvidenceItem) error {
	if item.ID == "" {
		return model.Invalidf("evidence id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.evidence[item.ID]; ok {
		return model.Invalidf("evidence %s already registered", item.ID)
	}
	r.evidence[item.ID] = &evidenceEntry{item: item.Clone()}
	return nil
}

// GetEvidence 返回证据拷贝。
func (r *Registry) GetEvidence(id string) (model.EvidenceItem, error) {
	e, err := r.evidenceEntry(id)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return model.EvidenceItem{}, model.NotFoundf("evidence %s", id)
	}
	return e.item.Clone(), nil
}

// UpdateEvidence 在该证据的独占锁内执行 fn。
// fn 返回错误时丢弃改动；成功时提交并返回提交后的拷贝。
func (r *Registry) UpdateEvidence(id string, fn func(*model.EvidenceItem) error) (model.EvidenceItem, error) {
	e, err := r.evidenceEntry(id)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return model.EvidenceItem{}, model.NotFoundf("evidence %s", id)
	}
	work := e.item.Clone()
	if err := fn(&work); err != nil {
		return model.EvidenceItem{}, err
	}
	work.ID = e.item.ID
	e.item = work
	return e.item.Clone(), nil
}

// DeleteEvidenceIf 在条目锁内执行 fn，fn 返回 nil 时移除该证据。
// 判定与移除之间不会有其他 UpdateEvidence 成功提交。
func (r *Registry) DeleteEvidenceIf(id string, fn func(*model.EvidenceItem) error) (model.EvidenceItem, error) {
	e, err := r.evidenceEntry(id)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return model.EvidenceItem{}, model.NotFoundf("evidence %s", id)
	}
	snapshot := e.item.Clone()
	if err := fn(&snapshot); err != nil {
		e.mu.Unlock()
		return model.EvidenceItem{}, err
	}
	e.gone = true
	removed := e.item.Clone()
	e.mu.Unlock()

	r.mu.Lock()
	if r.evidence[id] == e {
		delete(r.evidence, id)
	}
	r.mu.Unlock()
	return removed, nil
}

func (r *Registry) evidenceEntry(id string) (*evidenceEntry, error) {
	r.mu.RLock()
	e, ok := r.evidence[id]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NotFoundf("evidence %s", id)
	}
	return e, nil
}

// EvidenceFilter 的各字段为空表示不过滤；Tags 要求全部命中。
type EvidenceFilter struct {
	CaseID   string
	SourceID string
	Type     model.EvidenceType
	Tags     []string
	HoldID   string
	Verified *bool
}

func (f EvidenceFilter) match(it *model.EvidenceItem) bool {
	if f.CaseID != "" && it.CaseID != f.CaseID {
		return false
	}
	if f.SourceID != "" && it.SourceID != f.SourceID {
		return false
	}
	if f.Type != "" && it.Type != f.Type {
		return false
	}
	if len(f.Tags) > 0 && !it.HasTags(f.Tags...) {
		return false
	}
	if f.HoldID != "" && (it.LegalHold == nil || *it.LegalHold != f.HoldID) {
		return false
	}
	if f.Verified != nil && it.Verified != *f.Verified {
		return false
	}
	return true
}

// ListEvidence 按采集时间（再按 ID）排序返回匹配的证据拷贝。
func (r *Registry) ListEvidence(f EvidenceFilter) []model.EvidenceItem {
	r.mu.RLock()
	entries := make([]*evidenceEntry, 0, len(r.evidence))
	for _, e := range r.evidence {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]model.EvidenceItem, 0)
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone && f.match(&e.item) {
			out = append(out, e.item.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].CollectedAt.Before(out[j].CollectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddJob 注册新任务。
func (r *Registry) AddJob(job model.CollectionJob) error {
	if job.ID == "" {
		return model.Invalidf("job id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return model.Invalidf("job %s already registered", job.ID)
	}
	r.jobs[job.ID] = &jobEntry{job: job.Clone()}
	return nil
}

// GetJob 返回任务拷贝。
func (r *Registry) GetJob(id string) (model.CollectionJob, error) {
	e, err := r.jobEntry(id)
	if err != nil {
		return model.CollectionJob{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// UpdateJob 在该任务的独占锁内执行 fn，语义同 UpdateEvidence。
func (r *Registry) UpdateJob(id string, fn func(*model.CollectionJob) error) (model.CollectionJob, error) {
	e, err := r.jobEntry(id)
	if err != nil {
		return model.CollectionJob{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	work := e.job.Clone()
	if err := fn(&work); err != nil {
		return model.CollectionJob{}, err
	}
	work.ID = e.job.ID
	e.job = work
	return e.job.Clone(), nil
}

func (r *Registry) jobEntry(id string) (*jobEntry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NotFoundf("job %s", id)
	}
	return e, nil
}

// JobFilter 的字段为空表示不过滤。
type JobFilter struct {
	CaseID string
	Status model.JobStatus
}

// ListJobs 按创建时间排序返回匹配的任务拷贝。
func (r *Registry) ListJobs(f JobFilter) []model.CollectionJob {
	r.mu.RLock()
	entries := make([]*jobEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]model.CollectionJob, 0)
	for _, e := range entries {
		e.mu.Lock()
		if (f.CaseID == "" || e.job.CaseID == f.CaseID) && (f.Status == "" || e.job.Status == f.Status) {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats 是注册表聚合统计。
type Stats struct {
	EvidenceCount  int                        `json:"evidence_count"`
	TotalBytes     int64                      `json:"total_bytes"`
	ByType         map[model.EvidenceType]int `json:"by_type"`
	ByCase         map[string]int             `json:"by_case"`
	VerifiedCount  int                        `json:"verified_count"`
	HeldCount      int                        `json:"held_count"`
	JobCount       int                        `json:"job_count"`
	JobsByStatus   map[model.JobStatus]int    `json:"jobs_by_status"`
	OldestEvidence *time.Time                 `json:"oldest_evidence,omitempty"`
}

// Stats 计算当前快照的统计信息。
func (r *Registry) Stats() Stats {
	s := Stats{
		ByType:       map[model.EvidenceType]int{},
		ByCase:       map[string]int{},
		JobsByStatus: map[model.JobStatus]int{},
	}
	for _, it := range r.ListEvidence(EvidenceFilter{}) {
		s.EvidenceCount++
		s.TotalBytes += it.Size
		s.ByType[it.Type]++
		s.ByCase[it.CaseID]++
		if it.Verified {
			s.VerifiedCount++
		}
		if it.LegalHold != nil {
			s.HeldCount++
		}
		if s.OldestEvidence == nil || it.CollectedAt.Before(*s.OldestEvidence) {
			t := it.CollectedAt
			s.OldestEvidence = &t
		}
	}
	for _, j := range r.ListJobs(JobFilter{}) {
		s.JobCount++
		s.JobsByStatus[j.Status]++
	}
	return s
}
