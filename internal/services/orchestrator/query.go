package orchestrator

import (
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/registry"
)

// GetEvidence 返回证据拷贝。
func (o *Orchestrator) GetEvidence(evidenceID string) (model.EvidenceItem, error) {
	return o.registry.GetEvidence(evidenceID)
}

func (o *Orchestrator) ListEvidenceByCase(caseID string) []model.EvidenceItem {
	return o.registry.ListEvidence(registry.EvidenceFilter{CaseID: caseID})
}

// ListEvidenceByTags 返回同时带有全部给定标签的证据。
func (o *Orchestrator) ListEvidenceByTags(tags ...string) []model.EvidenceItem {
	return o.registry.ListEvidence(registry.EvidenceFilter{Tags: tags})
}

func (o *Orchestrator) ListEvidence(f registry.EvidenceFilter) []model.EvidenceItem {
	return o.registry.ListEvidence(f)
}

func (o *Orchestrator) GetJob(jobID string) (model.CollectionJob, error) {
	return o.registry.GetJob(jobID)
}

func (o *Orchestrator) ListJobsByStatus(status model.JobStatus) []model.CollectionJob {
	return o.registry.ListJobs(registry.JobFilter{Status: status})
}

func (o *Orchestrator) ListJobs(f registry.JobFilter) []model.CollectionJob {
	return o.registry.ListJobs(f)
}

// ListHolds 按创建顺序返回保全；activeOnly 时只返回生效的。
func (o *Orchestrator) ListHolds(activeOnly bool) []model.LegalHold {
	return o.ledger.ListHolds(activeOnly)
}

func (o *Orchestrator) GetHold(holdID string) (model.LegalHold, error) {
	return o.ledger.GetHold(holdID)
}

// EvidenceUnderHold 返回被该保全覆盖且仍登记在册的证据。
func (o *Orchestrator) EvidenceUnderHold(holdID string) ([]model.EvidenceItem, error) {
	h, err := o.ledger.GetHold(holdID)
	if err != nil {
		return nil, err
	}
	out := make([]model.EvidenceItem, 0, len(h.EvidenceIDs))
	for _, id := range h.EvidenceIDs {
		it, err := o.registry.GetEvidence(id)
		if err != nil {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Stats 是注册表统计加上运行时状态。
type Stats struct {
	registry.Stats
	ActiveJobs  int `json:"active_jobs"`
	ActiveHolds int `json:"active_holds"`
	TotalHolds  int `json:"total_holds"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Stats:       o.registry.Stats(),
		ActiveJobs:  o.ActiveJobs(),
		ActiveHolds: o.ledger.ActiveHoldCount(),
		TotalHolds:  len(o.ledger.ListHolds(false)),
	}
}
