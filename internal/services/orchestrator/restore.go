package orchestrator

import (
	"context"
	"fmt"

	"evidence-orchestrator/internal/domain/model"
)

// IndexReader 读取 evidence_index 中的证据快照。
type IndexReader interface {
	ListEvidenceIndex(ctx context.Context, caseID string) ([]model.EvidenceItem, error)
}

// Restore 把索引中的证据快照装回内存登记表，已登记的 ID 跳过。
//
// 法律保全只保存在进程内，快照里残留的 legal_hold 指针在装载时清空；
// 需要保全的证据须在新进程中重新施加。
func (o *Orchestrator) Restore(ctx context.Context, src IndexReader, caseID string) (int, error) {
	items, err := src.ListEvidenceIndex(ctx, caseID)
	if err != nil {
		return 0, fmt.Errorf("restore evidence index: %w", err)
	}
	loaded, stale := 0, 0
	for _, it := range items {
		if _, err := o.registry.GetEvidence(it.ID); err == nil {
			continue
		}
		if it.LegalHold != nil {
			stale++
			it.LegalHold = nil
		}
		if err := o.registry.AddEvidence(it); err != nil {
			return loaded, err
		}
		loaded++
	}
	if stale > 0 {
		o.log.WithField("count", stale).Warn("restored evidence had legal hold references; holds must be reapplied")
	}
	o.log.WithField("count", loaded).Debug("evidence index restored")
	return loaded, nil
}
