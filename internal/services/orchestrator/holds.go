package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/registry"

	"github.com/sirupsen/logrus"
)

// HoldRequest 描述一次法律保全。
type HoldRequest struct {
	Name        string   `json:"name"`
	Reason      string   `json:"reason,omitempty"`
	EvidenceIDs []string `json:"evidence_ids"`
	Actor       string   `json:"actor,omitempty"`
}

// ApplyLegalHold 对一组已登记证据施加法律保全，并为每条证据追加 legal_hold_applied 监管记录。
// 引用未知证据时整体拒绝。
func (o *Orchestrator) ApplyLegalHold(ctx context.Context, req HoldRequest) (model.LegalHold, error) {
	actor := o.actorOr(req.Actor)
	caseID := ""
	for _, id := range req.EvidenceIDs {
		it, err := o.registry.GetEvidence(strings.TrimSpace(id))
		if err != nil {
			o.rejected(ctx, "", model.AuditLegalHold, "apply_legal_hold", err, map[string]any{"name": req.Name})
			return model.LegalHold{}, err
		}
		if caseID == "" {
			caseID = it.CaseID
		}
	}
	hold, err := o.ledger.ApplyLegalHold(req.Name, req.Reason, req.EvidenceIDs, actor)
	if err != nil {
		o.rejected(ctx, caseID, model.AuditLegalHold, "apply_legal_hold", err, map[string]any{"name": req.Name})
		return model.LegalHold{}, err
	}
	// 预检之后证据仍可能被并发删除；以条目锁内的结果为准，缺失的 ID 写进审计。
	var missing []string
	for _, evID := range hold.EvidenceIDs {
		holdID := hold.ID
		item, err := o.registry.UpdateEvidence(evID, func(it *model.EvidenceItem) error {
			it.LegalHold = &holdID
			_, err := o.ledger.AddCustodyEntry(it, model.CustodyHoldApplied, actor, fmt.Sprintf("legal hold %q (%s): %s", hold.Name, hold.ID, hold.Reason), nil)
			return err
		})
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				missing = append(missing, evID)
			}
			o.log.WithError(err).WithFields(logrus.Fields{"hold_id": hold.ID, "evidence_id": evID}).Error("mark evidence held")
			continue
		}
		o.syncIndex(ctx, item)
	}
	if len(missing) == len(hold.EvidenceIDs) {
		if _, err := o.ledger.ReleaseLegalHold(hold.ID, actor); err != nil {
			o.log.WithError(err).WithField("hold_id", hold.ID).Error("release empty legal hold")
		}
		err := model.NotFoundf("evidence %s deleted before hold %s took effect", strings.Join(missing, ", "), hold.ID)
		o.rejected(ctx, caseID, model.AuditLegalHold, "apply_legal_hold", err, map[string]any{
			"name":                 req.Name,
			"hold_id":              hold.ID,
			"missing_evidence_ids": missing,
		})
		return model.LegalHold{}, err
	}
	details := map[string]any{"hold_id": hold.ID, "evidence_ids": hold.EvidenceIDs, "reason": hold.Reason}
	status := "active"
	if len(missing) > 0 {
		details["missing_evidence_ids"] = missing
		status = "partial"
	}
	o.metrics.ActiveHolds.Set(float64(o.ledger.ActiveHoldCount()))
	o.record(ctx, model.AuditRecord{
		Category: model.AuditLegalHold,
		Action:   "apply_legal_hold",
		Status:   status,
		Message:  fmt.Sprintf("legal hold %q applied to %d evidence items", hold.Name, len(hold.EvidenceIDs)-len(missing)),
		Details:  details,
		CaseID:   caseID,
		Actor:    actor,
	})
	o.publish(model.Event{Name: model.EventLegalHoldApplied, CaseID: caseID, HoldID: hold.ID, Payload: hold})
	o.log.WithFields(logrus.Fields{"hold_id": hold.ID, "evidence": len(hold.EvidenceIDs)}).Info("legal hold applied")
	return hold, nil
}

// ReleaseLegalHold 解除保全。证据若仍被其他生效保全覆盖，LegalHold 指向其中最早的一条。
func (o *Orchestrator) ReleaseLegalHold(ctx context.Context, holdID, actor string) (model.LegalHold, error) {
	actor = o.actorOr(actor)
	hold, err := o.ledger.ReleaseLegalHold(holdID, actor)
	if err != nil {
		o.rejected(ctx, "", model.AuditLegalHold, "release_legal_hold", err, map[string]any{"hold_id": holdID})
		return model.LegalHold{}, err
	}
	caseID := ""
	for _, evID := range hold.EvidenceIDs {
		item, err := o.registry.UpdateEvidence(evID, func(it *model.EvidenceItem) error {
			it.LegalHold = nil
			if rest := o.ledger.HoldsFor(it.ID); len(rest) > 0 {
				next := rest[0].ID
				it.LegalHold = &next
			}
			_, err := o.ledger.AddCustodyEntry(it, model.CustodyHoldRelease, actor, fmt.Sprintf("legal hold %q (%s) released", hold.Name, hold.ID), nil)
			return err
		})
		if err != nil {
			// 证据可能在保全生效前已不存在；解除不因此失败。
			o.log.WithError(err).WithFields(logrus.Fields{"hold_id": hold.ID, "evidence_id": evID}).Warn("unmark evidence held")
			continue
		}
		if caseID == "" {
			caseID = item.CaseID
		}
		o.syncIndex(ctx, item)
	}
	o.metrics.ActiveHolds.Set(float64(o.ledger.ActiveHoldCount()))
	o.record(ctx, model.AuditRecord{
		Category: model.AuditLegalHold,
		Action:   "release_legal_hold",
		Status:   "released",
		Message:  fmt.Sprintf("legal hold %q released", hold.Name),
		Details:  map[string]any{"hold_id": hold.ID, "evidence_ids": hold.EvidenceIDs},
		CaseID:   caseID,
		Actor:    actor,
	})
	o.publish(model.Event{Name: model.EventLegalHoldReleased, CaseID: caseID, HoldID: hold.ID, Payload: hold})
	o.log.WithField("hold_id", hold.ID).Info("legal hold released")
	return hold, nil
}

// CanDeleteEvidence 只读判断：任一生效保全覆盖即不可删除；保留期只作参考。
func (o *Orchestrator) CanDeleteEvidence(ctx context.Context, evidenceID string) (model.DeleteEligibility, error) {
	it, err := o.registry.GetEvidence(evidenceID)
	if err != nil {
		return model.DeleteEligibility{}, err
	}
	return o.ledger.CanDeleteEvidence(it.ID, it.CollectedAt), nil
}

// DeleteEvidence 删除证据的载荷、派生容器与登记记录。被保全的证据返回 ErrLegalHold。
func (o *Orchestrator) DeleteEvidence(ctx context.Context, evidenceID, actor string) error {
	actor = o.actorOr(actor)
	it, err := o.deleteEvidence(ctx, evidenceID)
	if err != nil {
		o.rejected(ctx, it.CaseID, model.AuditRetention, "delete_evidence", err, map[string]any{"evidence_id": evidenceID})
		return err
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditRetention,
		Action:   "delete_evidence",
		Status:   "deleted",
		Message:  fmt.Sprintf("evidence %s (%s) deleted", it.ID, it.Name),
		Details: map[string]any{
			"evidence_id":     it.ID,
			"storage_backend": it.StorageBackend,
			"storage_path":    it.StoragePath,
			"hashes":          it.Hashes,
		},
		CaseID: it.CaseID,
		Actor:  actor,
	})
	return nil
}

func (o *Orchestrator) deleteEvidence(ctx context.Context, evidenceID string) (model.EvidenceItem, error) {
	var removed model.EvidenceItem
	// 保全判定、载荷删除与注册表移除在同一把条目锁内完成。
	_, err := o.registry.DeleteEvidenceIf(evidenceID, func(it *model.EvidenceItem) error {
		removed = it.Clone()
		if el := o.ledger.CanDeleteEvidence(it.ID, it.CollectedAt); !el.CanDelete {
			return fmt.Errorf("%w: %s", model.ErrLegalHold, el.Reason)
		}
		if err := o.storage.Delete(ctx, it.StorageBackend, it.StoragePath); err != nil {
			return fmt.Errorf("delete payload: %w", err)
		}
		if cp := it.Metadata.Extra["container_path"]; cp != "" {
			if err := o.storage.Delete(ctx, it.Metadata.Extra["container_backend"], cp); err != nil {
				o.log.WithError(err).WithField("evidence_id", it.ID).Warn("delete preservation container")
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	if o.index != nil {
		if err := o.index.DeleteEvidenceIndex(ctx, evidenceID); err != nil {
			o.log.WithError(err).WithField("evidence_id", evidenceID).Warn("delete evidence index")
		}
	}
	o.publish(model.Event{Name: model.EventEvidenceDeleted, CaseID: removed.CaseID, EvidenceID: evidenceID, Payload: removed})
	o.log.WithFields(logrus.Fields{"evidence_id": evidenceID, "case_id": removed.CaseID}).Info("evidence deleted")
	return removed, nil
}

// PurgeReport 是一次保留期清理的结果。
type PurgeReport struct {
	Deleted []string          `json:"deleted"`
	Held    []string          `json:"held"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// PurgeExpiredEvidence 删除超过保留期且未被保全的证据。RetentionDays 为 0 时不做任何事。
func (o *Orchestrator) PurgeExpiredEvidence(ctx context.Context, actor string) (PurgeReport, error) {
	actor = o.actorOr(actor)
	rep := PurgeReport{Deleted: []string{}, Held: []string{}}
	if o.cfg.RetentionDays <= 0 {
		return rep, nil
	}
	for _, it := range o.registry.ListEvidence(registry.EvidenceFilter{}) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		el := o.ledger.CanDeleteEvidence(it.ID, it.CollectedAt)
		if !el.RetentionExpired {
			continue
		}
		if !el.CanDelete {
			rep.Held = append(rep.Held, it.ID)
			continue
		}
		if _, err := o.deleteEvidence(ctx, it.ID); err != nil {
			if rep.Failed == nil {
				rep.Failed = map[string]string{}
			}
			rep.Failed[it.ID] = err.Error()
			continue
		}
		rep.Deleted = append(rep.Deleted, it.ID)
	}
	status := "success"
	if len(rep.Failed) > 0 {
		status = "partial"
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditRetention,
		Action:   "purge_expired_evidence",
		Status:   status,
		Message:  fmt.Sprintf("retention sweep: %d deleted, %d held", len(rep.Deleted), len(rep.Held)),
		Details: map[string]any{
			"retention_days": o.cfg.RetentionDays,
			"deleted":        rep.Deleted,
			"held":           rep.Held,
			"failed":         len(rep.Failed),
		},
		Actor: actor,
	})
	return rep, nil
}
