package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/hash"
	"evidence-orchestrator/internal/services/custody"

	"github.com/sirupsen/logrus"
)

// PreserveEvidence 对证据施加写阻断（默认开启）、可选压缩/加密（生成派生容器，原始载荷不动）、
// 可选迁移到其他存储后端，并追加一条 preserved 监管记录描述前后完整性状态。
func (o *Orchestrator) PreserveEvidence(ctx context.Context, evidenceID string, p model.PreserveOptions) (model.EvidenceItem, error) {
	p.Actor = o.actorOr(p.Actor)
	caseID := ""
	if it, err := o.registry.GetEvidence(evidenceID); err == nil {
		caseID = it.CaseID
	}
	item, err := o.preserve(ctx, evidenceID, p)
	if err != nil {
		o.rejected(ctx, caseID, model.AuditPreserve, "preserve_evidence", err, map[string]any{"evidence_id": evidenceID})
		return model.EvidenceItem{}, err
	}
	last := item.ChainOfCustody[len(item.ChainOfCustody)-1]
	o.record(ctx, model.AuditRecord{
		Category: model.AuditPreserve,
		Action:   "preserve_evidence",
		Status:   "success",
		Message:  last.Description,
		Details: map[string]any{
			"evidence_id":     evidenceID,
			"previous_hash":   last.PreviousHash,
			"new_hash":        last.NewHash,
			"storage_backend": item.StorageBackend,
			"storage_path":    item.StoragePath,
		},
		CaseID: item.CaseID,
		Actor:  p.Actor,
	})
	return item, nil
}

func (o *Orchestrator) preserve(ctx context.Context, evidenceID string, p model.PreserveOptions) (model.EvidenceItem, error) {
	writeBlock := p.WriteBlock == nil || *p.WriteBlock
	if p.Encrypt && strings.TrimSpace(p.EncryptionKey) == "" {
		return model.EvidenceItem{}, model.Invalidf("encryption requested without a key")
	}
	actor := o.actorOr(p.Actor)

	item, err := o.registry.UpdateEvidence(evidenceID, func(it *model.EvidenceItem) error {
		data, err := o.storage.Read(ctx, it.StorageBackend, it.StoragePath)
		if err != nil {
			return err
		}
		alg, recorded := model.PrimaryHash(it.Hashes)
		if alg == "" {
			return model.Invalidf("evidence %s has no recorded hash", it.ID)
		}
		sums, err := hash.Bytes(data, alg)
		if err != nil {
			return err
		}
		current := sums[alg]
		if it.Metadata.Extra == nil {
			it.Metadata.Extra = map[string]string{}
		}

		var steps []string
		if current != recorded {
			steps = append(steps, "integrity mismatch before preservation")
		}

		if p.Compress || p.Encrypt {
			container := data
			var formats []string
			ext := ""
			if p.Compress {
				if container, err = o.storage.Compress(container); err != nil {
					return fmt.Errorf("compress: %w", err)
				}
				formats = append(formats, "gzip")
				ext += ".gz"
			}
			if p.Encrypt {
				if container, err = o.storage.Encrypt(container, p.EncryptionKey); err != nil {
					return err
				}
				formats = append(formats, "xchacha20poly1305")
				ext += ".enc"
			}
			backend := it.StorageBackend
			key := fmt.Sprintf("%s.p%d%s", it.StoragePath, len(it.ChainOfCustody), ext)
			cp, err := o.storage.Store(ctx, backend, key, container)
			if err != nil {
				return err
			}
			csum, err := hash.Bytes(container, hash.SHA256)
			if err != nil {
				return err
			}
			if writeBlock {
				if err := o.storage.Protect(ctx, backend, cp); err != nil {
					return err
				}
			}
			it.Metadata.Extra["container_path"] = cp
			it.Metadata.Extra["container_backend"] = backend
			it.Metadata.Extra["container_format"] = strings.Join(formats, "+")
			it.Metadata.Extra["container_sha256"] = csum[hash.SHA256]
			it.Metadata.Extra["container_size"] = fmt.Sprintf("%d", len(container))
			steps = append(steps, "container "+strings.Join(formats, "+")+" at "+cp)
		}

		if p.TransferTo != "" {
			from, fromPath := it.StorageBackend, it.StoragePath
			np, err := o.storage.Transfer(ctx, from, fromPath, p.TransferTo, fromPath)
			if err != nil {
				return err
			}
			it.StorageBackend = p.TransferTo
			it.StoragePath = np
			it.Metadata.Extra["transferred_from"] = from + ":" + fromPath
			steps = append(steps, "transferred "+from+" -> "+p.TransferTo)
		}

		if writeBlock {
			if err := o.storage.Protect(ctx, it.StorageBackend, it.StoragePath); err != nil {
				return err
			}
			it.Metadata.Extra["write_blocked"] = "true"
			steps = append(steps, "write-blocked")
		}
		if len(steps) == 0 {
			steps = append(steps, "no-op")
		}

		desc := fmt.Sprintf("%s; %s %s -> %s", strings.Join(steps, "; "), alg, short(recorded), short(current))
		_, err = o.ledger.AddCustodyEntry(it, model.CustodyPreserved, actor, desc, &custody.HashTransition{Previous: it.LatestHash(), New: current})
		return err
	})
	if err != nil {
		return model.EvidenceItem{}, err
	}
	o.syncIndex(ctx, item)
	o.publish(model.Event{Name: model.EventEvidencePreserved, CaseID: item.CaseID, EvidenceID: item.ID, Payload: item.Clone()})
	o.log.WithFields(logrus.Fields{"evidence_id": item.ID, "case_id": item.CaseID}).Info("evidence preserved")
	return item, nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// HashEvidence 重新计算指定算法的摘要并追加 hashed 监管记录。
func (o *Orchestrator) HashEvidence(ctx context.Context, evidenceID string, algorithms []string, actor string) (model.EvidenceHashes, error) {
	actor = o.actorOr(actor)
	var sums model.EvidenceHashes
	item, err := o.registry.UpdateEvidence(evidenceID, func(it *model.EvidenceItem) error {
		data, err := o.storage.Read(ctx, it.StorageBackend, it.StoragePath)
		if err != nil {
			return err
		}
		sums, err = o.ledger.HashEvidence(it, data, algorithms, actor)
		return err
	})
	if err != nil {
		o.rejected(ctx, "", model.AuditIntegrity, "hash_evidence", err, map[string]any{"evidence_id": evidenceID})
		return nil, err
	}
	o.syncIndex(ctx, item)
	o.record(ctx, model.AuditRecord{
		Category: model.AuditIntegrity,
		Action:   "hash_evidence",
		Status:   "success",
		Message:  "computed " + strings.Join(hash.Manifest(sums), ", "),
		Details:  map[string]any{"evidence_id": evidenceID, "hashes": sums},
		CaseID:   item.CaseID,
		Actor:    actor,
	})
	return sums, nil
}

// VerifyEvidence 用主算法比对当前载荷与记录值；只更新 Verified 标记。
func (o *Orchestrator) VerifyEvidence(ctx context.Context, evidenceID, actor string) (model.VerificationResult, error) {
	actor = o.actorOr(actor)
	var res model.VerificationResult
	item, err := o.registry.UpdateEvidence(evidenceID, func(it *model.EvidenceItem) error {
		data, err := o.storage.Read(ctx, it.StorageBackend, it.StoragePath)
		if err != nil {
			return err
		}
		res, err = o.ledger.VerifyEvidence(it, data)
		return err
	})
	if err != nil {
		o.rejected(ctx, "", model.AuditIntegrity, "verify_evidence", err, map[string]any{"evidence_id": evidenceID})
		return model.VerificationResult{}, err
	}
	o.syncIndex(ctx, item)
	o.metrics.Verifications.WithLabelValues(fmt.Sprintf("%t", res.Valid)).Inc()
	status := "valid"
	if !res.Valid {
		status = "mismatch"
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditIntegrity,
		Action:   "verify_evidence",
		Status:   status,
		Message:  fmt.Sprintf("%s %s recorded=%s current=%s", evidenceID, res.Algorithm, short(res.OriginalHash), short(res.CurrentHash)),
		Details: map[string]any{
			"evidence_id":   evidenceID,
			"algorithm":     res.Algorithm,
			"original_hash": res.OriginalHash,
			"current_hash":  res.CurrentHash,
			"valid":         res.Valid,
		},
		CaseID: item.CaseID,
		Actor:  actor,
	})
	o.publish(model.Event{Name: model.EventEvidenceVerified, CaseID: item.CaseID, EvidenceID: evidenceID, Payload: res})
	return res, nil
}
