package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidence-orchestrator/internal/adapters/acquire"
	"evidence-orchestrator/internal/domain/model"

	"github.com/sirupsen/logrus"
)

// itemDone 在每个证据类型（或云资源类型）处理结束后回调，用于推进任务进度。
type itemDone func(label string, bytes int64)

// CollectFromEndpoint 连接终端/服务器来源，按证据类型逐项采集。
//
// 单项失败被记录后继续；连接失败时结果为 failed 且不尝试断开。
// 结构性错误（参数非法）同步返回。
func (o *Orchestrator) CollectFromEndpoint(ctx context.Context, caseID string, src model.EvidenceSource, types []model.EvidenceType, ov *model.OptionOverrides) (*model.CollectionResult, error) {
	opts, err := o.validateEndpointRequest(caseID, src, types, ov)
	if err != nil {
		o.rejected(ctx, caseID, model.AuditCollection, "collect_endpoint", err, map[string]any{"source_id": src.ID})
		return nil, err
	}
	res := o.collectEndpoint(ctx, caseID, src, types, opts, nil)
	o.record(ctx, model.AuditRecord{
		Category: model.AuditCollection,
		Action:   "collect_endpoint",
		Status:   string(res.Status),
		Message:  fmt.Sprintf("collected %d/%d evidence types from %s", len(res.EvidenceItems), len(types), src.ID),
		Details:  resultDetails(res),
		CaseID:   caseID,
		Actor:    opts.Actor,
	})
	return res, nil
}

func (o *Orchestrator) validateEndpointRequest(caseID string, src model.EvidenceSource, types []model.EvidenceType, ov *model.OptionOverrides) (model.CollectionOptions, error) {
	if strings.TrimSpace(caseID) == "" {
		return model.CollectionOptions{}, model.Invalidf("case id is required")
	}
	if err := model.ValidateSource(src, model.SourceEndpoint, model.SourceServer); err != nil {
		return model.CollectionOptions{}, err
	}
	if len(types) == 0 {
		return model.CollectionOptions{}, model.Invalidf("at least one evidence type is required")
	}
	if o.connector == nil {
		return model.CollectionOptions{}, fmt.Errorf("%w: no connector configured", model.ErrConnection)
	}
	return o.resolveOptions(ov)
}

// rejected 为同步抛出的错误写审计并发布 error 事件。
func (o *Orchestrator) rejected(ctx context.Context, caseID string, cat model.AuditCategory, action string, err error, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = err.Error()
	o.record(ctx, model.AuditRecord{
		Category: cat,
		Action:   action,
		Status:   "rejected",
		Message:  err.Error(),
		Details:  details,
		CaseID:   caseID,
	})
	o.fail(model.Event{CaseID: caseID}, model.CollectionError{
		Timestamp:   o.now().UTC(),
		Code:        errorCode(err),
		Message:     err.Error(),
		Recoverable: false,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrCapacity):
		return model.CodeCapacityExceeded
	case errors.Is(err, model.ErrConnection):
		return model.CodeConnectionFailed
	case errors.Is(err, model.ErrUnsupported):
		return model.CodeUnsupportedType
	case errors.Is(err, context.Canceled):
		return model.CodeCancelled
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidTransition):
		return "INVALID_REQUEST"
	default:
		return model.CodeJobExecutionFailed
	}
}

// collectEndpoint 是不写审计的采集主体，供 CollectFromEndpoint 与任务执行共用。
func (o *Orchestrator) collectEndpoint(ctx context.Context, caseID string, src model.EvidenceSource, types []model.EvidenceType, opts model.CollectionOptions, done itemDone) *model.CollectionResult {
	start := o.now()
	res := &model.CollectionResult{SourceID: src.ID, EvidenceItems: []model.EvidenceItem{}, Errors: []model.CollectionError{}}
	log := o.log.WithFields(logrus.Fields{"case_id": caseID, "source_id": src.ID})
	ev := model.Event{CaseID: caseID}

	conn, err := o.connector.Connect(ctx, src)
	if err != nil {
		if !errors.Is(err, model.ErrConnection) {
			err = fmt.Errorf("%w: %v", model.ErrConnection, err)
		}
		ce := o.collectionError(model.CodeConnectionFailed, err, false, src.ID, "")
		res.Errors = append(res.Errors, ce)
		res.Status = model.ResultFailed
		res.Duration = o.now().Sub(start)
		o.fail(ev, ce)
		log.WithError(err).Warn("connect source")
		if done != nil {
			for _, t := range types {
				done(string(t)+" (skipped)", 0)
			}
		}
		return res
	}
	defer func() {
		// 用独立 context 断开，避免调用方取消后连接泄漏。
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.connector.Disconnect(dctx, conn); err != nil {
			ce := o.collectionError(model.CodeDisconnectFailed, err, true, src.ID, "")
			res.Errors = append(res.Errors, ce)
			o.fail(ev, ce)
			log.WithError(err).Warn("disconnect source")
		}
	}()

	failed := 0
	for i, t := range types {
		if err := ctx.Err(); err != nil {
			ce := o.collectionError(model.CodeCancelled, fmt.Errorf("skipped %d remaining evidence types: %w", len(types)-i, err), false, src.ID, t)
			res.Errors = append(res.Errors, ce)
			o.fail(ev, ce)
			failed += len(types) - i
			break
		}
		acq, err := o.backends.Acquire(ctx, conn, acquire.Request{CaseID: caseID, Type: t, Options: opts})
		if err != nil {
			code := model.CodeCollectionFailed
			if errors.Is(err, model.ErrUnsupported) {
				code = model.CodeUnsupportedType
			}
			ce := o.collectionError(code, err, true, src.ID, t)
			res.Errors = append(res.Errors, ce)
			o.fail(ev, ce)
			log.WithError(err).WithField("type", t).Warn("acquire evidence")
			failed++
			if done != nil {
				done(string(t), 0)
			}
			continue
		}
		// 已取得的载荷总是完成登记；取消只在下一项之前生效。
		item, err := o.register(context.WithoutCancel(ctx), caseID, src.ID, t, acq, opts)
		if item.ID != "" {
			res.EvidenceItems = append(res.EvidenceItems, item)
			res.BytesCollected += item.Size
		}
		if err != nil {
			ce := o.collectionError(model.CodeStorageFailed, err, true, src.ID, t)
			res.Errors = append(res.Errors, ce)
			o.fail(ev, ce)
			log.WithError(err).WithField("type", t).Warn("register evidence")
			if item.ID == "" {
				failed++
			}
		}
		if done != nil {
			done(string(t), item.Size)
		}
	}
	res.Status = aggregate(len(types), failed)
	res.Duration = o.now().Sub(start)
	return res
}

// aggregate：全部成功 success，部分成功 partial，一项未成 failed。
func aggregate(total, failed int) model.ResultStatus {
	switch {
	case failed == 0:
		return model.ResultSuccess
	case failed < total:
		return model.ResultPartial
	default:
		return model.ResultFailed
	}
}

func resultDetails(res *model.CollectionResult) map[string]any {
	ids := make([]string, 0, len(res.EvidenceItems))
	for _, it := range res.EvidenceItems {
		ids = append(ids, it.ID)
	}
	codes := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		codes = append(codes, e.Code+": "+e.Message)
	}
	return map[string]any{
		"source_id":       res.SourceID,
		"evidence_ids":    ids,
		"bytes_collected": res.BytesCollected,
		"duration_ms":     res.Duration.Milliseconds(),
		"errors":          codes,
	}
}

// CollectFromCloud 按资源类型逐项拉取云快照；单个资源类型失败不影响其他类型。
func (o *Orchestrator) CollectFromCloud(ctx context.Context, caseID string, cfg model.CloudConfig, ov *model.OptionOverrides) (*model.CollectionResult, error) {
	opts, err := o.validateCloudRequest(caseID, cfg, ov)
	if err != nil {
		o.rejected(ctx, caseID, model.AuditCollection, "collect_cloud", err, map[string]any{"provider": string(cfg.Provider), "region": cfg.Region})
		return nil, err
	}
	res := o.collectCloud(ctx, caseID, cfg, opts)
	o.record(ctx, model.AuditRecord{
		Category: model.AuditCollection,
		Action:   "collect_cloud",
		Status:   string(res.Status),
		Message:  fmt.Sprintf("collected %d cloud snapshots from %s", len(res.EvidenceItems), cfg.SourceID()),
		Details:  resultDetails(res),
		CaseID:   caseID,
		Actor:    opts.Actor,
	})
	return res, nil
}

func (o *Orchestrator) validateCloudRequest(caseID string, cfg model.CloudConfig, ov *model.OptionOverrides) (model.CollectionOptions, error) {
	if strings.TrimSpace(caseID) == "" {
		return model.CollectionOptions{}, model.Invalidf("case id is required")
	}
	if err := acquire.ValidateCloudConfig(cfg); err != nil {
		return model.CollectionOptions{}, err
	}
	if o.cloud == nil {
		return model.CollectionOptions{}, fmt.Errorf("%w: cloud collection is not configured", model.ErrConnection)
	}
	return o.resolveOptions(ov)
}

func (o *Orchestrator) collectCloud(ctx context.Context, caseID string, cfg model.CloudConfig, opts model.CollectionOptions) *model.CollectionResult {
	start := o.now()
	sourceID := cfg.SourceID()
	res := &model.CollectionResult{SourceID: sourceID, EvidenceItems: []model.EvidenceItem{}, Errors: []model.CollectionError{}}
	ev := model.Event{CaseID: caseID}
	log := o.log.WithFields(logrus.Fields{"case_id": caseID, "source_id": sourceID})

	client, err := o.cloud.Open(ctx, cfg)
	if err != nil {
		ce := o.collectionError(model.CodeConnectionFailed, err, false, sourceID, model.EvidenceCloudSnapshot)
		res.Errors = append(res.Errors, ce)
		res.Status = model.ResultFailed
		res.Duration = o.now().Sub(start)
		o.fail(ev, ce)
		log.WithError(err).Warn("open cloud client")
		return res
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("close cloud client")
		}
	}()

	types, err := o.cloud.ResourceTypes(ctx, client, cfg)
	if err != nil {
		ce := o.collectionError(model.CodeCloudResourceFailed, err, false, sourceID, model.EvidenceCloudSnapshot)
		res.Errors = append(res.Errors, ce)
		res.Status = model.ResultFailed
		res.Duration = o.now().Sub(start)
		o.fail(ev, ce)
		return res
	}

	failed := 0
	for i, rt := range types {
		if err := ctx.Err(); err != nil {
			ce := o.collectionError(model.CodeCancelled, fmt.Errorf("skipped %d remaining resource types: %w", len(types)-i, err), false, sourceID, model.EvidenceCloudSnapshot)
			res.Errors = append(res.Errors, ce)
			o.fail(ev, ce)
			failed += len(types) - i
			break
		}
		acq, err := o.cloud.Snapshot(ctx, client, cfg, rt)
		if err != nil {
			ce := o.collectionError(model.CodeCloudResourceFailed, err, true, sourceID, model.EvidenceCloudSnapshot)
			res.Errors = append(res.Errors, ce)
			o.fail(ev, ce)
			log.WithError(err).WithField("resource_type", rt).Warn("cloud snapshot")
			failed++
			continue
		}
		item, err := o.register(context.WithoutCancel(ctx), caseID, sourceID, model.EvidenceCloudSnapshot, acq, opts)
		if item.ID != "" {
			res.EvidenceItems = append(res.EvidenceItems, item)
			res.BytesCollected += item.Size
		}
		if err != nil {
			ce := o.collectionError(model.CodeStorageFailed, err, true, sourceID, model.EvidenceCloudSnapshot)
			res.Errors = append(res.Errors, ce)
			o.fail(ev, ce)
			if item.ID == "" {
				failed++
			}
		}
	}
	res.Status = aggregate(len(types), failed)
	res.Duration = o.now().Sub(start)
	return res
}
