package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"evidence-orchestrator/internal/adapters/acquire"
	"evidence-orchestrator/internal/domain/model"

	"github.com/sirupsen/logrus"
)

type liveFacet struct {
	enabled bool
	typ     model.EvidenceType
	into    any
}

// PerformLiveResponse 连接一次，按开关逐项采集易失性数据，无论哪些项失败都会断开连接。
//
// 内存镜像单独登记为一条 memory_dump 证据；其余数据序列化为一条 live_response 证据，
// 带自己的哈希与 collected 监管记录。
func (o *Orchestrator) PerformLiveResponse(ctx context.Context, caseID string, src model.EvidenceSource, ov *model.LiveResponseOverrides) (*model.LiveResponseData, error) {
	lopts := ov.Resolve()
	copts, err := o.validateEndpointRequest(caseID, src, []model.EvidenceType{model.EvidenceLiveResponse}, nil)
	if err == nil && lopts.StorageBackend != "" {
		copts, err = o.resolveOptions(&model.OptionOverrides{StorageBackend: &lopts.StorageBackend})
	}
	if err != nil {
		o.rejected(ctx, caseID, model.AuditCollection, "live_response", err, map[string]any{"source_id": src.ID})
		return nil, err
	}
	copts.Actor = o.actorOr(lopts.Actor)
	// 现场响应的开关已经显式选择了采集项，不再套用最小痕迹限制。
	copts.MinimalFootprint = false

	data := o.liveResponse(ctx, caseID, src, lopts, copts)

	status := "success"
	if data.EvidenceID == "" {
		status = "failed"
	} else if len(data.Errors) > 0 {
		status = "partial"
	}
	codes := make([]string, 0, len(data.Errors))
	for _, e := range data.Errors {
		codes = append(codes, e.Code+": "+e.Message)
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditCollection,
		Action:   "live_response",
		Status:   status,
		Message:  fmt.Sprintf("live response on %s", src.ID),
		Details: map[string]any{
			"source_id":   src.ID,
			"evidence_id": data.EvidenceID,
			"memory_dump": data.MemoryDump != nil,
			"errors":      codes,
		},
		CaseID: caseID,
		Actor:  copts.Actor,
	})
	return data, nil
}

func (o *Orchestrator) liveResponse(ctx context.Context, caseID string, src model.EvidenceSource, lopts model.LiveResponseOptions, copts model.CollectionOptions) *model.LiveResponseData {
	data := &model.LiveResponseData{
		CaseID:      caseID,
		SourceID:    src.ID,
		CollectedAt: o.now().UTC(),
		Options:     lopts,
	}
	ev := model.Event{CaseID: caseID}
	log := o.log.WithFields(logrus.Fields{"case_id": caseID, "source_id": src.ID})

	conn, err := o.connector.Connect(ctx, src)
	if err != nil {
		if !errors.Is(err, model.ErrConnection) {
			err = fmt.Errorf("%w: %v", model.ErrConnection, err)
		}
		ce := o.collectionError(model.CodeConnectionFailed, err, false, src.ID, model.EvidenceLiveResponse)
		data.Errors = append(data.Errors, ce)
		o.fail(ev, ce)
		return data
	}
	disconnected := false
	disconnect := func() {
		if disconnected {
			return
		}
		disconnected = true
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.connector.Disconnect(dctx, conn); err != nil {
			ce := o.collectionError(model.CodeDisconnectFailed, err, true, src.ID, model.EvidenceLiveResponse)
			data.Errors = append(data.Errors, ce)
			o.fail(ev, ce)
			log.WithError(err).Warn("disconnect source")
		}
	}
	defer disconnect()

	captureErr := func(t model.EvidenceType, code string, err error) {
		if errors.Is(err, model.ErrUnsupported) {
			code = model.CodeUnsupportedType
		}
		ce := o.collectionError(code, err, true, src.ID, t)
		data.Errors = append(data.Errors, ce)
		o.fail(ev, ce)
		log.WithError(err).WithField("type", t).Warn("live response facet")
	}

	if lopts.MemoryDump {
		acq, err := o.backends.Acquire(ctx, conn, acquire.Request{CaseID: caseID, Type: model.EvidenceMemoryDump, Options: copts})
		if err != nil {
			captureErr(model.EvidenceMemoryDump, model.CodeCollectionFailed, err)
		} else {
			item, err := o.register(context.WithoutCancel(ctx), caseID, src.ID, model.EvidenceMemoryDump, acq, copts)
			if err != nil {
				captureErr(model.EvidenceMemoryDump, model.CodeStorageFailed, err)
			}
			if item.ID != "" {
				data.MemoryDump = &model.MemoryDumpInfo{
					EvidenceID: item.ID,
					Size:       item.Size,
					SHA256:     item.Hashes["sha256"],
					Tool:       item.Metadata.AcquisitionTool,
				}
			}
		}
	}

	facets := []liveFacet{
		{lopts.ProcessList, model.EvidenceProcessList, &data.Processes},
		{lopts.NetworkConnections, model.EvidenceNetworkConnections, &data.NetworkConnections},
		{lopts.OpenFiles, model.EvidenceOpenFiles, &data.OpenFiles},
		{lopts.LoadedModules, model.EvidenceLoadedModules, &data.LoadedModules},
		{lopts.SystemInfo, model.EvidenceSystemInfo, &data.SystemInfo},
		{lopts.Services, model.EvidenceServices, &data.Services},
		{lopts.ScheduledTasks, model.EvidenceScheduledTasks, &data.ScheduledTasks},
		{lopts.UserSessions, model.EvidenceUserSessions, &data.UserSessions},
	}
	var collected []string
	for _, f := range facets {
		if !f.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			captureErr(f.typ, model.CodeCancelled, err)
			break
		}
		acq, err := o.backends.Acquire(ctx, conn, acquire.Request{CaseID: caseID, Type: f.typ, Options: copts})
		if err != nil {
			captureErr(f.typ, model.CodeCollectionFailed, err)
			continue
		}
		if err := json.Unmarshal(acq.Payload, f.into); err != nil {
			captureErr(f.typ, model.CodeCollectionFailed, fmt.Errorf("decode %s: %w", f.typ, err))
			continue
		}
		collected = append(collected, string(f.typ))
	}

	// 序列化前断开，断开失败也进入登记的证据。
	disconnect()
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		captureErr(model.EvidenceLiveResponse, model.CodeCollectionFailed, fmt.Errorf("marshal live response: %w", err))
		return data
	}
	host := src.Hostname
	if host == "" {
		host = src.IPAddress
	}
	acq := &acquire.Acquisition{
		Name:        "live_response.json",
		Description: "live response: " + strings.Join(collected, ", "),
		Path:        host,
		Payload:     payload,
		Metadata: model.EvidenceMetadata{
			AcquisitionMethod: "live_response",
			AcquisitionTool:   "evidence-orchestrator/live_response",
			ToolVersion:       acquire.ToolVersion,
			SourceHost:        host,
			MimeType:          "application/json",
			Extra:             map[string]string{"facets": strings.Join(collected, ",")},
		},
		Tags: []string{"volatile", "live_response"},
	}
	item, err := o.register(context.WithoutCancel(ctx), caseID, src.ID, model.EvidenceLiveResponse, acq, copts)
	if err != nil {
		captureErr(model.EvidenceLiveResponse, model.CodeStorageFailed, err)
	}
	data.EvidenceID = item.ID
	return data
}
