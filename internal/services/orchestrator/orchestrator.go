// Package orchestrator 是证据采集与监管的对外协调者：
// 采集（终端/云/现场响应）、固定、哈希与校验、任务状态机与调度、法律保全，以及查询面。
//
// 编排器是显式构造的实例（New），由进程入口持有；测试直接构造新实例。
// 每个改变状态的公开方法恰好写一条审计记录。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"evidence-orchestrator/internal/adapters/acquire"
	"evidence-orchestrator/internal/adapters/storage"
	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/id"
	"evidence-orchestrator/internal/platform/logging"
	"evidence-orchestrator/internal/platform/metrics"
	"evidence-orchestrator/internal/services/audit"
	"evidence-orchestrator/internal/services/custody"
	"evidence-orchestrator/internal/services/events"
	"evidence-orchestrator/internal/services/privacy"
	"evidence-orchestrator/internal/services/registry"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Config 是构造时一次性提供的配置。零值字段使用默认值。
type Config struct {
	StorageBackend    string
	StoragePath       string
	HashAlgorithms    []string
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	RetentionDays     int
	SchedulerInterval time.Duration
	Actor             string
}

func (c Config) withDefaults() Config {
	if c.StorageBackend == "" {
		c.StorageBackend = "local"
	}
	if len(c.HashAlgorithms) == 0 {
		c.HashAlgorithms = append([]string(nil), custody.DefaultAlgorithms...)
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 3
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Hour
	}
	if c.RetentionDays < 0 {
		c.RetentionDays = 0
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = time.Minute
	}
	if c.Actor == "" {
		c.Actor = "system"
	}
	return c
}

// EvidenceIndex 是证据索引快照（SQLite evidence_index 表）。可选。
type EvidenceIndex interface {
	UpsertEvidence(ctx context.Context, item model.EvidenceItem) error
	DeleteEvidenceIndex(ctx context.Context, evidenceID string) error
}

// Deps 是外部协作方。Storage 与 Backends 必填，其余可为空。
type Deps struct {
	Connector acquire.Connector
	Backends  *acquire.Set
	Cloud     *acquire.Cloud
	Storage   *storage.Manager
	Audit     audit.Sink
	Events    events.Publisher
	Index     EvidenceIndex
	IDs       id.Generator
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
	Clock     func() time.Time
}

// Orchestrator 见包注释。
type Orchestrator struct {
	cfg       Config
	connector acquire.Connector
	backends  *acquire.Set
	cloud     *acquire.Cloud
	storage   *storage.Manager
	sink      audit.Sink
	events    events.Publisher
	index     EvidenceIndex
	ids       id.Generator
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	now       func() time.Time

	registry *registry.Registry
	ledger   *custody.Ledger

	sem      *semaphore.Weighted
	activeMu sync.Mutex
	active   map[string]context.CancelFunc
	firing   map[string]struct{}
	runs     sync.WaitGroup

	schedMu   sync.Mutex
	schedStop context.CancelFunc
	schedDone chan struct{}
	closed    bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Event) {}

// New 校验依赖并构造编排器。
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Storage == nil {
		return nil, errors.New("orchestrator: storage manager is required")
	}
	if deps.Backends == nil {
		return nil, errors.New("orchestrator: acquisition backends are required")
	}
	cfg = cfg.withDefaults()
	if _, err := custody.Algorithms(cfg.HashAlgorithms); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o := &Orchestrator{
		cfg:       cfg,
		connector: deps.Connector,
		backends:  deps.Backends,
		cloud:     deps.Cloud,
		storage:   deps.Storage,
		sink:      deps.Audit,
		events:    deps.Events,
		index:     deps.Index,
		ids:       deps.IDs,
		metrics:   deps.Metrics,
		log:       logging.OrDiscard(deps.Logger),
		now:       deps.Clock,
		registry:  registry.New(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		active:    make(map[string]context.CancelFunc),
		firing:    make(map[string]struct{}),
	}
	if o.sink == nil {
		o.sink = audit.Nop{}
	}
	if o.events == nil {
		o.events = nopPublisher{}
	}
	if o.ids == nil {
		o.ids = id.Default{}
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.ledger = custody.New(o.ids, cfg.RetentionDays)
	o.ledger.SetClock(o.now)
	return o, nil
}

// Config 返回生效配置。
func (o *Orchestrator) Config() Config { return o.cfg }

// DefaultOptions 返回进程默认的采集选项（已完全解析）。
func (o *Orchestrator) DefaultOptions() model.CollectionOptions {
	return model.CollectionOptions{
		WriteBlocking:      true,
		VerifyHashes:       true,
		HashAlgorithms:     append([]string(nil), o.cfg.HashAlgorithms...),
		StorageBackend:     o.cfg.StorageBackend,
		StoragePath:        o.cfg.StoragePath,
		MaxConcurrency:     o.cfg.MaxConcurrentJobs,
		Timeout:            o.cfg.JobTimeout,
		RetryAttempts:      1,
		PreserveTimestamps: true,
		Actor:              o.cfg.Actor,
	}
}

// resolveOptions 合并覆盖项并校验。
func (o *Orchestrator) resolveOptions(ov *model.OptionOverrides) (model.CollectionOptions, error) {
	opts := ov.Resolve(o.DefaultOptions())
	algs, err := custody.Algorithms(opts.HashAlgorithms)
	if err != nil {
		return model.CollectionOptions{}, err
	}
	opts.HashAlgorithms = algs
	if opts.Encrypt && strings.TrimSpace(opts.EncryptionKey) == "" {
		return model.CollectionOptions{}, model.Invalidf("encryption requested without a key")
	}
	known := false
	for _, n := range o.storage.Names() {
		if n == opts.StorageBackend {
			known = true
			break
		}
	}
	if !known {
		return model.CollectionOptions{}, model.Invalidf("unknown storage backend %q", opts.StorageBackend)
	}
	return opts, nil
}

func (o *Orchestrator) actorOr(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return o.cfg.Actor
}

// record 写审计记录。审计失败不影响业务结果，只记日志。
func (o *Orchestrator) record(ctx context.Context, rec model.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.now().UTC()
	}
	if rec.Actor == "" {
		rec.Actor = o.cfg.Actor
	}
	// 审计明细里的 URL 可能带凭据或签名参数。
	rec.Details = privacy.RedactDetails(rec.Details)
	if err := o.sink.Append(ctx, rec); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{"action": rec.Action, "case_id": rec.CaseID}).Error("append audit record")
	}
}

func (o *Orchestrator) publish(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now().UTC()
	}
	o.events.Publish(ev)
}

// fail 把一个错误发布为 error 事件并计数。
func (o *Orchestrator) fail(ev model.Event, ce model.CollectionError) {
	o.metrics.CollectionErrors.WithLabelValues(ce.Code).Inc()
	ev.Name = model.EventError
	ev.Payload = ce
	o.publish(ev)
}

func (o *Orchestrator) collectionError(code string, err error, recoverable bool, sourceID string, t model.EvidenceType) model.CollectionError {
	return model.CollectionError{
		Timestamp:    o.now().UTC(),
		Code:         code,
		Message:      err.Error(),
		Recoverable:  recoverable,
		SourceID:     sourceID,
		EvidenceType: t,
	}
}

// syncIndex 把证据快照写入索引（尽力而为）。
func (o *Orchestrator) syncIndex(ctx context.Context, item model.EvidenceItem) {
	if o.index == nil {
		return
	}
	if err := o.index.UpsertEvidence(ctx, item); err != nil {
		o.log.WithError(err).WithField("evidence_id", item.ID).Warn("update evidence index")
	}
}

// register 落盘载荷、计算哈希、写第一条监管记录并登记证据。
func (o *Orchestrator) register(ctx context.Context, caseID, sourceID string, t model.EvidenceType, acq *acquire.Acquisition, opts model.CollectionOptions) (model.EvidenceItem, error) {
	evID := o.ids.NewID("evd")
	name := acq.Name
	if name == "" {
		name = string(t)
	}
	key := storageKey(opts.StoragePath, caseID, evID, name)
	storedAt, err := o.storage.Store(ctx, opts.StorageBackend, key, acq.Payload)
	if err != nil {
		return model.EvidenceItem{}, err
	}

	md := acq.Metadata
	if md.OriginalPath == "" {
		md.OriginalPath = acq.Path
	}
	if md.Extra == nil {
		md.Extra = map[string]string{}
	}
	item := model.EvidenceItem{
		ID:             evID,
		CaseID:         caseID,
		SourceID:       sourceID,
		Type:           t,
		Name:           name,
		Description:    acq.Description,
		Path:           acq.Path,
		StoragePath:    storedAt,
		StorageBackend: opts.StorageBackend,
		Metadata:       md,
		CollectedAt:    o.now().UTC(),
		CollectedBy:    opts.Actor,
	}
	item.AddTags(acq.Tags...)
	item.AddTags(opts.Tags...)
	desc := fmt.Sprintf("collected %s from %s via %s", t, sourceID, md.AcquisitionTool)
	if err := o.ledger.RecordCollection(&item, acq.Payload, opts.HashAlgorithms, opts.Actor, desc); err != nil {
		_ = o.storage.Delete(ctx, opts.StorageBackend, storedAt)
		return model.EvidenceItem{}, err
	}

	// 回读校验失败不丢弃证据：载荷已落盘且已有监管记录，登记为未校验并把错误交给调用方。
	var verifyErr error
	if opts.VerifyHashes {
		stored, err := o.storage.Read(ctx, opts.StorageBackend, storedAt)
		if err != nil {
			verifyErr = fmt.Errorf("read back %s: %w", evID, err)
		} else if res, err := o.ledger.VerifyEvidence(&item, stored); err != nil {
			verifyErr = fmt.Errorf("verify %s: %w", evID, err)
		} else if !res.Valid {
			o.log.WithFields(logrus.Fields{"evidence_id": evID, "recorded": res.OriginalHash, "stored": res.CurrentHash}).Error("stored payload differs from acquired payload")
		}
		if verifyErr != nil {
			item.Verified = false
			item.Metadata.Extra["verification"] = "unverified: " + verifyErr.Error()
		}
	}
	if opts.WriteBlocking {
		if err := o.storage.Protect(ctx, opts.StorageBackend, storedAt); err != nil {
			o.log.WithError(err).WithField("evidence_id", evID).Warn("write-block payload")
		} else {
			item.Metadata.Extra["write_blocked"] = "true"
		}
	}

	if err := o.registry.AddEvidence(item); err != nil {
		return model.EvidenceItem{}, err
	}
	o.syncIndex(ctx, item)
	o.metrics.EvidenceCollected.WithLabelValues(string(t)).Inc()
	o.metrics.BytesCollected.Add(float64(item.Size))
	o.publish(model.Event{Name: model.EventEvidenceCollected, CaseID: caseID, EvidenceID: evID, Payload: item.Clone()})
	o.log.WithFields(logrus.Fields{"evidence_id": evID, "case_id": caseID, "source_id": sourceID, "type": t, "size": item.Size}).Info("evidence registered")

	// 采集选项要求压缩/加密时，立即按固定流程生成派生容器。
	if opts.Compress || opts.Encrypt {
		wb := opts.WriteBlocking
		preserved, err := o.preserve(ctx, evID, model.PreserveOptions{
			WriteBlock:    &wb,
			Compress:      opts.Compress,
			Encrypt:       opts.Encrypt,
			EncryptionKey: opts.EncryptionKey,
			Actor:         opts.Actor,
		})
		if err != nil {
			return item, errors.Join(verifyErr, fmt.Errorf("preserve %s after collection: %w", evID, err))
		}
		return preserved, verifyErr
	}
	return item, verifyErr
}

func storageKey(prefix, caseID, evidenceID, name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	caseID = strings.ReplaceAll(caseID, "/", "_")
	p := path.Join(caseID, evidenceID, name)
	if prefix = strings.Trim(strings.TrimSpace(prefix), "/"); prefix != "" {
		p = path.Join(prefix, p)
	}
	return p
}

// Registry 暴露只读查询所需的注册表（webapp/export 使用）。
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Storage 返回存储管理器。
func (o *Orchestrator) Storage() *storage.Manager { return o.storage }

// Metrics 返回指标集合。
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// ReadEvidence 读取证据载荷（不改变任何状态）。
func (o *Orchestrator) ReadEvidence(ctx context.Context, evidenceID string) ([]byte, error) {
	it, err := o.registry.GetEvidence(evidenceID)
	if err != nil {
		return nil, err
	}
	return o.storage.Read(ctx, it.StorageBackend, it.StoragePath)
}
