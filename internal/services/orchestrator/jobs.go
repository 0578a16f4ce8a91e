package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"evidence-orchestrator/internal/domain/model"

	"github.com/sirupsen/logrus"
)

// JobRequest 描述一个采集任务。Schedule 为空表示手动执行的一次性任务。
type JobRequest struct {
	CaseID        string                 `json:"case_id" yaml:"case_id"`
	Name          string                 `json:"name" yaml:"name"`
	Sources       []model.EvidenceSource `json:"sources" yaml:"sources"`
	EvidenceTypes []model.EvidenceType   `json:"evidence_types" yaml:"evidence_types"`
	Options       *model.OptionOverrides `json:"options,omitempty" yaml:"options"`
	Schedule      *ScheduleSpec          `json:"schedule,omitempty" yaml:"schedule"`
	Actor         string                 `json:"actor,omitempty" yaml:"actor"`
}

// ScheduleSpec 是调用方给出的周期配置。
type ScheduleSpec struct {
	CronExpression string `json:"cron_expression" yaml:"cron"`
	Timezone       string `json:"timezone,omitempty" yaml:"timezone"`
	MaxRuns        int    `json:"max_runs,omitempty" yaml:"max_runs"`
}

// CreateJob 创建 pending 状态的任务，不立即执行。
func (o *Orchestrator) CreateJob(ctx context.Context, req JobRequest) (model.CollectionJob, error) {
	job, err := o.newJob(req)
	if err != nil {
		o.rejected(ctx, req.CaseID, model.AuditJob, "create_job", err, map[string]any{"name": req.Name})
		return model.CollectionJob{}, err
	}
	if err := o.registry.AddJob(job); err != nil {
		return model.CollectionJob{}, err
	}
	details := map[string]any{
		"job_id":         job.ID,
		"sources":        len(job.Sources),
		"evidence_types": job.EvidenceTypes,
	}
	action := "create_job"
	if job.Schedule != nil {
		action = "schedule_collection"
		details["cron"] = job.Schedule.CronExpression
		details["next_run_at"] = job.Schedule.NextRunAt
		details["max_runs"] = job.Schedule.MaxRuns
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditJob,
		Action:   action,
		Status:   string(job.Status),
		Message:  fmt.Sprintf("job %s (%s) created", job.ID, job.Name),
		Details:  details,
		CaseID:   job.CaseID,
		Actor:    job.CreatedBy,
	})
	o.publish(model.Event{Name: model.EventJobCreated, CaseID: job.CaseID, JobID: job.ID, Payload: job.Clone()})
	o.log.WithFields(logrus.Fields{"job_id": job.ID, "case_id": job.CaseID}).Info("job created")
	return job, nil
}

// ScheduleCollection 创建带 cron 计划的 pending 任务，nextRunAt 由表达式计算，不立即执行。
func (o *Orchestrator) ScheduleCollection(ctx context.Context, req JobRequest) (model.CollectionJob, error) {
	if req.Schedule == nil || strings.TrimSpace(req.Schedule.CronExpression) == "" {
		err := model.Invalidf("cron expression is required")
		o.rejected(ctx, req.CaseID, model.AuditJob, "schedule_collection", err, map[string]any{"name": req.Name})
		return model.CollectionJob{}, err
	}
	return o.CreateJob(ctx, req)
}

func (o *Orchestrator) newJob(req JobRequest) (model.CollectionJob, error) {
	if strings.TrimSpace(req.CaseID) == "" {
		return model.CollectionJob{}, model.Invalidf("case id is required")
	}
	if len(req.Sources) == 0 {
		return model.CollectionJob{}, model.Invalidf("job needs at least one source")
	}
	seen := map[string]struct{}{}
	for _, s := range req.Sources {
		if err := model.ValidateSource(s, model.SourceEndpoint, model.SourceServer); err != nil {
			return model.CollectionJob{}, err
		}
		if _, dup := seen[s.ID]; dup {
			return model.CollectionJob{}, model.Invalidf("duplicate source %s", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	if len(req.EvidenceTypes) == 0 {
		return model.CollectionJob{}, model.Invalidf("job needs at least one evidence type")
	}
	opts, err := o.resolveOptions(req.Options)
	if err != nil {
		return model.CollectionJob{}, err
	}
	actor := o.actorOr(req.Actor)
	if req.Options == nil || req.Options.Actor == nil {
		opts.Actor = actor
	}
	now := o.now().UTC()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("collection %s", now.Format("2006-01-02 15:04"))
	}
	job := model.CollectionJob{
		ID:            o.ids.NewID("job"),
		CaseID:        req.CaseID,
		Name:          name,
		Sources:       append([]model.EvidenceSource(nil), req.Sources...),
		EvidenceTypes: append([]model.EvidenceType(nil), req.EvidenceTypes...),
		Status:        model.JobPending,
		Progress:      model.CollectionProgress{TotalItems: len(req.Sources) * len(req.EvidenceTypes)},
		Options:       opts,
		Results:       []model.CollectionResult{},
		Errors:        []model.CollectionError{},
		CreatedAt:     now,
		CreatedBy:     actor,
	}
	if req.Schedule != nil {
		sched := &model.CollectionSchedule{
			CronExpression: strings.TrimSpace(req.Schedule.CronExpression),
			Timezone:       strings.TrimSpace(req.Schedule.Timezone),
			Enabled:        true,
			MaxRuns:        req.Schedule.MaxRuns,
		}
		next, err := nextRun(sched, now)
		if err != nil {
			return model.CollectionJob{}, err
		}
		sched.NextRunAt = &next
		job.Schedule = sched
	}
	return job, nil
}

// ExecuteJob 同步执行一次任务。
//
// 活跃任务数已达上限时立即返回 ErrCapacity，任务状态不变。
// 来源严格顺序处理；运行中被 CancelJob 取消时，在下一个证据项边界停止，已采集的证据保留。
// 迭代中的未捕获错误（含 panic）把任务标记为 failed，作为任务级错误记录，不回滚已采集证据。
func (o *Orchestrator) ExecuteJob(ctx context.Context, jobID string) (model.CollectionJob, error) {
	job, err := o.registry.GetJob(jobID)
	if err != nil {
		o.rejected(ctx, "", model.AuditJob, "execute_job", err, map[string]any{"job_id": jobID})
		return model.CollectionJob{}, err
	}
	if err := executable(job); err != nil {
		o.rejected(ctx, job.CaseID, model.AuditJob, "execute_job", err, map[string]any{"job_id": jobID})
		return model.CollectionJob{}, err
	}
	if o.connector == nil {
		err := fmt.Errorf("%w: no connector configured", model.ErrConnection)
		o.rejected(ctx, job.CaseID, model.AuditJob, "execute_job", err, map[string]any{"job_id": jobID})
		return model.CollectionJob{}, err
	}
	if !o.sem.TryAcquire(1) {
		o.metrics.CapacityRejected.Inc()
		err := fmt.Errorf("%w: %d jobs already collecting", model.ErrCapacity, o.cfg.MaxConcurrentJobs)
		o.rejected(ctx, job.CaseID, model.AuditJob, "execute_job", err, map[string]any{"job_id": jobID, "status": string(job.Status)})
		return model.CollectionJob{}, err
	}

	timeout := job.Options.Timeout
	if timeout <= 0 {
		timeout = o.cfg.JobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	start := o.now().UTC()
	caseID := job.CaseID
	job, err = o.registry.UpdateJob(jobID, func(j *model.CollectionJob) error {
		if err := executable(*j); err != nil {
			return err
		}
		j.Status = model.JobCollecting
		j.StartedAt = &start
		j.CompletedAt = nil
		j.Results = []model.CollectionResult{}
		j.Errors = []model.CollectionError{}
		j.Progress = model.CollectionProgress{
			TotalItems:   len(j.Sources) * len(j.EvidenceTypes),
			CurrentPhase: "connecting",
		}
		return nil
	})
	if err != nil {
		cancel()
		o.sem.Release(1)
		o.rejected(ctx, caseID, model.AuditJob, "execute_job", err, map[string]any{"job_id": jobID})
		return model.CollectionJob{}, err
	}
	o.enter(jobID, cancel)
	defer o.leave(jobID)

	log := o.log.WithFields(logrus.Fields{"job_id": jobID, "case_id": job.CaseID})
	log.Info("job started")
	o.publish(model.Event{Name: model.EventJobStarted, CaseID: job.CaseID, JobID: jobID, Payload: job.Clone()})

	runErr := o.runSources(runCtx, job, start)

	final, err := o.finishJob(jobID, runCtx, runErr)
	if err != nil {
		return model.CollectionJob{}, err
	}
	o.metrics.JobsFinished.WithLabelValues(string(final.Status)).Inc()
	// 调用方的 ctx 可能已取消，收尾的审计仍要落盘。
	ctx = context.WithoutCancel(ctx)

	var evidenceIDs []string
	for _, r := range final.Results {
		for _, it := range r.EvidenceItems {
			evidenceIDs = append(evidenceIDs, it.ID)
		}
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditJob,
		Action:   "execute_job",
		Status:   string(final.Status),
		Message:  fmt.Sprintf("job %s %s: %d/%d items, %d errors", jobID, final.Status, final.Progress.CompletedItems, final.Progress.TotalItems, countErrors(final)),
		Details: map[string]any{
			"job_id":          jobID,
			"evidence_ids":    evidenceIDs,
			"bytes_collected": final.Progress.BytesCollected,
			"elapsed_ms":      final.Progress.ElapsedMs,
			"run_count":       runCount(final),
		},
		CaseID: final.CaseID,
		Actor:  final.Options.Actor,
	})
	switch final.Status {
	case model.JobCompleted:
		o.publish(model.Event{Name: model.EventJobCompleted, CaseID: final.CaseID, JobID: jobID, Payload: final.Clone()})
	case model.JobFailed:
		o.publish(model.Event{Name: model.EventJobFailed, CaseID: final.CaseID, JobID: jobID, Payload: final.Clone()})
	}
	log.WithField("status", final.Status).Info("job finished")
	return final, nil
}

// executable：collecting 与 cancelled 的任务不能执行。
func executable(j model.CollectionJob) error {
	switch j.Status {
	case model.JobCollecting:
		return fmt.Errorf("%w: job %s is already collecting", model.ErrInvalidTransition, j.ID)
	case model.JobCancelled:
		return fmt.Errorf("%w: job %s is cancelled", model.ErrInvalidTransition, j.ID)
	}
	return nil
}

// runSources 顺序处理每个来源，并把 panic 转为错误。
func (o *Orchestrator) runSources(ctx context.Context, job model.CollectionJob, start time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithFields(logrus.Fields{"job_id": job.ID, "panic": r}).Error("job execution panicked\n" + string(debug.Stack()))
			err = fmt.Errorf("panic during job execution: %v", r)
		}
	}()
	for _, src := range job.Sources {
		if ctx.Err() != nil {
			return nil
		}
		_, _ = o.registry.UpdateJob(job.ID, func(j *model.CollectionJob) error {
			j.Progress.CurrentPhase = "collecting " + src.ID
			return nil
		})
		done := func(label string, n int64) {
			updated, err := o.registry.UpdateJob(job.ID, func(j *model.CollectionJob) error {
				p := &j.Progress
				if p.CompletedItems < p.TotalItems {
					p.CompletedItems++
				}
				p.BytesCollected += n
				p.CurrentItem = src.ID + "/" + label
				p.ElapsedMs = o.now().UTC().Sub(start).Milliseconds()
				if p.TotalItems > 0 {
					p.PercentComplete = float64(p.CompletedItems) * 100 / float64(p.TotalItems)
				}
				return nil
			})
			if err == nil {
				o.publish(model.Event{Name: model.EventJobProgress, CaseID: job.CaseID, JobID: job.ID, Payload: updated.Progress})
			}
		}
		res := o.collectEndpoint(ctx, job.CaseID, src, job.EvidenceTypes, job.Options, done)
		if _, err := o.registry.UpdateJob(job.ID, func(j *model.CollectionJob) error {
			j.Results = append(j.Results, *res)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// finishJob 根据运行结果落定状态，并推进周期计划。
func (o *Orchestrator) finishJob(jobID string, runCtx context.Context, runErr error) (model.CollectionJob, error) {
	now := o.now().UTC()
	return o.registry.UpdateJob(jobID, func(j *model.CollectionJob) error {
		j.CompletedAt = &now
		if j.StartedAt != nil {
			j.Progress.ElapsedMs = now.Sub(*j.StartedAt).Milliseconds()
		}
		j.Progress.CurrentItem = ""
		switch {
		case j.Status == model.JobCancelled:
			// CancelJob 已落定状态与计划。
		case runErr != nil:
			j.Status = model.JobFailed
			j.Errors = append(j.Errors, o.collectionError(model.CodeJobExecutionFailed, runErr, false, "", ""))
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			j.Status = model.JobFailed
			j.Errors = append(j.Errors, o.collectionError(model.CodeJobExecutionFailed, fmt.Errorf("job timed out after %s", j.Options.Timeout), false, "", ""))
		case runCtx.Err() != nil:
			// 只有 CancelJob 会把任务置为 cancelled；调用方断开或关闭时按失败处理，计划照常顺延。
			j.Status = model.JobFailed
			j.Errors = append(j.Errors, o.collectionError(model.CodeJobExecutionFailed, fmt.Errorf("job interrupted: %w", runCtx.Err()), true, "", ""))
		default:
			j.Status = model.JobCompleted
		}
		j.Progress.CurrentPhase = string(j.Status)
		if s := j.Schedule; s != nil && s.Enabled && j.Status != model.JobCancelled {
			s.RunCount++
			started := now
			if j.StartedAt != nil {
				started = *j.StartedAt
			}
			s.LastRunAt = &started
			if s.Exhausted() {
				s.Enabled = false
				s.NextRunAt = nil
			} else if next, err := nextRun(s, now); err == nil {
				s.NextRunAt = &next
			}
		}
		return nil
	})
}

// enter/leave 维护活跃集合；leave 对每次 enter 恰好执行一次。
func (o *Orchestrator) enter(jobID string, cancel context.CancelFunc) {
	o.activeMu.Lock()
	o.active[jobID] = cancel
	o.activeMu.Unlock()
	o.metrics.ActiveJobs.Inc()
}

func (o *Orchestrator) leave(jobID string) {
	o.activeMu.Lock()
	cancel, ok := o.active[jobID]
	delete(o.active, jobID)
	o.activeMu.Unlock()
	if !ok {
		return
	}
	cancel()
	o.metrics.ActiveJobs.Dec()
	o.sem.Release(1)
}

// ActiveJobs 返回正在采集的任务数。
func (o *Orchestrator) ActiveJobs() int {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	return len(o.active)
}

// CancelJob 把任务置为 cancelled 并清除后续调度。
//
// 运行中的任务收到协作式取消信号：在下一个证据项边界停止，已采集证据保留。
// 已完成/失败但仍有生效计划的任务也可以取消（只停止后续周期）。
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, actor string) (model.CollectionJob, error) {
	actor = o.actorOr(actor)
	var wasRunning bool
	job, err := o.registry.UpdateJob(jobID, func(j *model.CollectionJob) error {
		scheduled := j.Schedule != nil && j.Schedule.Enabled
		if j.Status == model.JobCancelled || (j.Status.IsTerminal() && !scheduled) {
			return fmt.Errorf("%w: job %s is %s", model.ErrInvalidTransition, j.ID, j.Status)
		}
		wasRunning = j.Status == model.JobCollecting
		j.Status = model.JobCancelled
		if !wasRunning {
			now := o.now().UTC()
			j.CompletedAt = &now
			j.Progress.CurrentPhase = string(model.JobCancelled)
		}
		if j.Schedule != nil {
			j.Schedule.Enabled = false
			j.Schedule.NextRunAt = nil
		}
		return nil
	})
	if err != nil {
		o.rejected(ctx, "", model.AuditJob, "cancel_job", err, map[string]any{"job_id": jobID})
		return model.CollectionJob{}, err
	}
	if wasRunning {
		o.activeMu.Lock()
		cancel := o.active[jobID]
		o.activeMu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	if !wasRunning {
		o.metrics.JobsFinished.WithLabelValues(string(model.JobCancelled)).Inc()
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditJob,
		Action:   "cancel_job",
		Status:   string(model.JobCancelled),
		Message:  fmt.Sprintf("job %s cancelled", jobID),
		Details:  map[string]any{"job_id": jobID, "was_running": wasRunning},
		CaseID:   job.CaseID,
		Actor:    actor,
	})
	o.publish(model.Event{Name: model.EventJobCancelled, CaseID: job.CaseID, JobID: jobID, Payload: job.Clone()})
	o.log.WithFields(logrus.Fields{"job_id": jobID, "was_running": wasRunning}).Info("job cancelled")
	return job, nil
}

func countErrors(j model.CollectionJob) int {
	n := len(j.Errors)
	for _, r := range j.Results {
		n += len(r.Errors)
	}
	return n
}

func runCount(j model.CollectionJob) int {
	if j.Schedule == nil {
		return 0
	}
	return j.Schedule.RunCount
}
