package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/registry"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// nextRun 计算计划在 after 之后的下一次触发时间（按计划时区解析，UTC 返回）。
func nextRun(s *model.CollectionSchedule, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(s.CronExpression)
	if err != nil {
		return time.Time{}, model.Invalidf("cron expression %q: %v", s.CronExpression, err)
	}
	loc := time.UTC
	if s.Timezone != "" {
		if loc, err = time.LoadLocation(s.Timezone); err != nil {
			return time.Time{}, model.Invalidf("timezone %q: %v", s.Timezone, err)
		}
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, model.Invalidf("cron expression %q never fires", s.CronExpression)
	}
	return next.UTC(), nil
}

// Start 启动后台调度循环，每个 SchedulerInterval 检查一次到期任务。重复调用无副作用。
func (o *Orchestrator) Start(ctx context.Context) error {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if o.closed {
		return errors.New("orchestrator: already shut down")
	}
	if o.schedStop != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.schedStop = cancel
	o.schedDone = make(chan struct{})
	go o.loop(loopCtx, o.schedDone)
	o.log.WithField("interval", o.cfg.SchedulerInterval.String()).Info("scheduler started")
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx, o.now())
		}
	}
}

// Tick 触发所有 NextRunAt<=now 的计划任务，返回本次触发的任务 ID。
//
// 同一任务上一轮尚未结束时不会重复触发；容量不足时本轮放弃并顺延到下一次触发时间。
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) []string {
	now = now.UTC()
	due := o.registry.ListJobs(registry.JobFilter{})
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })

	var fired []string
	for _, j := range due {
		s := j.Schedule
		if s == nil || !s.Enabled || s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		if j.Status == model.JobCollecting || j.Status == model.JobCancelled {
			continue
		}
		if s.Exhausted() {
			o.disableExhausted(ctx, j.ID)
			continue
		}
		if !o.markFiring(j.ID) {
			continue
		}
		if !o.sem.TryAcquire(1) {
			o.unmarkFiring(j.ID)
			o.deferRun(ctx, j.ID, now, false)
			continue
		}
		// 让 ExecuteJob 自己去拿许可；这里只是预检容量。
		o.sem.Release(1)

		fired = append(fired, j.ID)
		o.runs.Add(1)
		go func(jobID string) {
			defer o.runs.Done()
			defer o.unmarkFiring(jobID)
			if _, err := o.ExecuteJob(ctx, jobID); err != nil {
				if errors.Is(err, model.ErrCapacity) {
					// ExecuteJob 已写审计并发布 error 事件。
					o.deferRun(ctx, jobID, now, true)
					return
				}
				o.log.WithError(err).WithField("job_id", jobID).Warn("scheduled run")
			}
		}(j.ID)
	}
	return fired
}

func (o *Orchestrator) markFiring(jobID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if _, busy := o.firing[jobID]; busy {
		return false
	}
	o.firing[jobID] = struct{}{}
	return true
}

func (o *Orchestrator) unmarkFiring(jobID string) {
	o.activeMu.Lock()
	delete(o.firing, jobID)
	o.activeMu.Unlock()
}

// disableExhausted 在达到 MaxRuns 后停用计划，不再触发。
func (o *Orchestrator) disableExhausted(ctx context.Context, jobID string) {
	job, err := o.registry.UpdateJob(jobID, func(j *model.CollectionJob) error {
		if j.Schedule == nil || !j.Schedule.Enabled {
			return errScheduleUnchanged
		}
		j.Schedule.Enabled = false
		j.Schedule.NextRunAt = nil
		return nil
	})
	if err != nil {
		return
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditJob,
		Action:   "disable_schedule",
		Status:   "disabled",
		Message:  fmt.Sprintf("job %s reached max runs (%d)", jobID, job.Schedule.MaxRuns),
		Details:  map[string]any{"job_id": jobID, "run_count": job.Schedule.RunCount, "max_runs": job.Schedule.MaxRuns},
		CaseID:   job.CaseID,
		Actor:    "scheduler",
	})
	o.log.WithField("job_id", jobID).Info("schedule disabled: max runs reached")
}

var errScheduleUnchanged = errors.New("schedule unchanged")

// deferRun 记录一次因容量被放弃的计划运行，并把 NextRunAt 推到下一个触发点。
// reported 为 true 时拒绝已由 ExecuteJob 审计并发布，这里只更新任务。
func (o *Orchestrator) deferRun(ctx context.Context, jobID string, now time.Time, reported bool) {
	ce := o.collectionError(model.CodeScheduledRunRejected, fmt.Errorf("%w: scheduled run skipped", model.ErrCapacity), true, "", "")
	job, err := o.registry.UpdateJob(jobID, func(j *model.CollectionJob) error {
		j.Errors = append(j.Errors, ce)
		if j.Schedule != nil && j.Schedule.Enabled {
			if next, err := nextRun(j.Schedule, now); err == nil {
				j.Schedule.NextRunAt = &next
			}
		}
		return nil
	})
	if err != nil {
		return
	}
	o.log.WithFields(logrus.Fields{"job_id": jobID}).Warn("scheduled run rejected: capacity")
	if reported {
		return
	}
	details := map[string]any{"job_id": jobID, "code": ce.Code, "status": string(job.Status)}
	if job.Schedule != nil && job.Schedule.NextRunAt != nil {
		details["next_run_at"] = *job.Schedule.NextRunAt
	}
	o.record(ctx, model.AuditRecord{
		Category: model.AuditJob,
		Action:   "scheduled_run",
		Status:   "rejected",
		Message:  ce.Message,
		Details:  details,
		CaseID:   job.CaseID,
		Actor:    "scheduler",
	})
	o.fail(model.Event{CaseID: job.CaseID, JobID: jobID}, ce)
}

// Wait 等待所有由调度器发起的运行结束。
func (o *Orchestrator) Wait() {
	o.runs.Wait()
}

// Shutdown 停止调度循环、取消所有活跃运行，并等待它们在证据项边界退出。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.schedMu.Lock()
	o.closed = true
	stop, done := o.schedStop, o.schedDone
	o.schedStop, o.schedDone = nil, nil
	o.schedMu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	o.activeMu.Lock()
	for _, cancel := range o.active {
		cancel()
	}
	o.activeMu.Unlock()

	finished := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		o.log.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}
