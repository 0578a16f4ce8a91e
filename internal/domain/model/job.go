package model

import "time"

// JobStatus 是采集任务状态。
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobCollecting JobStatus = "collecting"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal 判断一次运行是否已结束。
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CollectionProgress 只由编排器在任务执行期间修改；单次运行内计数单调不减。
type CollectionProgress struct {
	TotalItems      int     `json:"total_items"`
	CompletedItems  int     `json:"completed_items"`
	BytesCollected  int64   `json:"bytes_collected"`
	PercentComplete float64 `json:"percent_complete"`
	CurrentPhase    string  `json:"current_phase,omitempty"`
	CurrentItem     string  `json:"current_item,omitempty"`
	ElapsedMs       int64   `json:"elapsed_ms"`
}

// CollectionSchedule 是周期采集计划。RunCount 达到 MaxRuns 后调度自动停用。
type CollectionSchedule struct {
	CronExpression string     `json:"cron_expression" yaml:"cron"`
	Timezone       string     `json:"timezone,omitempty" yaml:"timezone"`
	Enabled        bool       `json:"enabled" yaml:"enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty" yaml:"-"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty" yaml:"-"`
	RunCount       int        `json:"run_count" yaml:"-"`
	MaxRuns        int        `json:"max_runs,omitempty" yaml:"max_runs"`
}

// Exhausted 判断是否已达到最大运行次数（MaxRuns<=0 表示不限）。
func (s *CollectionSchedule) Exhausted() bool {
	return s.MaxRuns > 0 && s.RunCount >= s.MaxRuns
}

// ResultStatus 是单个来源的采集结论。
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
)

// 错误码
const (
	CodeConnectionFailed     = "CONNECTION_FAILED"
	CodeCollectionFailed     = "COLLECTION_FAILED"
	CodeUnsupportedType      = "UNSUPPORTED_EVIDENCE_TYPE"
	CodeCloudResourceFailed  = "CLOUD_RESOURCE_FAILED"
	CodeJobExecutionFailed   = "JOB_EXECUTION_FAILED"
	CodeCapacityExceeded     = "CAPACITY_EXCEEDED"
	CodeCancelled            = "CANCELLED"
	CodeStorageFailed        = "STORAGE_FAILED"
	CodeRegistrationFailed   = "REGISTRATION_FAILED"
	CodeDisconnectFailed     = "DISCONNECT_FAILED"
	CodeScheduledRunRejected = "SCHEDULED_RUN_REJECTED"
)

// CollectionError 是被捕获（而非抛出）的单项错误。
type CollectionError struct {
	Timestamp    time.Time    `json:"timestamp"`
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	Recoverable  bool         `json:"recoverable"`
	SourceID     string       `json:"source_id,omitempty"`
	EvidenceType EvidenceType `json:"evidence_type,omitempty"`
}

// CollectionResult 是一个来源（或一次云采集）的结果汇总。
type CollectionResult struct {
	SourceID       string            `json:"source_id"`
	EvidenceItems  []EvidenceItem    `json:"evidence_items"`
	Status         ResultStatus      `json:"status"`
	Duration       time.Duration     `json:"duration"`
	BytesCollected int64             `json:"bytes_collected"`
	Errors         []CollectionError `json:"errors"`
}

// CollectionJob 是编排单元。
//
// 生命周期：pending -> collecting -> completed|failed；
// 任何非终态都可以被取消为 cancelled。
type CollectionJob struct {
	ID            string              `json:"id"`
	CaseID        string              `json:"case_id"`
	Name          string              `json:"name"`
	Sources       []EvidenceSource    `json:"sources"`
	EvidenceTypes []EvidenceType      `json:"evidence_types"`
	Status        JobStatus           `json:"status"`
	Progress      CollectionProgress  `json:"progress"`
	Options       CollectionOptions   `json:"options"`
	Schedule      *CollectionSchedule `json:"schedule,omitempty"`
	Results       []CollectionResult  `json:"results"`
	Errors        []CollectionError   `json:"errors"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	CreatedBy     string              `json:"created_by,omitempty"`
}

// Clone 深拷贝任务（切片与计划都会复制）。
func (j *CollectionJob) Clone() CollectionJob {
	out := *j
	out.Sources = append([]EvidenceSource(nil), j.Sources...)
	out.EvidenceTypes = append([]EvidenceType(nil), j.EvidenceTypes...)
	out.Errors = append([]CollectionError(nil), j.Errors...)
	out.Options = j.Options.Clone()
	if j.Results != nil {
		out.Results = make([]CollectionResult, len(j.Results))
		for i, r := range j.Results {
			rr := r
			rr.Errors = append([]CollectionError(nil), r.Errors...)
			rr.EvidenceItems = make([]EvidenceItem, len(r.EvidenceItems))
			for k := range r.EvidenceItems {
				rr.EvidenceItems[k] = r.EvidenceItems[k].Clone()
			}
			out.Results[i] = rr
		}
	}
	if j.Schedule != nil {
		s := *j.Schedule
		if j.Schedule.NextRunAt != nil {
			t := *j.Schedule.NextRunAt
			s.NextRunAt = &t
		}
		if j.Schedule.LastRunAt != nil {
			t := *j.Schedule.LastRunAt
			s.LastRunAt = &t
		}
		out.Schedule = &s
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
