package model

import "time"

// EventName 对外事件名。
type EventName string

const (
	EventEvidenceCollected EventName = "evidence:collected"
	EventEvidencePreserved EventName = "evidence:preserved"
	EventEvidenceVerified  EventName = "evidence:verified"
	EventEvidenceDeleted   EventName = "evidence:deleted"
	EventJobCreated        EventName = "job:created"
	EventJobStarted        EventName = "job:started"
	EventJobProgress       EventName = "job:progress"
	EventJobCompleted      EventName = "job:completed"
	EventJobFailed         EventName = "job:failed"
	EventJobCancelled      EventName = "job:cancelled"
	EventLegalHoldApplied  EventName = "legal_hold:applied"
	EventLegalHoldReleased EventName = "legal_hold:released"
	EventError             EventName = "error"
)

// Event 是事件流中的一条通知。Payload 为对应实体的拷贝。
type Event struct {
	Name       EventName `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	CaseID     string    `json:"case_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	EvidenceID string    `json:"evidence_id,omitempty"`
	HoldID     string    `json:"hold_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}
