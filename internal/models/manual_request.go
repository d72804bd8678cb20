package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskAlpha        TaskType = "Alpha"
	TaskBeta         TaskType = "Beta"
	TaskCR           TaskType = "CR"
	TaskRework       TaskType = "Rework"
	TaskPOC          TaskType = "poc"
	TaskAnalysis     TaskType = "Analysis"
	TaskStoryboardQA TaskType = "Storyboard QA"
	TaskOutputQA     TaskType = "Output QA"
)

const DefaultTaskType = TaskAlpha

var taskTypes = map[TaskType]bool{
	TaskAlpha: true, TaskBeta: true, TaskCR: true, TaskRework: true,
	TaskPOC: true, TaskAnalysis: true, TaskStoryboardQA: true, TaskOutputQA: true,
}

func (t TaskType) Valid() bool { return taskTypes[t] }

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

func (s RequestStatus) Valid() bool {
	return s == RequestPending || s == RequestApproved || s == RequestRejected
}

type ManualTimeRequest struct {
	ID               uuid.UUID     `json:"id"`
	OwnerID          uuid.UUID     `json:"owner_id"`
	Day              string        `json:"day"`
	RequestedMinutes float64       `json:"requested_minutes"`
	Target           TaskTarget    `json:"target"`
	TaskType         TaskType      `json:"task_type"`
	Text             string        `json:"text"`
	Status           RequestStatus `json:"status"`
	ReviewerID       *uuid.UUID    `json:"reviewer_id,omitempty"`
	ReviewedAt       *time.Time    `json:"reviewed_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type ManualTimeInput struct {
	Day              string   `json:"day"`
	RequestedMinutes float64  `json:"requested_minutes"`
	ProjectID        string   `json:"project_id"`
	CustomTask       string   `json:"custom_task"`
	TaskType         TaskType `json:"task_type"`
	Text             string   `json:"text"`
}

// Decision is an approve/reject verdict, either from the admin API or the
// decision queue.
type Decision struct {
	RequestID  uuid.UUID `json:"request_id"`
	ReviewerID uuid.UUID `json:"reviewer_id"`
	Decision   string    `json:"decision"` // "approve" | "reject"
}

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)
