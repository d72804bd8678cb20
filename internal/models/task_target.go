package models

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidTarget is returned when a task target names both or neither of
// a project and a custom task.
var ErrInvalidTarget = errors.New("task target must be exactly one of project_id or custom_task")

type targetKind uint8

const (
	targetNone targetKind = iota
	targetProject
	targetCustom
)

// TaskTarget is what a session or manual request is logged against: either a
// structured project or a free-text custom task, never both. The zero value is
// not a valid target.
type TaskTarget struct {
	kind      targetKind
	projectID uuid.UUID
	label     string
}

// ProjectTarget returns a target pointing at a project.
func ProjectTarget(id uuid.UUID) TaskTarget {
	return TaskTarget{kind: targetProject, projectID: id}
}

// CustomTarget returns a target for a free-text task label.
func CustomTarget(label string) TaskTarget {
	return TaskTarget{kind: targetCustom, label: strings.TrimSpace(label)}
}

// ParseTaskTarget builds a target from the two request fields.
func ParseTaskTarget(projectID, customTask string) (TaskTarget, error) {
	projectID = strings.TrimSpace(projectID)
	customTask = strings.TrimSpace(customTask)

	switch {
	case projectID != "" && customTask != "":
		return TaskTarget{}, ErrInvalidTarget
	case projectID != "":
		id, err := uuid.Parse(projectID)
		if err != nil {
			return TaskTarget{}, ErrInvalidTarget
		}
		return ProjectTarget(id), nil
	case customTask != "":
		return CustomTarget(customTask), nil
	default:
		return TaskTarget{}, ErrInvalidTarget
	}
}

// Valid reports whether the target is a project or a non-empty label.
func (t TaskTarget) Valid() bool {
	switch t.kind {
	case targetProject:
		return t.projectID != uuid.Nil
	case targetCustom:
		return t.label != ""
	default:
		return false
	}
}

// Project returns the project ID when the target is a project.
func (t TaskTarget) Project() (uuid.UUID, bool) {
	return t.projectID, t.kind == targetProject
}

// Custom returns the label when the target is a custom task.
func (t TaskTarget) Custom() (string, bool) {
	return t.label, t.kind == targetCustom
}

// IsProject reports whether the target references a project.
func (t TaskTarget) IsProject() bool { return t.kind == targetProject }

// Equal reports whether both targets name the same project or the exact same label.
func (t TaskTarget) Equal(o TaskTarget) bool {
	if t.kind != o.kind {
		return false
	}
	switch t.kind {
	case targetProject:
		return t.projectID == o.projectID
	case targetCustom:
		return t.label == o.label
	}
	return true
}

// Columns returns the nullable storage representation.
func (t TaskTarget) Columns() (*uuid.UUID, *string) {
	switch t.kind {
	case targetProject:
		id := t.projectID
		return &id, nil
	case targetCustom:
		label := t.label
		return nil, &label
	}
	return nil, nil
}

// TargetFromColumns rebuilds a target from its storage columns.
func TargetFromColumns(projectID *uuid.UUID, customTask *string) TaskTarget {
	if projectID != nil {
		return ProjectTarget(*projectID)
	}
	if customTask != nil {
		return CustomTarget(*customTask)
	}
	return TaskTarget{}
}

type taskTargetJSON struct {
	ProjectID  *uuid.UUID `json:"project_id,omitempty"`
	CustomTask *string    `json:"custom_task,omitempty"`
}

func (t TaskTarget) MarshalJSON() ([]byte, error) {
	projectID, customTask := t.Columns()
	return json.Marshal(taskTargetJSON{ProjectID: projectID, CustomTask: customTask})
}

func (t *TaskTarget) UnmarshalJSON(data []byte) error {
	var raw taskTargetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if (raw.ProjectID == nil) == (raw.CustomTask == nil) {
		return ErrInvalidTarget
	}
	*t = TargetFromColumns(raw.ProjectID, raw.CustomTask)
	if !t.Valid() {
		return ErrInvalidTarget
	}
	return nil
}
