package domain

import "strings"

type CaseStatus string

const (
	StatusOpen     CaseStatus = "open"
	StatusComplete CaseStatus = "complete"
	StatusRejected CaseStatus = "rejected"
)

// Lifecycle reasons recorded for system-initiated transitions.
const (
	ReasonAutoCompleted = "auto-completed"
	ReasonRegressed     = "regressed-below-complete"
)

// StatusTransitions lists the status changes the lifecycle controller may perform.
var StatusTransitions = map[CaseStatus][]CaseStatus{
	StatusOpen:     {StatusComplete, StatusRejected},
	StatusComplete: {StatusOpen, StatusRejected},
	StatusRejected: {},
}

// CanTransitionTo reports whether s -> target is an enumerated transition.
func (s CaseStatus) CanTransitionTo(target CaseStatus) bool {
	for _, valid := range StatusTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

func (s CaseStatus) Valid() bool {
	_, ok := StatusTransitions[s]
	return ok
}

type StageDefinition struct {
	ID       string `json:"id"`
	CaseType string `json:"case_type"`
	Subtype  string `json:"subtype,omitempty"`
	Title    string `json:"title"`
	Sequence int    `json:"sequence"`
	Required bool   `json:"required"`
	Active   bool   `json:"active"`
}

// Generic reports whether the stage applies to every subtype of its case type.
func (s StageDefinition) Generic() bool {
	return Normalize(s.Subtype) == ""
}

type Case struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title,omitempty"`
	CaseType             string     `json:"case_type"`
	Subtype              string     `json:"subtype,omitempty"`
	Status               CaseStatus `json:"status" enum:"open,complete,rejected"`
	CompletionPercentage int        `json:"completion_percentage" minimum:"0" maximum:"100"`
	RejectionReason      string     `json:"rejection_reason,omitempty"`
	CreatedBy            string     `json:"created_by"`
	CreatedAt            string     `json:"created_at" format:"date-time"`
	UpdatedAt            string     `json:"updated_at" format:"date-time"`
	Version              int64      `json:"version"`
}

type Artifact struct {
	ID         string  `json:"id"`
	CaseID     string  `json:"case_id"`
	StageID    *string `json:"stage_id,omitempty"`
	FileName   string  `json:"file_name,omitempty"`
	UploadedBy string  `json:"uploaded_by"`
	UploadedAt string  `json:"uploaded_at" format:"date-time"`
}

// LifecycleEvent is an append-only record of a case status change.
// A nil ActorID marks a system-initiated transition.
type LifecycleEvent struct {
	ID         int64      `json:"id"`
	CaseID     string     `json:"case_id"`
	ActorID    *string    `json:"actor_id,omitempty"`
	FromStatus CaseStatus `json:"from_status"`
	ToStatus   CaseStatus `json:"to_status"`
	Reason     string     `json:"reason"`
	TS         string     `json:"ts" format:"date-time"`
}

// Event is a row of the general audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Normalize trims and lower-cases a case type or subtype for comparison.
func Normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
