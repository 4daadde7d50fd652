package server

import (
	"casetrack/internal/domain"
	"casetrack/internal/progress"
)

// Request payloads

type CreateCaseRequest struct {
	ID       string `json:"id,omitempty" maxLength:"64"`
	Title    string `json:"title,omitempty" maxLength:"200"`
	CaseType string `json:"case_type" example:"open-tender"`
	Subtype  string `json:"subtype,omitempty" example:"own-funds"`
}

type AddArtifactRequest struct {
	ID       string `json:"id,omitempty"`
	StageID  string `json:"stage_id,omitempty" doc:"Stage the artifact satisfies; omit for untagged uploads"`
	FileName string `json:"file_name,omitempty" maxLength:"255"`
}

type RejectCaseRequest struct {
	Reason string `json:"reason"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StageProgressResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Sequence  int    `json:"sequence"`
	Required  bool   `json:"required"`
	Satisfied bool   `json:"satisfied"`
}

type ProgressResponse struct {
	CaseID         string                  `json:"case_id"`
	Status         domain.CaseStatus       `json:"status"`
	Percentage     int                     `json:"percentage" minimum:"0" maximum:"100"`
	SatisfiedCount int                     `json:"satisfied_count"`
	TotalCount     int                     `json:"total_count"`
	Stages         []StageProgressResponse `json:"stages"`
	Pending        []string                `json:"pending"`
}

type ArtifactResponse struct {
	Artifact domain.Artifact `json:"artifact"`
	Case     domain.Case     `json:"case"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type paginatedCases struct {
	Items      []domain.Case `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type itemsResponse[T any] struct {
	Items []T `json:"items"`
}

func progressResponse(c domain.Case, p progress.Progress) ProgressResponse {
	resp := ProgressResponse{
		CaseID:         c.ID,
		Status:         c.Status,
		Percentage:     p.Percentage,
		SatisfiedCount: p.SatisfiedCount,
		TotalCount:     p.TotalCount,
		Stages:         make([]StageProgressResponse, 0, len(p.Stages)),
		Pending:        []string{},
	}
	for _, s := range p.Stages {
		resp.Stages = append(resp.Stages, StageProgressResponse{
			ID:        s.ID,
			Title:     s.Title,
			Sequence:  s.Sequence,
			Required:  s.Required,
			Satisfied: s.Satisfied,
		})
	}
	for _, s := range p.Pending() {
		resp.Pending = append(resp.Pending, s.ID)
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
