package casetracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal casetrack HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. The server
	// only honors it when legacy actor headers are enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model.
type Case struct {
	ID                   string `json:"id"`
	Title                string `json:"title,omitempty"`
	CaseType             string `json:"case_type"`
	Subtype              string `json:"subtype,omitempty"`
	Status               string `json:"status"`
	CompletionPercentage int    `json:"completion_percentage"`
	RejectionReason      string `json:"rejection_reason,omitempty"`
	CreatedBy            string `json:"created_by"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
	Version              int64  `json:"version"`
}

// Artifact represents an uploaded document.
type Artifact struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	StageID    string `json:"stage_id,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	UploadedBy string `json:"uploaded_by"`
	UploadedAt string `json:"uploaded_at"`
}

type StageProgress struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Sequence  int    `json:"sequence"`
	Required  bool   `json:"required"`
	Satisfied bool   `json:"satisfied"`
}

// Progress is the computed completion of a case.
type Progress struct {
	CaseID         string          `json:"case_id"`
	Status         string          `json:"status"`
	Percentage     int             `json:"percentage"`
	SatisfiedCount int             `json:"satisfied_count"`
	TotalCount     int             `json:"total_count"`
	Stages         []StageProgress `json:"stages"`
	Pending        []string        `json:"pending"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCase opens a new case.
func (c *Client) CreateCase(ctx context.Context, caseType, subtype, title string) (Case, error) {
	body := map[string]any{
		"case_type": caseType,
		"subtype":   subtype,
		"title":     title,
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

func (c *Client) GetCase(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, casePath(caseID, ""), nil, &resp)
	return resp, err
}

// GetProgress computes progress without persisting it.
func (c *Client) GetProgress(ctx context.Context, caseID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, casePath(caseID, "progress"), nil, &resp)
	return resp, err
}

// Recalculate persists the case progress and applies automatic transitions.
func (c *Client) Recalculate(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "recalculate"), nil, &resp)
	return resp, err
}

// AddArtifact uploads an artifact tagged with stageID; an empty stageID
// stores an untagged artifact.
func (c *Client) AddArtifact(ctx context.Context, caseID, stageID, fileName string) (Artifact, Case, error) {
	body := map[string]any{
		"stage_id":  stageID,
		"file_name": fileName,
	}
	var resp struct {
		Artifact Artifact `json:"artifact"`
		Case     Case     `json:"case"`
	}
	err := c.do(ctx, http.MethodPost, casePath(caseID, "artifacts"), body, &resp)
	return resp.Artifact, resp.Case, err
}

func (c *Client) RemoveArtifact(ctx context.Context, caseID, artifactID string) (Case, error) {
	var resp Case
	endpoint := casePath(caseID, "artifacts/"+url.PathEscape(artifactID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Reject rejects the case with a mandatory reason.
func (c *Client) Reject(ctx context.Context, caseID, reason string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "reject"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func casePath(caseID, sub string) string {
	p := "v0/cases/" + url.PathEscape(caseID)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
