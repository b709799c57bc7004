package server

import (
	"warden/internal/domain"
	"warden/internal/manifest"
	"warden/internal/pipeline"
)

// Request payloads

type ManifestTextRequest struct {
	Text string `json:"text" minLength:"1" doc:"Manifest DSL source"`
}

type CreateManifestRequest struct {
	ID   string `json:"id,omitempty" doc:"Registry id; derived from the text when omitted"`
	Text string `json:"text" minLength:"1" doc:"Manifest DSL source"`
}

type ExecuteRequest struct {
	ActionData map[string]any `json:"action_data,omitempty" doc:"Payload merged into a staged write request"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Responses

type ValidationIssue struct {
	Code   string `json:"code" example:"undeclared_operator"`
	Node   string `json:"node,omitempty"`
	Detail string `json:"detail"`
}

type ValidateResponse struct {
	Valid   bool              `json:"valid"`
	ID      string            `json:"id,omitempty"`
	Purpose string            `json:"purpose,omitempty"`
	Graph   []string          `json:"graph,omitempty"`
	Errors  []ValidationIssue `json:"errors"`
}

type ManifestResponse struct {
	domain.StoredManifest
	Graph []string `json:"graph"`
}

type ManifestList struct {
	Items []ManifestResponse `json:"items"`
}

type StagedList struct {
	Items []domain.StagedAction `json:"items"`
}

type CommitResponse struct {
	Action domain.StagedAction `json:"action"`
	Result domain.ActionResult `json:"result"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ExecuteResponse = pipeline.Result

func validationIssues(errs manifest.ValidationErrors) []ValidationIssue {
	out := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		out = append(out, ValidationIssue{Code: e.Code, Node: e.Node, Detail: e.Error()})
	}
	return out
}

func manifestResponse(m domain.StoredManifest) ManifestResponse {
	resp := ManifestResponse{StoredManifest: m, Graph: []string{}}
	if parsed, err := manifest.Parse(m.Text, m.ID); err == nil && parsed.Graph != nil {
		resp.Graph = parsed.Graph
	}
	return resp
}
