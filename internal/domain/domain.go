package domain

// DataRow is one item of personal data as it flows through a pipeline.
type DataRow struct {
	Source       string         `json:"source"`
	SourceItemID string         `json:"source_item_id"`
	Type         string         `json:"type"`
	Timestamp    string         `json:"timestamp" format:"date-time"`
	Data         map[string]any `json:"data"`
}

// Operator kinds understood by the pipeline engine.
const (
	OpPull      = "pull"
	OpSelect    = "select"
	OpFilter    = "filter"
	OpTransform = "transform"
	OpStage     = "stage"
	OpStore     = "store"
)

// OperatorTypes lists the known operator kinds.
var OperatorTypes = []string{OpPull, OpSelect, OpFilter, OpTransform, OpStage, OpStore}

// IsOperatorType reports whether t is one of the known operator kinds.
func IsOperatorType(t string) bool {
	for _, k := range OperatorTypes {
		if k == t {
			return true
		}
	}
	return false
}

type OperatorDecl struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

type Manifest struct {
	ID        string                  `json:"id"`
	Purpose   string                  `json:"purpose"`
	Graph     []string                `json:"graph"`
	Operators map[string]OperatorDecl `json:"operators"`
}

// StoredManifest is a manifest persisted in its DSL text form.
type StoredManifest struct {
	ID        string `json:"id"`
	Purpose   string `json:"purpose"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type CachedItem struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	SourceItemID string  `json:"source_item_id"`
	Type         string  `json:"type"`
	Timestamp    string  `json:"timestamp" format:"date-time"`
	Data         string  `json:"data"`
	CachedAt     string  `json:"cached_at" format:"date-time"`
	ExpiresAt    *string `json:"expires_at,omitempty" format:"date-time"`
}

// Staged action statuses.
const (
	ActionPending   = "pending"
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionCommitted = "committed"
)

type StagedAction struct {
	ActionID   string         `json:"action_id"`
	ManifestID string         `json:"manifest_id"`
	Source     string         `json:"source"`
	ActionType string         `json:"action_type"`
	ActionData map[string]any `json:"action_data"`
	Purpose    string         `json:"purpose"`
	Status     string         `json:"status" enum:"pending,approved,rejected,committed"`
	ProposedAt string         `json:"proposed_at" format:"date-time"`
	ResolvedAt *string        `json:"resolved_at,omitempty" format:"date-time"`
}

// ActionResult is returned by a terminal operator or a connector action.
type ActionResult struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	ResultData map[string]any `json:"resultData,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ManifestID string `json:"manifest_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
