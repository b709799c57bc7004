package pipeline

import (
	"time"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/connector"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/repo"
	"warden/internal/vault"
)

// ExecContext is everything an operator may touch during one execution.
// Key is optional; when nil the cache is read and written in plaintext.
type ExecContext struct {
	Repo     repo.Repo
	Registry *connector.Registry
	Config   *config.Config
	Key      *vault.Key

	ManifestID string
	Purpose    string
	CallerID   string
	// ActionData is the caller's payload for write requests; stage overlays
	// it on the declared data property.
	ActionData map[string]any

	Now    func() time.Time
	Logger *zap.Logger

	events *events.Writer
}

func (ec *ExecContext) now() time.Time {
	if ec.Now != nil {
		return ec.Now()
	}
	return time.Now()
}

func (ec *ExecContext) logger() *zap.Logger {
	if ec.Logger != nil {
		return ec.Logger
	}
	return zap.NewNop()
}

func (ec *ExecContext) source(name string) config.SourceConfig {
	s, _ := ec.Config.Source(name)
	return s
}

const timeLayout = time.RFC3339

type Meta struct {
	OperatorsApplied []string `json:"operatorsApplied"`
	ItemsFetched     int      `json:"itemsFetched"`
	ItemsReturned    int      `json:"itemsReturned"`
	QueryTimeMs      int64    `json:"queryTimeMs"`
}

// Result is the outcome of a successful execution. ActionResult is set only
// when the chain ended in stage.
type Result struct {
	Data         []domain.DataRow     `json:"data"`
	ActionResult *domain.ActionResult `json:"actionResult,omitempty"`
	Meta         Meta                 `json:"meta"`
}
