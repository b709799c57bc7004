package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/connector"
	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/manifest"
	"warden/internal/migrate"
	"warden/internal/pipeline"
	"warden/internal/repo"
	"warden/internal/review"
	"warden/internal/vault"
)

// MasterKeyEnv names the environment variable holding the cache secret.
const MasterKeyEnv = "WARDEN_MASTER_KEY"

type Options struct {
	Workspace string
	// MasterKey overrides WARDEN_MASTER_KEY when set.
	MasterKey string
	Logger    *zap.Logger
}

// Runtime is the assembled gateway for one workspace.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Key       *vault.Key
	Registry  *connector.Registry
	Engine    *pipeline.Engine
	Review    review.Service
	Events    events.Writer
	Logger    *zap.Logger
	Now       func() time.Time
}

// Open migrates the workspace database, loads warden.yml and derives the
// cache key. A config that asks for encryption without a secret is an error.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	secret := opts.MasterKey
	if secret == "" {
		secret = os.Getenv(MasterKeyEnv)
	}
	var key *vault.Key
	if secret != "" {
		if key, err = vault.DeriveKey(secret); err != nil {
			return nil, fmt.Errorf("derive cache key: %w", err)
		}
	} else if cfg.WantsEncryption() {
		return nil, fmt.Errorf("config enables cache encryption but %s is not set", MasterKeyEnv)
	}
	reg, err := connector.FromConfig(cfg, workspace)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		logger.Info("applied migration", zap.String("name", name))
	}

	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn}
	rev := review.New(r, reg, logger)
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Repo:      r,
		Config:    cfg,
		Key:       key,
		Registry:  reg,
		Engine:    pipeline.New(logger, &w),
		Review:    rev,
		Events:    w,
		Logger:    logger,
		Now:       time.Now,
	}, nil
}

func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

func (rt *Runtime) now() time.Time {
	if rt.Now != nil {
		return rt.Now()
	}
	return time.Now()
}

// ExecContext binds a caller to the runtime's store, connectors and key.
func (rt *Runtime) ExecContext(callerID string, actionData map[string]any) pipeline.ExecContext {
	return pipeline.ExecContext{
		Repo:       rt.Repo,
		Registry:   rt.Registry,
		Config:     rt.Config,
		Key:        rt.Key,
		CallerID:   callerID,
		ActionData: actionData,
		Now:        rt.Now,
		Logger:     rt.Logger,
	}
}

// SaveManifest compiles text and registers it under id, or under the id
// derived from the text when id is empty.
func (rt *Runtime) SaveManifest(ctx context.Context, text, id, actorID string) (domain.StoredManifest, error) {
	m, err := manifest.Compile(text, id)
	if err != nil {
		return domain.StoredManifest{}, err
	}
	now := rt.now().UTC().Format(time.RFC3339)
	stored := domain.StoredManifest{ID: m.ID, Purpose: m.Purpose, Text: text, CreatedAt: now, UpdatedAt: now}
	if err := rt.Repo.UpsertManifest(ctx, stored); err != nil {
		return domain.StoredManifest{}, err
	}
	if err := rt.Events.Append(ctx, nil, events.ManifestSaved, m.ID, "manifest", m.ID, actorID,
		events.EventPayload{"purpose": m.Purpose, "graph": m.Graph}); err != nil {
		return domain.StoredManifest{}, err
	}
	return rt.Repo.GetManifest(ctx, m.ID)
}

func (rt *Runtime) DeleteManifest(ctx context.Context, id, actorID string) error {
	if err := rt.Repo.DeleteManifest(ctx, id); err != nil {
		return err
	}
	return rt.Events.Append(ctx, nil, events.ManifestDeleted, id, "manifest", id, actorID, nil)
}

// LoadManifest compiles a registered manifest.
func (rt *Runtime) LoadManifest(ctx context.Context, id string) (domain.Manifest, error) {
	stored, err := rt.Repo.GetManifest(ctx, id)
	if err != nil {
		return domain.Manifest{}, err
	}
	return manifest.Compile(stored.Text, stored.ID)
}

// Execute runs a registered manifest on behalf of callerID.
func (rt *Runtime) Execute(ctx context.Context, id, callerID string, actionData map[string]any) (pipeline.Result, error) {
	m, err := rt.LoadManifest(ctx, id)
	if err != nil {
		return pipeline.Result{}, err
	}
	return rt.Engine.Execute(ctx, m, rt.ExecContext(callerID, actionData))
}

// ExecuteText compiles and runs a manifest without registering it.
func (rt *Runtime) ExecuteText(ctx context.Context, text, callerID string, actionData map[string]any) (pipeline.Result, error) {
	m, err := manifest.Compile(text, "")
	if err != nil {
		return pipeline.Result{}, err
	}
	return rt.Engine.Execute(ctx, m, rt.ExecContext(callerID, actionData))
}

func (rt *Runtime) PurgeCache(ctx context.Context, actorID string) (int64, error) {
	n, err := rt.Repo.PurgeExpired(ctx, rt.now())
	if err != nil {
		return 0, err
	}
	if err := rt.Events.Append(ctx, nil, events.CachePurged, "", "cache", "", actorID, events.EventPayload{"rows": n}); err != nil {
		return n, err
	}
	return n, nil
}

// Init writes a default warden.yml when none exists and migrates the database.
func Init(ctx context.Context, workspace string) (created bool, err error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return false, err
	}
	path := config.Path(workspace)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
			return false, err
		}
		created = true
	} else if statErr != nil {
		return false, statErr
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return created, err
	}
	defer conn.Close()
	if _, err := migrate.Apply(ctx, conn); err != nil {
		return created, fmt.Errorf("migrate: %w", err)
	}
	return created, nil
}
