package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/migrate"
	"warden/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func strptr(s string) *string { return &s }

func TestUpsertCachedItemsIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	item := domain.CachedItem{ID: "a", Source: "gmail", SourceItemID: "m1", Type: "email",
		Timestamp: "2024-01-02T00:00:00Z", Data: `{"v":1}`, CachedAt: "2024-01-03T00:00:00Z"}
	require.NoError(t, r.UpsertCachedItems(ctx, []domain.CachedItem{item}))

	item.ID = "b"
	item.Data = `{"v":2}`
	item.ExpiresAt = strptr("2024-02-01T00:00:00Z")
	require.NoError(t, r.UpsertCachedItems(ctx, []domain.CachedItem{item}))

	n, err := r.CountCachedItems(ctx, "gmail")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := r.GetCachedItem(ctx, "gmail", "m1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID, "conflicting write keeps the original row id")
	assert.Equal(t, `{"v":2}`, got.Data)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, "2024-02-01T00:00:00Z", *got.ExpiresAt)
}

func TestQueryCachedItemsFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.UpsertCachedItems(ctx, []domain.CachedItem{
		{ID: "1", Source: "gmail", SourceItemID: "old", Type: "email", Timestamp: "2023-12-01T00:00:00Z", Data: "{}", CachedAt: "x"},
		{ID: "2", Source: "gmail", SourceItemID: "new", Type: "email", Timestamp: "2024-02-01T00:00:00Z", Data: "{}", CachedAt: "x"},
		{ID: "3", Source: "gmail", SourceItemID: "thread", Type: "thread", Timestamp: "2024-02-02T00:00:00Z", Data: "{}", CachedAt: "x"},
		{ID: "4", Source: "gmail", SourceItemID: "gone", Type: "email", Timestamp: "2024-02-03T00:00:00Z", Data: "{}", CachedAt: "x", ExpiresAt: strptr("2024-02-28T00:00:00Z")},
		{ID: "5", Source: "github", SourceItemID: "pr1", Type: "email", Timestamp: "2024-02-03T00:00:00Z", Data: "{}", CachedAt: "x"},
	}))

	items, err := r.QueryCachedItems(ctx, repo.CacheQuery{Source: "gmail", Type: "email", After: "2024-01-01T00:00:00Z", Now: now})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "new", items[0].SourceItemID)

	items, err = r.QueryCachedItems(ctx, repo.CacheQuery{Source: "gmail", Now: now})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	purged, err := r.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	all, err := r.ListCachedItems(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestUpsertCachedItemsRollsBackOnFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cached_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO cached_items").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = r.UpsertCachedItems(context.Background(), []domain.CachedItem{
		{ID: "1", Source: "gmail", SourceItemID: "a", Data: "{}"},
		{ID: "2", Source: "gmail", SourceItemID: "b", Data: "{}"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStagedActionRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := domain.StagedAction{
		ActionID: "act-1", ManifestID: "m", Source: "gmail", ActionType: "send_email",
		ActionData: map[string]any{"to": "x@example.com", "n": float64(2)}, Purpose: "reply",
		Status: domain.ActionPending, ProposedAt: "2024-03-01T00:00:00Z",
	}
	require.NoError(t, r.InsertStagedAction(ctx, nil, a))

	got, err := r.GetStagedAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	a.Status = domain.ActionApproved
	a.ResolvedAt = strptr("2024-03-02T00:00:00Z")
	require.NoError(t, r.UpdateStagedAction(ctx, nil, a))
	list, err := r.ListStagedActions(ctx, repo.StagedFilters{Status: domain.ActionApproved})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2024-03-02T00:00:00Z", *list[0].ResolvedAt)

	_, err = r.GetStagedAction(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, r.UpdateStagedAction(ctx, nil, domain.StagedAction{ActionID: "missing", Status: domain.ActionRejected}), repo.ErrNotFound)

	a.Status = "bogus"
	assert.Error(t, r.UpdateStagedAction(ctx, nil, a), "status is constrained by the schema")
}

func TestManifestRegistry(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertManifest(ctx, domain.StoredManifest{ID: "m1", Purpose: "p", Text: "t1", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}))
	require.NoError(t, r.UpsertManifest(ctx, domain.StoredManifest{ID: "m1", Purpose: "p2", Text: "t2", CreatedAt: "2024-05-01T00:00:00Z", UpdatedAt: "2024-05-01T00:00:00Z"}))

	m, err := r.GetManifest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "t2", m.Text)
	assert.Equal(t, "2024-01-01T00:00:00Z", m.CreatedAt)
	assert.Equal(t, "2024-05-01T00:00:00Z", m.UpdatedAt)

	list, err := r.ListManifests(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, r.DeleteManifest(ctx, "m1"))
	assert.ErrorIs(t, r.DeleteManifest(ctx, "m1"), repo.ErrNotFound)
	_, err = r.GetManifest(ctx, "m1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLatestEventsFilters(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	require.NoError(t, w.Append(ctx, nil, events.PipelineExecuted, "m1", "pipeline", "m1", "agent", nil))
	require.NoError(t, w.Append(ctx, nil, events.ActionStaged, "m1", "staged_action", "a1", "agent", events.EventPayload{"k": "v"}))
	require.NoError(t, w.Append(ctx, nil, events.PipelineExecuted, "m2", "pipeline", "m2", "", nil))

	evts, err := r.LatestEvents(ctx, repo.EventFilters{ManifestID: "m1"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.ActionStaged, evts[0].Type)
	assert.JSONEq(t, `{"k":"v"}`, evts[0].Payload)

	evts, err = r.LatestEvents(ctx, repo.EventFilters{Type: events.PipelineExecuted, Limit: 1})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "m2", evts[0].ManifestID)
	assert.Equal(t, "local", evts[0].ActorID)

	older, err := r.LatestEvents(ctx, repo.EventFilters{Cursor: evts[0].ID})
	require.NoError(t, err)
	assert.Len(t, older, 2)
}
