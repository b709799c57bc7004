package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/connector"
	"warden/internal/db"
	"warden/internal/domain"
	"warden/internal/events"
	"warden/internal/manifest"
	"warden/internal/migrate"
	"warden/internal/pipeline"
	"warden/internal/repo"
	"warden/internal/vault"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConnector struct {
	mu      sync.Mutex
	rows    []domain.DataRow
	fetches int
	params  map[string]any
	actions []string
}

func (f *fakeConnector) Fetch(_ context.Context, _ config.Boundary, params map[string]any) ([]domain.DataRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	f.params = params
	out := make([]domain.DataRow, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

func (f *fakeConnector) ExecuteAction(_ context.Context, actionType string, _ map[string]any) (domain.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, actionType)
	return domain.ActionResult{Success: true}, nil
}

type testEnv struct {
	Ctx    context.Context
	Repo   repo.Repo
	Engine *pipeline.Engine
	Gmail  *fakeConnector
	Exec   pipeline.ExecContext
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	gmail := &fakeConnector{}
	reg := connector.NewRegistry()
	reg.Register("gmail", gmail)
	cfg := &config.Config{Sources: map[string]config.SourceConfig{
		"gmail": {Cache: &config.CacheConfig{TTL: "7d", Encrypt: true}},
	}}
	key, err := vault.NewKey(bytes.Repeat([]byte{7}, vault.KeySize))
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	eng := pipeline.New(nil, &events.Writer{DB: conn, Now: func() time.Time { return testNow }})
	eng.Now = func() time.Time { return testNow }
	return testEnv{
		Ctx:    context.Background(),
		Repo:   r,
		Engine: eng,
		Gmail:  gmail,
		Exec: pipeline.ExecContext{
			Repo:     r,
			Registry: reg,
			Config:   cfg,
			Key:      key,
			CallerID: "agent-1",
		},
	}
}

func compile(t *testing.T, text string) domain.Manifest {
	t.Helper()
	m, err := manifest.Compile(text, "")
	require.NoError(t, err)
	return m
}

func emails(n int) []domain.DataRow {
	rows := make([]domain.DataRow, 0, n)
	for i := 0; i < n; i++ {
		labels := []any{"INBOX"}
		if i%2 == 0 {
			labels = append(labels, "important")
		}
		rows = append(rows, domain.DataRow{
			Source:       "gmail",
			SourceItemID: fmt.Sprintf("m%d", i),
			Type:         "email",
			Timestamp:    testNow.Add(-time.Duration(i) * time.Hour).Format(time.RFC3339),
			Data: map[string]any{
				"title":  fmt.Sprintf("Subject %d", i),
				"body":   fmt.Sprintf("call me, my ssn is 123-45-67%02d thanks", i),
				"author": "someone@example.com",
				"labels": labels,
			},
		})
	}
	return rows
}

func TestCacheShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = []domain.DataRow{{Source: "gmail", SourceItemID: "other", Type: "email", Timestamp: testNow.Format(time.RFC3339), Data: map[string]any{"title": "from remote"}}}

	sealed, err := env.Exec.Key.Seal(`{"title":"from cache","body":"secret"}`)
	require.NoError(t, err)
	require.NoError(t, env.Repo.UpsertCachedItems(env.Ctx, []domain.CachedItem{{
		ID: "c1", Source: "gmail", SourceItemID: "m1", Type: "email",
		Timestamp: "2024-02-01T00:00:00Z", Data: sealed, CachedAt: testNow.Format(time.RFC3339),
	}}))

	m := compile(t, `@purpose: "read titles"
@graph: p -> s
p: pull { source: "gmail", type: "email" }
s: select { fields: ["title"] }`)
	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, map[string]any{"title": "from cache"}, res.Data[0].Data)
	assert.Equal(t, "m1", res.Data[0].SourceItemID)
	assert.Equal(t, 0, env.Gmail.fetches)
	assert.Equal(t, 1, res.Meta.ItemsFetched)
}

func TestPullTreatsUndecryptableAsPlaintext(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Repo.UpsertCachedItems(env.Ctx, []domain.CachedItem{{
		ID: "c1", Source: "gmail", SourceItemID: "legacy", Type: "email",
		Timestamp: "2024-02-01T00:00:00Z", Data: `{"title":"plain"}`, CachedAt: testNow.Format(time.RFC3339),
	}}))
	m := compile(t, "@purpose: \"x\"\n@graph: p\np: pull { source: \"gmail\" }")
	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "plain", res.Data[0].Data["title"])
}

func TestPullSkipsExpiredAndFallsBackToConnector(t *testing.T) {
	env := newTestEnv(t)
	expired := testNow.Add(-time.Minute).Format(time.RFC3339)
	require.NoError(t, env.Repo.UpsertCachedItems(env.Ctx, []domain.CachedItem{{
		ID: "c1", Source: "gmail", SourceItemID: "old", Type: "email",
		Timestamp: "2024-02-01T00:00:00Z", Data: `{}`, CachedAt: "2024-01-01T00:00:00Z", ExpiresAt: &expired,
	}}))
	env.Gmail.rows = emails(3)
	m := compile(t, "@purpose: \"x\"\n@graph: p\np: pull { source: \"gmail\", type: \"email\", limit: 3 }")
	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	assert.Len(t, res.Data, 3)
	assert.Equal(t, 1, env.Gmail.fetches)
	assert.Equal(t, int64(3), env.Gmail.params["limit"])
	assert.Equal(t, "email", env.Gmail.params["type"])

	n, err := env.Repo.CountCachedItems(env.Ctx, "gmail")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "connector rows are not cached by pull")
}

func TestFullChainRedacts(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = emails(10)
	m := compile(t, `@purpose: "Find relevant emails by keyword for AI assistant"
@graph: pull_emails -> select_fields -> redact_sensitive
pull_emails: pull { source: "gmail", type: "email" }
select_fields: select { fields: ["title", "body"] }
redact_sensitive: transform { kind: "redact", field: "body", pattern: "\\d{3}-\\d{2}-\\d{4}", replacement: "[REDACTED]" }`)

	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	require.Len(t, res.Data, 10)
	ssn := regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
	for _, row := range res.Data {
		keys := make([]string, 0, len(row.Data))
		for k := range row.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		assert.Equal(t, []string{"body", "title"}, keys)
		body := row.Data["body"].(string)
		assert.False(t, ssn.MatchString(body), body)
		assert.Contains(t, body, "[REDACTED]")
	}
	assert.Equal(t, []string{"pull_emails:pull", "select_fields:select", "redact_sensitive:transform"}, res.Meta.OperatorsApplied)
	assert.Equal(t, 10, res.Meta.ItemsFetched)
	assert.Equal(t, 10, res.Meta.ItemsReturned)
	assert.Nil(t, res.ActionResult)
}

func TestMidChainStore(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = emails(10)
	m := compile(t, `@purpose: "important mail"
@graph: p -> keep -> s -> f
p: pull { source: "gmail" }
keep: store
s: select { fields: ["title", "labels"] }
f: filter { field: "labels", op: "contains", value: "important" }`)

	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	assert.Len(t, res.Data, 5)
	for _, row := range res.Data {
		assert.Len(t, row.Data, 2)
	}

	items, err := env.Repo.ListCachedItems(env.Ctx, "gmail", 0)
	require.NoError(t, err)
	require.Len(t, items, 10)
	for _, it := range items {
		assert.True(t, vault.IsSealed(it.Data), "stored payload is encrypted")
		require.NotNil(t, it.ExpiresAt)
		assert.Equal(t, testNow.Add(7*24*time.Hour).Format(time.RFC3339), *it.ExpiresAt)
	}

	// A second run is answered from the cache with full payloads.
	res, err = env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	assert.Len(t, res.Data, 5)
	assert.Equal(t, 1, env.Gmail.fetches)
}

func TestStoreWithoutKeyOrTTL(t *testing.T) {
	env := newTestEnv(t)
	env.Exec.Key = nil
	env.Exec.Config = nil
	env.Gmail.rows = emails(2)
	m := compile(t, "@purpose: \"x\"\n@graph: p -> s\np: pull { source: \"gmail\" }\ns: store")
	_, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	it, err := env.Repo.GetCachedItem(env.Ctx, "gmail", "m0")
	require.NoError(t, err)
	assert.Nil(t, it.ExpiresAt)
	assert.False(t, vault.IsSealed(it.Data))
	assert.Contains(t, it.Data, `"title":"Subject 0"`)
}

func TestStageTerminates(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = emails(4)
	env.Exec.ActionData = map[string]any{"to": "boss@example.com"}
	m := compile(t, `@purpose: "draft a reply"
@graph: p -> draft
p: pull { source: "gmail" }
draft: stage { action_type: "send_email", source: "gmail", data: {"subject": "Re: hi", "to": "nobody"} }`)

	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	require.NotNil(t, res.ActionResult)
	assert.True(t, res.ActionResult.Success)
	assert.Equal(t, "pending", res.ActionResult.ResultData["status"])
	assert.Empty(t, res.Data)

	id := res.ActionResult.ResultData["actionId"].(string)
	a, err := env.Repo.GetStagedAction(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, a.Status)
	assert.Equal(t, "send_email", a.ActionType)
	assert.Equal(t, "gmail", a.Source)
	assert.Equal(t, m.ID, a.ManifestID)
	assert.Equal(t, "draft a reply", a.Purpose)
	assert.Equal(t, map[string]any{"subject": "Re: hi", "to": "boss@example.com"}, a.ActionData)
	assert.Nil(t, a.ResolvedAt)
	assert.Empty(t, env.Gmail.actions, "staging never executes the action")

	evts, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{ManifestID: m.ID})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{events.PipelineExecuted, events.ActionStaged}, types)
}

func TestStageMustBeLast(t *testing.T) {
	env := newTestEnv(t)
	m := compile(t, `@purpose: "x"
@graph: draft -> s
draft: stage { action_type: "send_email" }
s: select { fields: ["title"] }`)
	_, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrStagePosition))
	var oe *pipeline.OperatorError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "draft", oe.Name)

	staged, err := env.Repo.ListStagedActions(env.Ctx, repo.StagedFilters{})
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestUndeclaredOperatorFailsBeforeRunning(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = emails(1)
	m := domain.Manifest{
		ID: "m", Purpose: "x", Graph: []string{"p", "ghost"},
		Operators: map[string]domain.OperatorDecl{"p": {Name: "p", Type: "pull", Properties: map[string]any{"source": "gmail"}}},
	}
	_, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.ErrorIs(t, err, pipeline.ErrUndeclaredOperator)
	assert.Contains(t, err.Error(), "undeclared operator: ghost")
	assert.Equal(t, 0, env.Gmail.fetches)
}

func TestOperatorErrorsAbortWithoutData(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = emails(3)
	cases := []struct {
		name string
		text string
		want error
	}{
		{"no connector", "p: pull { source: \"github\" }", pipeline.ErrNoConnector},
		{"unknown op", "p: pull { source: \"gmail\" }\nx: filter { field: \"title\", op: \"like\" }", pipeline.ErrUnknownFilterOp},
		{"unknown kind", "p: pull { source: \"gmail\" }\nx: transform { kind: \"shout\", field: \"title\" }", pipeline.ErrUnknownTransformKind},
		{"missing fields", "p: pull { source: \"gmail\" }\nx: select", pipeline.ErrMissingProperty},
		{"missing action type", "p: pull { source: \"gmail\" }\nx: stage", pipeline.ErrMissingProperty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			graph := "p"
			if tc.want != pipeline.ErrNoConnector {
				graph = "p -> x"
			}
			m := compile(t, "@purpose: \"x\"\n@graph: "+graph+"\n"+tc.text)
			res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
			require.ErrorIs(t, err, tc.want)
			var oe *pipeline.OperatorError
			require.True(t, errors.As(err, &oe))
			assert.NotEmpty(t, oe.Name)
			assert.Nil(t, res.Data)
		})
	}
}

func TestEmptyInputPropagates(t *testing.T) {
	env := newTestEnv(t)
	m := compile(t, `@purpose: "x"
@graph: p -> keep -> s -> f -> t
p: pull { source: "gmail" }
keep: store
s: select { fields: ["title"] }
f: filter { field: "title", op: "eq", value: "a" }
t: transform { kind: "truncate", field: "title", max_length: 3 }`)
	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	assert.NotNil(t, res.Data)
	assert.Empty(t, res.Data)
	assert.Len(t, res.Meta.OperatorsApplied, 5)
	assert.Equal(t, 0, res.Meta.ItemsReturned)
}

func TestFailedRunIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	m := compile(t, "@purpose: \"x\"\n@graph: p\np: pull { source: \"nowhere\" }")
	_, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.Error(t, err)
	evts, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.PipelineFailed})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "agent-1", evts[0].ActorID)
	assert.Contains(t, evts[0].Payload, "no connector for source")
}

func TestRedactHonoursWordBoundaries(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = append(emails(3), domain.DataRow{
		Source: "gmail", SourceItemID: "plural", Type: "email", Timestamp: testNow.Format(time.RFC3339),
		Data: map[string]any{"body": "ssns are issued yearly"},
	})
	m := compile(t, `@purpose: "mask ids"
@graph: p -> r
p: pull { source: "gmail" }
r: transform { kind: "redact", field: "body", pattern: "\bssn\b", replacement: "[X]" }`)

	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	require.Len(t, res.Data, 4)
	for _, row := range res.Data {
		body := row.Data["body"].(string)
		if row.SourceItemID == "plural" {
			assert.Equal(t, "ssns are issued yearly", body)
			continue
		}
		assert.Contains(t, body, "my [X] is", body)
		assert.NotContains(t, body, "ssn", body)
	}
}

func TestStoredPayloadsSurviveEncryptedCache(t *testing.T) {
	env := newTestEnv(t)
	payload := map[string]any{
		"title":  "Quarterly",
		"score":  4.5,
		"count":  float64(3),
		"unread": true,
		"note":   nil,
		"thread": []any{
			map[string]any{"from": "a@example.com", "flags": []any{"seen", false}},
			[]any{float64(1), "two", map[string]any{}},
		},
		"meta": map[string]any{"nested": map[string]any{"deep": []any{}}},
	}
	env.Gmail.rows = []domain.DataRow{{
		Source: "gmail", SourceItemID: "q1", Type: "email", Timestamp: testNow.Format(time.RFC3339), Data: payload,
	}}
	m := compile(t, "@purpose: \"keep\"\n@graph: p -> s\np: pull { source: \"gmail\" }\ns: store")

	_, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	it, err := env.Repo.GetCachedItem(env.Ctx, "gmail", "q1")
	require.NoError(t, err)
	assert.True(t, vault.IsSealed(it.Data))

	res, err := env.Engine.Execute(env.Ctx, m, env.Exec)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Gmail.fetches, "second run is served from the cache")
	require.Len(t, res.Data, 1)
	got := res.Data[0]
	assert.Equal(t, "q1", got.SourceItemID)
	assert.Equal(t, "email", got.Type)
	assert.Equal(t, testNow.Format(time.RFC3339), got.Timestamp)
	assert.Equal(t, payload, got.Data)
}

func TestWritingOperatorsNeedStorage(t *testing.T) {
	env := newTestEnv(t)
	env.Gmail.rows = emails(2)
	env.Exec.Repo = repo.Repo{}

	for _, text := range []string{
		"@purpose: \"x\"\n@graph: p -> s\np: pull { source: \"gmail\" }\ns: store",
		"@purpose: \"x\"\n@graph: p -> s\np: pull { source: \"gmail\" }\ns: stage { action_type: \"send_email\" }",
	} {
		var res pipeline.Result
		var err error
		require.NotPanics(t, func() { res, err = env.Engine.Execute(env.Ctx, compile(t, text), env.Exec) })
		require.ErrorIs(t, err, pipeline.ErrNoStorage)
		var opErr *pipeline.OperatorError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "s", opErr.Name)
		assert.Empty(t, res.Data)
	}
}
