package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTTL(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"7d", 7 * 24 * time.Hour, true},
		{"12h", 12 * time.Hour, true},
		{"30m", 30 * time.Minute, true},
		{" 1d ", 24 * time.Hour, true},
		{"0h", 0, true},
		{"d", 0, false},
		{"7w", 0, false},
		{"-1d", 0, false},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseTTL(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestCacheTTL(t *testing.T) {
	ttl, ok := SourceConfig{}.CacheTTL()
	assert.False(t, ok)
	assert.Zero(t, ttl)

	ttl, ok = SourceConfig{Cache: &CacheConfig{TTL: "12h"}}.CacheTTL()
	assert.True(t, ok)
	assert.Equal(t, 12*time.Hour, ttl)

	// unparseable TTLs fall back to a week rather than disabling expiry
	ttl, ok = SourceConfig{Cache: &CacheConfig{TTL: "soon"}}.CacheTTL()
	assert.True(t, ok)
	assert.Equal(t, DefaultTTL, ttl)
}

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	src, ok := cfg.Source("gmail")
	require.True(t, ok)
	assert.Equal(t, "file", src.Connector.Kind)
	assert.Equal(t, []string{"INBOX"}, src.Boundary.Labels)
	assert.True(t, cfg.WantsEncryption())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Empty(t, cfg.Webhooks)
	assert.Equal(t, cfg, Default())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown kind": `sources:
  gmail:
    connector: {kind: imap}
`,
		"file without path": `sources:
  gmail:
    connector: {kind: file}
`,
		"bad boundary": `sources:
  gmail:
    boundary: {after: yesterday}
`,
		"empty label": `sources:
  gmail:
    boundary: {labels: [""]}
`,
		"webhook without url": `webhooks:
  - events: [action.staged]
`,
		"negative webhook timeout": `webhooks:
  - url: http://127.0.0.1:9000
    timeout_seconds: -1
`,
		"bad yaml": "sources: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestWebhooksParse(t *testing.T) {
	cfg, err := FromYAML([]byte(`webhooks:
  - url: http://127.0.0.1:9000/hook
    events: [action.staged, action.committed]
    secret: s3cret
    timeout_seconds: 3
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	hook := cfg.Webhooks[0]
	assert.Equal(t, []string{"action.staged", "action.committed"}, hook.Events)
	assert.Equal(t, "s3cret", hook.Secret)
	assert.Equal(t, 3, hook.TimeoutSeconds)
	require.NotNil(t, hook.Enabled)
	assert.False(t, *hook.Enabled)
	assert.False(t, cfg.WantsEncryption())
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "wd init")

	require.NoError(t, os.WriteFile(Path(dir), []byte("sources:\n  notes: {}\n"), 0o600))
	cfg, err = Load(dir)
	require.NoError(t, err)
	_, ok := cfg.Source("notes")
	assert.True(t, ok)
}
