package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhishengyuan/searchgram-index/config"
	"github.com/zhishengyuan/searchgram-index/indexer"
	"github.com/zhishengyuan/searchgram-index/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// seededConfig writes a sqlite config into a temp dir and indexes msgs there.
func seededConfig(t *testing.T, msgs ...models.Message) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
index:
  engine: sqlite
  location: `+filepath.Join(dir, "data")+`
  analyzer: unicode
logging:
  level: error
`), 0o644))

	if len(msgs) > 0 {
		cfg, err := config.Load(path)
		require.NoError(t, err)
		ix, err := indexer.Open(context.Background(), cfg.IndexerOptions())
		require.NoError(t, err)
		_, err = ix.UpsertBatch(context.Background(), msgs)
		require.NoError(t, err)
		require.NoError(t, ix.Close())
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	// Given: root command
	cmd := NewRootCmd()

	// Then: every subcommand is registered
	for _, name := range []string{"serve", "search", "sample", "stats", "reset", "token"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, config.Path(), flag.DefValue)
}

func TestSearchCmd(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	path := seededConfig(t,
		models.Message{URL: "u1", ChatID: 1, PostTime: at, Content: "hello world"},
		models.Message{URL: "u2", ChatID: 2, PostTime: at.Add(time.Hour), Content: "goodbye world"},
	)

	// When: searching as text
	out, err := run(t, "search", "--config", path, "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "1 results")
	assert.Contains(t, out, "<b>hello</b> world")

	// When: searching as JSON with a chat filter
	out, err = run(t, "search", "--config", path, "--json", "--chat", "2", "world")
	require.NoError(t, err)
	var result models.SearchResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "u2", result.Hits[0].Msg.URL)

	// When: paging past the first page
	out, err = run(t, "search", "--config", path, "--page-len", "1", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "--page 2")

	// When: the query is malformed
	_, err = run(t, "search", "--config", path, "(world")
	assert.ErrorIs(t, err, indexer.ErrInvalidQuery)
}

func TestSampleAndStatsCmd(t *testing.T) {
	path := seededConfig(t, models.Message{URL: "only", ChatID: 7, PostTime: time.Now(), Content: "lonely"})

	out, err := run(t, "sample", "--config", path, "--json")
	require.NoError(t, err)
	var msg models.Message
	require.NoError(t, json.Unmarshal([]byte(out), &msg))
	assert.Equal(t, "only", msg.URL)

	out, err = run(t, "stats", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Engine:    sqlite")
	assert.Contains(t, out, "Documents: 1")
}

func TestSampleCmd_Empty(t *testing.T) {
	path := seededConfig(t)

	_, err := run(t, "sample", "--config", path)
	assert.ErrorIs(t, err, indexer.ErrEmptyIndex)
}

func TestResetCmd(t *testing.T) {
	path := seededConfig(t, models.Message{URL: "u1", PostTime: time.Now(), Content: "gone soon"})

	// Given: no confirmation
	_, err := run(t, "reset", "--config", path)
	assert.ErrorIs(t, err, errResetNotConfirmed)

	// When: confirmed
	out, err := run(t, "reset", "--config", path, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Index reset.")

	// Then: the index is empty
	_, err = run(t, "sample", "--config", path)
	assert.ErrorIs(t, err, indexer.ErrEmptyIndex)
}

func TestTokenCmd_RejectsUnknownScope(t *testing.T) {
	path := seededConfig(t)

	_, err := run(t, "token", "--config", path, "--scope", "superuser")
	assert.ErrorContains(t, err, `unknown scope "superuser"`)
}

func TestNewRouter(t *testing.T) {
	path := seededConfig(t, models.Message{URL: "u1", PostTime: time.Now(), Content: "routed"})
	cfg, err := config.Load(path)
	require.NoError(t, err)
	ix, err := indexer.Open(context.Background(), cfg.IndexerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	router, err := newRouter(cfg, ix)
	require.NoError(t, err)

	for _, p := range []string{"/", "/health", "/api/v1/ping"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, w.Code, p)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"), p)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}
