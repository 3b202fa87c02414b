package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func isolatedEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("EMBEDDER_DIMENSION", "2")
	t.Setenv("RUNTIME_LOG_LEVEL", "disabled")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cmd := RootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	base := []string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--env-file", filepath.Join(dir, "missing.env"),
	}
	cmd.SetArgs(append(base, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCliOverrides(t *testing.T) {
	t.Run("Should only forward explicitly set flags bound to config keys", func(t *testing.T) {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().Int("port", 0, "")
		cmd.Flags().String("host", "", "")
		cmd.Flags().String("unbound", "", "")
		bindConfigKey(cmd.Flags(), "port", "server.port")
		bindConfigKey(cmd.Flags(), "host", "server.host")
		require.NoError(t, cmd.Flags().Parse([]string{"--port", "9090", "--unbound", "x"}))
		assert.Equal(t, map[string]any{"server.port": "9090"}, cliOverrides(cmd))
	})
}

func TestVersionCmd(t *testing.T) {
	t.Run("Should print build info as JSON", func(t *testing.T) {
		out, err := runCLI(t, "version", "-o", "json")
		require.NoError(t, err)
		assert.True(t, gjson.Get(out, "version").Exists())
	})
}

func TestConfigCmd(t *testing.T) {
	t.Run("Should apply CLI overrides and redact secrets", func(t *testing.T) {
		isolatedEnv(t)
		t.Setenv("EMBEDDER_API_KEY", "sk-live-secret")
		out, err := runCLI(t, "config", "show", "-o", "json", "--log-level", "error")
		require.NoError(t, err)
		assert.NotContains(t, out, "sk-live-secret")
		assert.Equal(t, "error", gjson.Get(out, "Runtime.LogLevel").String())
		assert.Equal(t, "memory", gjson.Get(out, "Database.Driver").String())
	})

	t.Run("Should render YAML in text mode", func(t *testing.T) {
		isolatedEnv(t)
		out, err := runCLI(t, "config", "show", "-o", "text")
		require.NoError(t, err)
		assert.Contains(t, out, "Driver: memory")
	})

	t.Run("Should report where a key came from", func(t *testing.T) {
		isolatedEnv(t)
		out, err := runCLI(t, "config", "source", "database.driver", "server.port")
		require.NoError(t, err)
		assert.Contains(t, out, "env")
		assert.Contains(t, out, "default")
	})

	t.Run("Should fail on an invalid configuration", func(t *testing.T) {
		isolatedEnv(t)
		t.Setenv("REDIS_MODE", "cluster")
		_, err := runCLI(t, "config", "show")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load configuration")
	})

	t.Run("Should reject an unknown output format", func(t *testing.T) {
		isolatedEnv(t)
		_, err := runCLI(t, "config", "show", "-o", "xml")
		require.Error(t, err)
	})
}

func TestIngestCmd(t *testing.T) {
	t.Run("Should require a source", func(t *testing.T) {
		isolatedEnv(t)
		_, err := runCLI(t, "ingest")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "document id, --file or --url")
	})

	t.Run("Should require an owner when creating documents", func(t *testing.T) {
		isolatedEnv(t)
		_, err := runCLI(t, "ingest", "--file", "*.md")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--owner")
	})

	t.Run("Should reject more than one source", func(t *testing.T) {
		isolatedEnv(t)
		_, err := runCLI(t, "ingest", "doc-1", "--url", "http://example.com")
		require.Error(t, err)
	})

	t.Run("Should create documents from files and persist chunks without embeddings", func(t *testing.T) {
		isolatedEnv(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"input rejected"}}`))
		}))
		defer srv.Close()
		t.Setenv("EMBEDDER_BASE_URL", srv.URL)
		root := t.TempDir()
		content := "# Refunds\n\nRefunds take 30 days.\n\nContact support for exceptions.\n"
		require.NoError(t, os.WriteFile(filepath.Join(root, "refunds.md"), []byte(content), 0o600))
		out, err := runCLI(t,
			"ingest", "--owner", "acme", "--file", "*.md", "--root", root,
			"--policy", "null_embedding", "-o", "json",
		)
		require.NoError(t, err)
		results := gjson.Parse(out).Array()
		require.Len(t, results, 1)
		assert.NotEmpty(t, results[0].Get("document_id").String())
		assert.Equal(t, int64(3), results[0].Get("report.inserted").Int())
		assert.Len(t, results[0].Get("report.failed_embeddings").Array(), 3)
		assert.Contains(t, results[0].Get("summary").String(), "3 failed embedding")
	})

	t.Run("Should fail for an unknown document id", func(t *testing.T) {
		isolatedEnv(t)
		_, err := runCLI(t, "ingest", "00000000-0000-0000-0000-000000000000")
		require.Error(t, err)
	})
}

func TestSearchCmd(t *testing.T) {
	t.Run("Should require an owner", func(t *testing.T) {
		isolatedEnv(t)
		_, err := runCLI(t, "search", "refunds")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--owner")
	})

	t.Run("Should reject top-k above the configured maximum", func(t *testing.T) {
		isolatedEnv(t)
		_, err := runCLI(t, "search", "--owner", "acme", "--top-k", "500", "refunds")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds the maximum")
	})
}

func TestPreview(t *testing.T) {
	t.Run("Should collapse whitespace and truncate long content", func(t *testing.T) {
		assert.Equal(t, "a b c", preview("a\n\n b\tc"))
		long := preview(string(bytes.Repeat([]byte("x"), previewRunes+10)))
		assert.Len(t, []rune(long), previewRunes+1)
	})
}
