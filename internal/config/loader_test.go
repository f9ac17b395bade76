package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-app/agent/internal/errs"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_StaticStdioServer(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpServers": {
			"fs": {
				"kind": "stdio",
				"command": "mcp-server-filesystem",
				"args": ["/tmp"],
				"tags": ["files"]
			}
		}
	}`)

	result, err := Load(path, DefaultOptions())
	require.NoError(t, err)
	require.Contains(t, result.Servers, "fs")
	assert.Equal(t, KindStdio, result.Servers["fs"].Kind)
	assert.Equal(t, "mcp-server-filesystem", result.Servers["fs"].Command)
	assert.Empty(t, result.Warnings)
}

func TestLoad_JSON5CommentsAndTrailingCommas(t *testing.T) {
	path := writeTempConfig(t, `{
		// this is a comment
		"mcpServers": {
			"fs": {
				"kind": "stdio",
				"command": "mcp-server-filesystem", /* inline comment */
				"args": ["/tmp",],
			},
		},
	}`)

	result, err := Load(path, DefaultOptions())
	require.NoError(t, err)
	require.Contains(t, result.Servers, "fs")
	assert.Equal(t, []string{"/tmp"}, result.Servers["fs"].Args)
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("MCP_TOKEN", "secret-value")
	path := writeTempConfig(t, `{
		"mcpServers": {
			"remote": {
				"kind": "http",
				"url": "https://example.com/mcp",
				"headers": {"Authorization": "Bearer ${MCP_TOKEN}"}
			}
		}
	}`)

	result, err := Load(path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-value", result.Servers["remote"].Headers["Authorization"])
}

func TestLoad_EnvSubstitutionMissingVarBecomesEmpty(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpServers": {
			"remote": {
				"kind": "http",
				"url": "https://example.com/mcp",
				"headers": {"Authorization": "Bearer ${DEFINITELY_NOT_SET_XYZ}"}
			}
		}
	}`)

	result, err := Load(path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "Bearer ", result.Servers["remote"].Headers["Authorization"])
}

func TestLoad_TemplateServerRendered(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpTemplates": {
			"proj": {
				"kind": "stdio",
				"command": "mcp-server-{{ lang }}",
				"args": ["{{ root }}"]
			}
		}
	}`)

	opts := DefaultOptions()
	opts.RenderContext = map[string]interface{}{"lang": "python", "root": "/workspace"}

	result, err := Load(path, opts)
	require.NoError(t, err)
	require.Contains(t, result.Servers, "proj")
	assert.Equal(t, "mcp-server-python", result.Servers["proj"].Command)
	assert.Equal(t, []string{"/workspace"}, result.Servers["proj"].Args)
	assert.True(t, result.Servers["proj"].IsTemplate())
}

func TestLoad_TemplateRenderFailureGracefulKeepsUnrendered(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpTemplates": {
			"proj": {
				"kind": "stdio",
				"command": "mcp-server-{{ lang }}"
			}
		},
		"templateSettings": {"failureMode": "graceful"}
	}`)

	result, err := Load(path, DefaultOptions())
	require.NoError(t, err)
	require.Contains(t, result.Servers, "proj")
	assert.Equal(t, "mcp-server-{{ lang }}", result.Servers["proj"].Command)
	require.Len(t, result.Warnings, 1)
}

func TestLoad_TemplateRenderFailureStrictAborts(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpTemplates": {
			"proj": {
				"kind": "stdio",
				"command": "mcp-server-{{ lang }}"
			}
		},
		"templateSettings": {"failureMode": "strict"}
	}`)

	_, err := Load(path, DefaultOptions())
	require.Error(t, err)
	var renderErr *errs.RenderError
	assert.ErrorAs(t, err, &renderErr)
}

func TestLoad_TemplateWinsOnNameConflict(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpServers": {
			"shared": {"kind": "stdio", "command": "static-binary"}
		},
		"mcpTemplates": {
			"shared": {"kind": "stdio", "command": "{{ bin }}"}
		}
	}`)

	opts := DefaultOptions()
	opts.RenderContext = map[string]interface{}{"bin": "templated-binary"}

	result, err := Load(path, opts)
	require.NoError(t, err)
	assert.Equal(t, "templated-binary", result.Servers["shared"].Command)
	assert.True(t, result.Servers["shared"].IsTemplate())
	require.Len(t, result.Warnings, 1)
}

func TestLoad_MissingKindAndFieldsIsValidationError(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpServers": {
			"broken": {"tags": ["x"]}
		}
	}`)

	_, err := Load(path, DefaultOptions())
	require.Error(t, err)
	var validationErr *errs.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestLoad_UnknownFailureModeIsValidationError(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpServers": {"fs": {"kind": "stdio", "command": "x"}},
		"templateSettings": {"failureMode": "bogus"}
	}`)

	_, err := Load(path, DefaultOptions())
	require.Error(t, err)
	var validationErr *errs.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestLoad_FileNotFoundIsIOError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), DefaultOptions())
	require.Error(t, err)
	var ioErr *errs.IOError
	assert.ErrorAs(t, err, &ioErr)
}

func TestLoad_InvalidJSONIsParseError(t *testing.T) {
	path := writeTempConfig(t, `{ not valid json`)
	_, err := Load(path, DefaultOptions())
	require.Error(t, err)
	var parseErr *errs.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestLoad_InferKindFromURLSuffix(t *testing.T) {
	path := writeTempConfig(t, `{
		"mcpServers": {
			"a": {"url": "https://example.com/mcp"},
			"b": {"url": "https://example.com/sse"}
		}
	}`)

	result, err := Load(path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, KindHTTP, result.Servers["a"].Kind)
	assert.Equal(t, KindSSE, result.Servers["b"].Kind)
}
