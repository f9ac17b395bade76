package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-app/agent/internal/config"
)

func stdio(cmd string, tags ...string) *config.ServerConfig {
	return &config.ServerConfig{Kind: config.KindStdio, Command: cmd, Tags: tags}
}

func TestDiff_AddAndRemove(t *testing.T) {
	old := map[string]*config.ServerConfig{"a": stdio("a-bin")}
	new := map[string]*config.ServerConfig{"b": stdio("b-bin")}

	cs := Diff(old, new)
	require.Len(t, cs.Changes, 2)
	assert.Equal(t, []string{"b"}, cs.Impact.Added)
	assert.Equal(t, []string{"a"}, cs.Impact.Removed)
	assert.False(t, cs.Impact.RequiresFullReload, "adds and removes against a non-empty old snapshot are a partial reload")
}

func TestDiff_NoChangesIsEmpty(t *testing.T) {
	old := map[string]*config.ServerConfig{"a": stdio("a-bin", "x")}
	new := map[string]*config.ServerConfig{"a": stdio("a-bin", "x")}

	cs := Diff(old, new)
	assert.True(t, cs.IsEmpty())
	assert.False(t, cs.Impact.RequiresFullReload)
}

func TestDiff_TagsOnlyChange(t *testing.T) {
	old := map[string]*config.ServerConfig{"a": {Kind: config.KindStdio, Command: "a-bin"}}
	new := map[string]*config.ServerConfig{"a": stdio("a-bin", "new-tag")}

	cs := Diff(old, new)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, KindTagsChange, cs.Changes[0].Kind)
	assert.Equal(t, []string{"a"}, cs.Impact.TagsOnlyChanged)
	assert.False(t, cs.Impact.RequiresFullReload)
}

func TestDiff_TransportChangeOnCommand(t *testing.T) {
	old := map[string]*config.ServerConfig{"a": stdio("old-bin")}
	new := map[string]*config.ServerConfig{"a": stdio("new-bin")}

	cs := Diff(old, new)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, KindTransportChange, cs.Changes[0].Kind)
	assert.Equal(t, []string{"a"}, cs.Impact.TransportChanged)
	assert.False(t, cs.Impact.RequiresFullReload)
}

func TestDiff_TransportChangeOnKindSwitch(t *testing.T) {
	old := map[string]*config.ServerConfig{"a": stdio("a-bin")}
	new := map[string]*config.ServerConfig{"a": {Kind: config.KindHTTP, URL: "https://example.com/mcp"}}

	cs := Diff(old, new)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, KindTransportChange, cs.Changes[0].Kind)
}

func TestDiff_ModifyNonTransportNonTagsField(t *testing.T) {
	old := map[string]*config.ServerConfig{"a": stdio("a-bin")}
	new := map[string]*config.ServerConfig{"a": stdio("a-bin")}
	new["a"].Disabled = true

	cs := Diff(old, new)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, KindModifyServer, cs.Changes[0].Kind)
	assert.Equal(t, []string{"a"}, cs.Impact.Modified)
}

func TestDiff_EmptyOldIsBootstrap(t *testing.T) {
	new := map[string]*config.ServerConfig{"a": stdio("a-bin")}
	cs := Diff(nil, new)
	assert.True(t, cs.Impact.RequiresFullReload)
}
