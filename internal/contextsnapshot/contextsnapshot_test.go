package contextsnapshot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePath_ReplacesHomePrefix(t *testing.T) {
	assert.Equal(t, "~/work/project", sanitizePath("/home/alice/work/project", "/home/alice"))
}

func TestSanitizePath_RejectsTraversal(t *testing.T) {
	got := sanitizePath("/home/alice/../../etc", "/home/alice")
	assert.Contains(t, got, "rejected")
}

func TestSanitizePath_EmptyIsUnchanged(t *testing.T) {
	assert.Equal(t, "", sanitizePath("", "/home/alice"))
}

func TestArgIsSafe_RejectsShellMetacharactersAndDestructiveCommands(t *testing.T) {
	for _, bad := range []string{"; rm -rf /", "$(whoami)", "a && b", "../secrets", "sudo reboot", "rm-rf"} {
		assert.False(t, argIsSafe(bad), "expected %q to be rejected", bad)
	}
}

func TestArgIsSafe_AllowsOrdinaryGitArgs(t *testing.T) {
	for _, ok := range []string{"--git-dir", "HEAD", "--abbrev-ref", "remote.origin.url"} {
		assert.True(t, argIsSafe(ok))
	}
}

func TestRunAllowListed_RejectsNonAllowlistedBinary(t *testing.T) {
	_, err := runAllowListed(context.Background(), ".", "curl", "http://example.com")
	assert.Error(t, err)
}

func TestRunAllowListed_RejectsUnsafeArgs(t *testing.T) {
	_, err := runAllowListed(context.Background(), ".", "git", "status; rm -rf /")
	assert.Error(t, err)
}

func TestCollectEnvironment_FiltersByPrefixAndSensitivity(t *testing.T) {
	t.Setenv("MCP_SAFE", "1")
	t.Setenv("MCP_API_TOKEN", "leak")
	t.Setenv("UNRELATED", "2")

	env := collectEnvironment([]string{"MCP_"})
	assert.Equal(t, "1", env["MCP_SAFE"])
	assert.NotContains(t, env, "MCP_API_TOKEN")
	assert.NotContains(t, env, "UNRELATED")
}

func TestBuild_ProducesStableHashForIdenticalInputsExceptSessionID(t *testing.T) {
	dir := t.TempDir()

	snap1, err := Build(context.Background(), dir, []string{"MCP_"})
	require.NoError(t, err)
	snap2, err := Build(context.Background(), dir, []string{"MCP_"})
	require.NoError(t, err)

	assert.NotEqual(t, snap1.SessionID, snap2.SessionID)
	assert.Equal(t, snap1.Hash, snap2.Hash)
}

func TestBuild_DetectsGitRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "init")

	snap, err := Build(context.Background(), dir, nil)
	require.NoError(t, err)
	require.NotNil(t, snap.Project.Git)
	assert.NotEmpty(t, snap.Project.Git.CommitSHA)
}

func TestAsMap_FlattensProjectAndUser(t *testing.T) {
	snap := Snapshot{
		SessionID: "ctx_1_abc",
		Project:   Project{Path: "~/proj", Git: &Git{Branch: "main"}},
		User:      User{Username: "alice", Home: "~"},
	}
	m := snap.AsMap()

	project := m["project"].(map[string]interface{})
	assert.Equal(t, "~/proj", project["path"])
	git := project["git"].(map[string]interface{})
	assert.Equal(t, "main", git["branch"])
}
