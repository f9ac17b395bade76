// Package contextsnapshot builds the per-request context passed to
// template-server rendering: the current project's path and git identity,
// the OS user, and an allow-listed slice of the process environment, hashed
// together for template-render cache keying, plus a per-build session id
// that is left out of the hash.
package contextsnapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/1mcp-app/agent/pkg/logging"
)

// Git carries the subset of repository identity the template context needs.
type Git struct {
	Dir        string `json:"dir,omitempty"`
	Branch     string `json:"branch,omitempty"`
	CommitSHA  string `json:"commitSha,omitempty"`
	RemoteURL  string `json:"remoteUrl,omitempty"`
}

// Project is the caller's working-directory identity.
type Project struct {
	Path string `json:"path"`
	Git  *Git   `json:"git,omitempty"`
}

// User is the OS-reported identity of the process owner.
type User struct {
	Username string `json:"username,omitempty"`
	Home     string `json:"home,omitempty"`
}

// Snapshot is the full per-request context, ready to flatten into a
// template-rendering context map.
type Snapshot struct {
	SessionID   string            `json:"sessionId"`
	Project     Project           `json:"project"`
	User        User              `json:"user"`
	Environment map[string]string `json:"environment,omitempty"`
	Hash        string            `json:"-"`
}

// AsMap flattens the snapshot into the dotted-key shape internal/template's
// Engine.Replace expects ({{ project.path }}, {{ project.git.branch }}, ...).
func (s Snapshot) AsMap() map[string]interface{} {
	m := map[string]interface{}{
		"sessionId": s.SessionID,
		"project": map[string]interface{}{
			"path": s.Project.Path,
		},
		"user": map[string]interface{}{
			"username": s.User.Username,
			"home":     s.User.Home,
		},
	}
	if s.Project.Git != nil {
		m["project"].(map[string]interface{})["git"] = map[string]interface{}{
			"dir":       s.Project.Git.Dir,
			"branch":    s.Project.Git.Branch,
			"commitSha": s.Project.Git.CommitSHA,
			"remoteUrl": s.Project.Git.RemoteURL,
		}
	}
	if len(s.Environment) > 0 {
		env := make(map[string]interface{}, len(s.Environment))
		for k, v := range s.Environment {
			env[k] = v
		}
		m["environment"] = map[string]interface{}{"variables": env}
	}
	return m
}

// allowedGitBinaries is the fixed set of binary names the propagator is ever
// willing to exec; nothing else, regardless of what an environment PATH
// might resolve to.
var allowedGitBinaries = map[string]bool{"git": true}

// forbiddenArgPatterns lists the shell metacharacters and the path-traversal
// sequence that argIsSafe rejects anywhere in an argument; argIsSafe also
// rejects arguments starting with "rm" or "sudo".
var forbiddenArgPatterns = []string{";", "&", "|", "`", "$", "(", ")", "{", "}", "[", "]", ".."}

func argIsSafe(arg string) bool {
	for _, bad := range forbiddenArgPatterns {
		if strings.Contains(arg, bad) {
			return false
		}
	}
	lower := strings.ToLower(arg)
	if strings.HasPrefix(lower, "rm") || strings.HasPrefix(lower, "sudo") {
		return false
	}
	return true
}

const (
	probeTimeout   = 5 * time.Second
	maxProbeOutput = 1 << 20 // 1 MiB
)

// runAllowListed execs an allow-listed binary with explicit argv (never a
// shell), caps its output, and enforces a timeout, per the constraint that
// git probes must not interpolate into a shell string.
func runAllowListed(ctx context.Context, dir, name string, args ...string) (string, error) {
	if !allowedGitBinaries[name] {
		return "", fmt.Errorf("binary %q is not allow-listed", name)
	}
	for _, a := range args {
		if !argIsSafe(a) {
			return "", fmt.Errorf("argument %q rejected by sanitizer", a)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &out, max: maxProbeOutput}
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // silently cap rather than error the probe
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	return w.buf.Write(p)
}

// sanitizePath replaces a $HOME prefix with ~ and rejects any ".." segment.
func sanitizePath(path, home string) string {
	if path == "" {
		return path
	}
	if home != "" && strings.HasPrefix(path, home) {
		path = "~" + strings.TrimPrefix(path, home)
	}
	if strings.Contains(path, "..") {
		return "~ (path rejected: contains '..')"
	}
	return path
}

// probeGit collects repository identity for dir, returning nil if dir isn't
// inside a git working tree. Individual probe failures (e.g. no remote
// configured) are tolerated field-by-field.
func probeGit(ctx context.Context, dir string) *Git {
	gitDir, err := runAllowListed(ctx, dir, "git", "rev-parse", "--git-dir")
	if err != nil {
		return nil
	}

	g := &Git{Dir: gitDir}
	if branch, err := runAllowListed(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		g.Branch = branch
	}
	if sha, err := runAllowListed(ctx, dir, "git", "rev-parse", "HEAD"); err == nil && len(sha) >= 8 {
		g.CommitSHA = sha[:8]
	}
	if remote, err := runAllowListed(ctx, dir, "git", "config", "--get", "remote.origin.url"); err == nil {
		g.RemoteURL = remote
	}
	return g
}

// EnvAllowlist is the default set of environment-variable name prefixes
// exposed into the template context; anything else, or anything matching a
// sensitive substring, is excluded regardless of prefix.
var EnvAllowlist = []string{"MCP_", "CI_", "GITHUB_", "GIT_"}

var sensitiveSubstrings = []string{"PASSWORD", "SECRET", "TOKEN", "KEY", "AUTH", "CREDENTIAL", "PRIVATE"}

func isSensitiveName(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

func collectEnvironment(allowlist []string) map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		matched := false
		for _, prefix := range allowlist {
			if strings.HasPrefix(name, prefix) {
				matched = true
				break
			}
		}
		if !matched || isSensitiveName(name) {
			continue
		}
		out[name] = value
	}
	return out
}

const sessionIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSessionSuffix() string {
	b := make([]byte, 9)
	for i := range b {
		b[i] = sessionIDAlphabet[rand.Intn(len(sessionIDAlphabet))]
	}
	return string(b)
}

// Build assembles a full Snapshot for the current process/working directory.
func Build(ctx context.Context, workDir string, envAllowlist []string) (Snapshot, error) {
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Snapshot{}, fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}
	absPath, err := filepath.Abs(workDir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolving absolute path: %w", err)
	}

	osUser, err := user.Current()
	username, home := "", ""
	if err != nil {
		logging.Warn("contextsnapshot", "could not resolve OS user: %v", err)
	} else {
		username, home = osUser.Username, osUser.HomeDir
	}

	snap := Snapshot{
		SessionID: fmt.Sprintf("ctx_%d_%s", time.Now().UnixMilli(), randomSessionSuffix()),
		Project: Project{
			Path: sanitizePath(absPath, home),
			Git:  probeGit(ctx, absPath),
		},
		User: User{
			Username: username,
			Home:     sanitizePath(home, home),
		},
		Environment: collectEnvironment(envAllowlist),
	}
	snap.Hash = snap.hashCanonical()
	return snap, nil
}

// hashCanonical returns the sha256 hex digest of the snapshot's canonical
// JSON form (excluding SessionID, which is unique per build and would
// otherwise defeat template-render caching across requests that share
// everything else).
func (s Snapshot) hashCanonical() string {
	cacheable := struct {
		Project     Project           `json:"project"`
		User        User              `json:"user"`
		Environment map[string]string `json:"environment,omitempty"`
	}{s.Project, s.User, s.Environment}

	b, err := json.Marshal(cacheable)
	if err != nil {
		// json.Marshal on this plain-data struct cannot fail; if it somehow
		// does, fall back to hashing the session id so caching degrades to
		// "never hit" instead of panicking.
		b = []byte(s.SessionID)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
