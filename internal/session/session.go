// Package session implements the Inbound Session Store (per-client tag
// filter state with dual-trigger disk persistence) and the Session Filter
// (tag-query matching that decides which aggregated capabilities a given
// inbound session can see).
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1mcp-app/agent/pkg/logging"
)

// Mode selects how a session's tags are matched against a server's tags.
type Mode string

const (
	ModeSimpleOr  Mode = "simple-or"
	ModeSimpleAnd Mode = "simple-and"
	ModeAdvanced  Mode = "advanced"
	ModePreset    Mode = "preset"
)

// DefaultPersistRequests is the request-count trigger for a disk write.
const DefaultPersistRequests = 100

// DefaultPersistInterval is the elapsed-time trigger for a disk write.
const DefaultPersistInterval = 5 * time.Minute

// DefaultBackgroundFlush is how often the store sweeps for dirty sessions
// regardless of whether either trigger fired.
const DefaultBackgroundFlush = 60 * time.Second

// DefaultTTL is how long a session survives without being touched.
const DefaultTTL = 24 * time.Hour

// Session is one inbound client's filter state.
type Session struct {
	ID               string    `json:"sessionId"`
	Tags             []string  `json:"tags,omitempty"`
	TagExpression    string    `json:"tagExpression,omitempty"` // canonical string form of the parsed advanced-mode expression
	TagQuery         string    `json:"tagQuery,omitempty"`      // raw query as supplied by the client, kept for round-tripping
	TagFilterMode    Mode      `json:"tagFilterMode"`
	PresetName       string    `json:"presetName,omitempty"`
	EnablePagination bool      `json:"enablePagination,omitempty"`
	CustomTemplate   string    `json:"customTemplate,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	LastAccessedAt   time.Time `json:"lastAccessedAt"`

	mu            sync.Mutex
	expr          *Expr
	requestCount  int
	lastPersistAt time.Time
	dirty         bool
	ttl           time.Duration
}

// Expires returns the moment this session becomes eligible for GC.
func (s *Session) Expires() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.LastAccessedAt
	if s.CreatedAt.After(last) {
		last = s.CreatedAt
	}
	return last.Add(s.ttl)
}

// Options configures a Store.
type Options struct {
	// Dir is where session files are persisted. Ignored if Enabled is false.
	Dir string
	// Prefix namespaces session filenames, e.g. a gateway instance name.
	Prefix string

	PersistRequests int
	PersistInterval time.Duration
	BackgroundFlush time.Duration
	TTL             time.Duration

	// Enabled is the sessionPersistence feature flag; when false the store
	// is memory-only and a restart loses every session.
	Enabled bool
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		PersistRequests: DefaultPersistRequests,
		PersistInterval: DefaultPersistInterval,
		BackgroundFlush: DefaultBackgroundFlush,
		TTL:             DefaultTTL,
	}
}

// Store is the in-memory map of live sessions, authoritative at all times,
// with an optional write-through to disk.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	opts Options

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Store. Call Start to begin the background flush loop.
func New(opts Options) *Store {
	if opts.PersistRequests <= 0 {
		opts.PersistRequests = DefaultPersistRequests
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultPersistInterval
	}
	if opts.BackgroundFlush <= 0 {
		opts.BackgroundFlush = DefaultBackgroundFlush
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Store{
		sessions: make(map[string]*Session),
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
}

// Create registers a new session and returns it.
func (st *Store) Create(tags []string, mode Mode, rawQuery string, presetName string) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:             fmt.Sprintf("sess_%s", uuid.NewString()),
		Tags:           append([]string(nil), tags...),
		TagQuery:       rawQuery,
		TagFilterMode:  mode,
		PresetName:     presetName,
		CreatedAt:      now,
		LastAccessedAt: now,
		lastPersistAt:  now,
		ttl:            st.opts.TTL,
	}

	if mode == ModeAdvanced && rawQuery != "" {
		expr, err := ParseExpression(rawQuery)
		if err != nil {
			// Malformed tag query: keep the session but with weaker
			// filtering (no expression means "visible to no one" in
			// advanced mode) rather than refusing to create it.
			logging.Warn("session", "session %q has unparseable tag expression, filtering will deny all: %v", s.ID, err)
		} else {
			s.expr = expr
			s.TagExpression = expr.String()
		}
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	st.markDirty(s)
	return s, nil
}

// Get returns a session without counting it as a request, garbage-collecting
// it first if its TTL has elapsed.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(s.Expires()) {
		st.Delete(id)
		return nil, false
	}
	return s, true
}

// RecordRequest touches a session's activity counters and, per the
// dual-trigger policy, persists it to disk if either the request-count or
// elapsed-time threshold has been crossed since its last persist.
func (st *Store) RecordRequest(id string) (*Session, bool) {
	s, ok := st.Get(id)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	s.requestCount++
	s.LastAccessedAt = time.Now()
	s.dirty = true
	due := s.requestCount >= st.opts.PersistRequests ||
		time.Since(s.lastPersistAt) >= st.opts.PersistInterval
	s.mu.Unlock()

	if due {
		st.persist(s)
	}
	return s, true
}

// Delete removes a session from the store and its on-disk file, if any.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()

	if st.opts.Enabled && st.opts.Dir != "" {
		if err := os.Remove(st.sessionPath(id)); err != nil && !os.IsNotExist(err) {
			logging.Warn("session", "failed to remove session file for %q: %v", id, err)
		}
	}
}

func (st *Store) markDirty(s *Session) {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// sessionPath returns the on-disk path for a session id, matching
// sessions/<prefix>-<sessionId>.json (no dash when prefix is empty).
func (st *Store) sessionPath(id string) string {
	name := id + ".json"
	if st.opts.Prefix != "" {
		name = st.opts.Prefix + "-" + name
	}
	return filepath.Join(st.opts.Dir, name)
}

func (st *Store) persist(s *Session) {
	if !st.opts.Enabled {
		s.mu.Lock()
		s.requestCount = 0
		s.lastPersistAt = time.Now()
		s.dirty = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		logging.Error("session", err, "failed to marshal session %q", s.ID)
		return
	}

	if err := os.MkdirAll(st.opts.Dir, 0o755); err != nil {
		logging.Error("session", err, "failed to create session directory %q", st.opts.Dir)
		return
	}
	if err := os.WriteFile(st.sessionPath(s.ID), data, 0o600); err != nil {
		logging.Error("session", err, "failed to persist session %q", s.ID)
		return
	}

	s.mu.Lock()
	s.requestCount = 0
	s.lastPersistAt = time.Now()
	s.dirty = false
	s.mu.Unlock()
}

// flushDirty persists every session currently marked dirty.
func (st *Store) flushDirty() {
	st.mu.RLock()
	dirty := make([]*Session, 0)
	for _, s := range st.sessions {
		s.mu.Lock()
		isDirty := s.dirty
		s.mu.Unlock()
		if isDirty {
			dirty = append(dirty, s)
		}
	}
	st.mu.RUnlock()

	for _, s := range dirty {
		st.persist(s)
	}
}

// sweepExpired garbage-collects any session whose TTL has elapsed.
func (st *Store) sweepExpired() {
	now := time.Now()
	st.mu.RLock()
	expired := make([]string, 0)
	for id, s := range st.sessions {
		if now.After(s.Expires()) {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range expired {
		st.Delete(id)
	}
}

// Start launches the background flush/GC loop. Safe to call at most once.
func (st *Store) Start() {
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(st.opts.BackgroundFlush)
		defer ticker.Stop()
		for {
			select {
			case <-st.stopCh:
				return
			case <-ticker.C:
				st.flushDirty()
				st.sweepExpired()
			}
		}
	}()
}

// Stop flushes every dirty session and halts the background loop.
func (st *Store) Stop() {
	st.stopOnce.Do(func() { close(st.stopCh) })
	st.wg.Wait()
	st.flushDirty()
}

// LoadAll reads every persisted session file matching the configured prefix
// back into memory. Called once at startup when sessionPersistence is
// enabled. A single malformed file is logged and skipped rather than
// aborting the whole load.
func (st *Store) LoadAll() error {
	if !st.opts.Enabled || st.opts.Dir == "" {
		return nil
	}
	entries, err := os.ReadDir(st.opts.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session directory: %w", err)
	}

	prefix := ""
	if st.opts.Prefix != "" {
		prefix = st.opts.Prefix + "-"
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if prefix != "" && len(entry.Name()) < len(prefix) {
			continue
		}
		if prefix != "" && entry.Name()[:len(prefix)] != prefix {
			continue
		}

		path := filepath.Join(st.opts.Dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logging.Warn("session", "skipping unreadable session file %q: %v", path, err)
			continue
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			logging.Warn("session", "skipping malformed session file %q: %v", path, err)
			continue
		}
		s.ttl = st.opts.TTL
		if s.TagFilterMode == ModeAdvanced && s.TagExpression != "" {
			if expr, err := ParseExpression(s.TagExpression); err != nil {
				logging.Warn("session", "session %q has unparseable persisted tag expression, filtering will deny all: %v", s.ID, err)
			} else {
				s.expr = expr
			}
		}

		st.mu.Lock()
		st.sessions[s.ID] = &s
		st.mu.Unlock()
	}
	return nil
}

// Len returns the number of live sessions, for diagnostics/tests.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// All returns every session id currently tracked, sorted for determinism.
func (st *Store) All() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
