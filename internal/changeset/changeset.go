// Package changeset diffs two loaded server-config snapshots into a set of
// discrete change records, so the reload engine can apply exactly the
// minimum set of connect/disconnect/reconnect operations instead of tearing
// down and rebuilding everything on every config edit.
package changeset

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/1mcp-app/agent/internal/config"
)

// Kind identifies the nature of a single server-level change.
type Kind string

const (
	KindAddServer       Kind = "addServer"
	KindRemoveServer    Kind = "removeServer"
	KindModifyServer    Kind = "modifyServer"
	KindTransportChange Kind = "transportChange"
	KindTagsChange      Kind = "tagsChange"
)

// Change describes one server's transition between two config snapshots.
type Change struct {
	Kind   Kind
	Name   string
	Old    *config.ServerConfig
	New    *config.ServerConfig
	Detail string
}

// ImpactSummary characterizes the blast radius of a ChangeSet, used by the
// reload engine to pick between a full and a partial reload strategy.
type ImpactSummary struct {
	Added              []string
	Removed            []string
	Modified           []string
	TransportChanged   []string
	TagsOnlyChanged    []string
	RequiresFullReload bool
}

// ChangeSet is the result of diffing an old and a new server-config snapshot.
type ChangeSet struct {
	Changes []Change
	Impact  ImpactSummary
}

// IsEmpty reports whether the two snapshots produced no changes at all.
func (cs *ChangeSet) IsEmpty() bool {
	return cs == nil || len(cs.Changes) == 0
}

// Diff compares an old and new set of servers by name, producing add/remove/
// modify/transport/tags change records. A server present in both maps that
// compares equal is omitted: unchanged servers generate no record.
func Diff(old, new map[string]*config.ServerConfig) *ChangeSet {
	cs := &ChangeSet{}

	names := unionNames(old, new)
	for _, name := range names {
		oldSC, inOld := old[name]
		newSC, inNew := new[name]

		switch {
		case !inOld && inNew:
			cs.Changes = append(cs.Changes, Change{Kind: KindAddServer, Name: name, New: newSC})
			cs.Impact.Added = append(cs.Impact.Added, name)

		case inOld && !inNew:
			cs.Changes = append(cs.Changes, Change{Kind: KindRemoveServer, Name: name, Old: oldSC})
			cs.Impact.Removed = append(cs.Impact.Removed, name)

		case inOld && inNew:
			appendModifyChanges(cs, name, oldSC, newSC)
		}
	}

	sort.Slice(cs.Changes, func(i, j int) bool {
		if cs.Changes[i].Kind != cs.Changes[j].Kind {
			return kindOrder(cs.Changes[i].Kind) < kindOrder(cs.Changes[j].Kind)
		}
		return cs.Changes[i].Name < cs.Changes[j].Name
	})
	sort.Strings(cs.Impact.Added)
	sort.Strings(cs.Impact.Removed)
	sort.Strings(cs.Impact.Modified)
	sort.Strings(cs.Impact.TransportChanged)
	sort.Strings(cs.Impact.TagsOnlyChanged)

	// A bootstrap load (nothing previously connected) requires a full
	// reload; everything else, including a transport identity change (which
	// reconnects only that server), is applied as a targeted partial reload.
	cs.Impact.RequiresFullReload = len(old) == 0

	return cs
}

func appendModifyChanges(cs *ChangeSet, name string, oldSC, newSC *config.ServerConfig) {
	if transportChanged(oldSC, newSC) {
		cs.Changes = append(cs.Changes, Change{
			Kind: KindTransportChange, Name: name, Old: oldSC, New: newSC,
			Detail: "transport kind or connection target changed, requires reconnect",
		})
		cs.Impact.TransportChanged = append(cs.Impact.TransportChanged, name)
		return
	}

	tagsOnly := tagsChanged(oldSC, newSC) && !fieldsOtherThanTagsChanged(oldSC, newSC)
	if tagsOnly {
		cs.Changes = append(cs.Changes, Change{
			Kind: KindTagsChange, Name: name, Old: oldSC, New: newSC,
			Detail: "tags changed, re-evaluate session filters without reconnecting",
		})
		cs.Impact.TagsOnlyChanged = append(cs.Impact.TagsOnlyChanged, name)
		return
	}

	if !reflect.DeepEqual(canonical(oldSC), canonical(newSC)) {
		cs.Changes = append(cs.Changes, Change{Kind: KindModifyServer, Name: name, Old: oldSC, New: newSC})
		cs.Impact.Modified = append(cs.Impact.Modified, name)
	}
}

// transportChanged reports whether the connection identity of a server
// changed: its kind, or the fields that kind connects with (command, args
// and cwd for stdio, url for http/sse).
func transportChanged(old, new *config.ServerConfig) bool {
	if old.Kind != new.Kind {
		return true
	}
	switch old.Kind {
	case config.KindStdio:
		return old.Command != new.Command || !reflect.DeepEqual(old.Args, new.Args) || old.Cwd != new.Cwd
	case config.KindHTTP, config.KindSSE:
		return old.URL != new.URL
	default:
		return false
	}
}

func tagsChanged(old, new *config.ServerConfig) bool {
	return !sameStringSet(old.Tags, new.Tags)
}

// fieldsOtherThanTagsChanged compares everything except Tags (and Name,
// which is derived from the map key) via canonical JSON, so a tags-only
// edit can be distinguished from a broader modification.
func fieldsOtherThanTagsChanged(old, new *config.ServerConfig) bool {
	oldCopy := *old
	newCopy := *new
	oldCopy.Tags = nil
	newCopy.Tags = nil
	return !reflect.DeepEqual(canonical(&oldCopy), canonical(&newCopy))
}

// canonical marshals a ServerConfig through JSON so that struct field
// ordering and the unexported isTemplate flag don't affect comparisons
// (isTemplate is deliberately excluded from json tags already; marshaling
// also normalizes nil vs empty slices/maps consistently on both sides).
func canonical(sc *config.ServerConfig) string {
	b, _ := json.Marshal(sc)
	return string(b)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	aSorted := append([]string(nil), a...)
	bSorted := append([]string(nil), b...)
	sort.Strings(aSorted)
	sort.Strings(bSorted)
	for i := range aSorted {
		if aSorted[i] != bSorted[i] {
			return false
		}
	}
	return true
}

func unionNames(old, new map[string]*config.ServerConfig) []string {
	seen := make(map[string]bool, len(old)+len(new))
	names := make([]string, 0, len(old)+len(new))
	for name := range old {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range new {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func kindOrder(k Kind) int {
	switch k {
	case KindRemoveServer:
		return 0
	case KindTransportChange:
		return 1
	case KindModifyServer:
		return 2
	case KindTagsChange:
		return 3
	case KindAddServer:
		return 4
	default:
		return 5
	}
}
