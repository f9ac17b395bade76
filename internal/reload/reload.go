// Package reload implements the Selective Reload Engine: given a changeset
// produced by internal/changeset, it applies the minimal set of
// connect/disconnect/capability-refresh operations needed to bring the
// running gateway in line with a newly loaded configuration, removes before
// adds, and can be asked to only report what it would do (dry-run) instead
// of doing it.
package reload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/1mcp-app/agent/internal/capabilities"
	"github.com/1mcp-app/agent/internal/changeset"
	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/outbound"
	"github.com/1mcp-app/agent/internal/outbound/transport"
	"github.com/1mcp-app/agent/pkg/logging"
)

// State is a stage in the reload state machine. Transitions only ever move
// forward, except for the two terminal failure branches.
type State string

const (
	StatePending    State = "pending"
	StateAnalyzing  State = "analyzing"
	StatePreparing  State = "preparing"
	StateReloading  State = "reloading"
	StateMigrating  State = "migrating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// Strategy picks how a changeset is applied.
type Strategy string

const (
	// StrategyFull disconnects every server the changeset names and connects
	// every server in the new document, used when the changeset's impact
	// requires it (a bootstrap load).
	StrategyFull Strategy = "full"
	// StrategyPartial only touches the servers the changeset actually names.
	StrategyPartial Strategy = "partial"
	// StrategyDryRun computes and reports the plan without applying it.
	StrategyDryRun Strategy = "dry-run"
)

// Connector is the subset of outbound.Manager the reload engine drives.
type Connector interface {
	Connect(ctx context.Context, name string, sc *config.ServerConfig) (*outbound.Connection, error)
	Disconnect(name string) error
}

// CapabilityUpdater is the subset of capabilities.Aggregator the reload
// engine drives; satisfied directly by *capabilities.Aggregator.
type CapabilityUpdater interface {
	Update(serverName string, caps capabilities.ServerCapabilities) capabilities.Aggregated
	Remove(serverName string) capabilities.Aggregated
}

// Describer fetches a freshly connected server's capability set. The
// gateway supplies this since it owns the mcp-go client calls
// (ListTools/ListResources/ListPrompts); the reload engine stays agnostic of
// the wire protocol.
type Describer func(ctx context.Context, client transport.Client) (capabilities.ServerCapabilities, error)

// Plan is what a reload would do, independent of whether it is actually
// applied (StrategyDryRun stops here).
type Plan struct {
	Strategy    Strategy
	Disconnects []string // server names to disconnect, in order
	Connects    []string // server names to (re)connect, in order
}

// Result is the outcome of an applied (non-dry-run) reload.
type Result struct {
	Plan       Plan
	FinalState State
	Errors     map[string]error
	RolledBack bool
}

// Engine applies changesets against a Connector and CapabilityUpdater.
type Engine struct {
	mu           sync.Mutex
	state        State
	connector    Connector
	capabilities CapabilityUpdater
	describe     Describer
}

// New creates a reload Engine. describe may be nil only if every reload this
// engine ever applies is StrategyDryRun.
func New(connector Connector, caps CapabilityUpdater, describe Describer) *Engine {
	return &Engine{
		state:        StatePending,
		connector:    connector,
		capabilities: caps,
		describe:     describe,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// ComputePlan computes what a reload would do for a changeset without
// applying it. requested may be StrategyPartial to prefer a minimal reload;
// the engine upgrades to StrategyFull whenever the changeset's impact
// requires it (a bootstrap load). A transport identity change stays partial:
// only that server is disconnected and reconnected.
func ComputePlan(cs *changeset.ChangeSet, newServers map[string]*config.ServerConfig, requested Strategy) Plan {
	strategy := requested
	if requested != StrategyDryRun && cs.Impact.RequiresFullReload {
		strategy = StrategyFull
	}

	var disconnects, connects []string
	if strategy == StrategyFull {
		// Full reload: disconnect every server the changeset names (removals
		// and modifications alike) and connect every server present in the
		// new document, so nothing lingers with stale transport state.
		seen := map[string]bool{}
		for _, ch := range cs.Changes {
			if !seen[ch.Name] {
				seen[ch.Name] = true
				disconnects = append(disconnects, ch.Name)
			}
		}
		for name := range newServers {
			connects = append(connects, name)
		}
	} else {
		for _, ch := range cs.Changes {
			switch ch.Kind {
			case changeset.KindRemoveServer:
				disconnects = append(disconnects, ch.Name)
			case changeset.KindTransportChange:
				disconnects = append(disconnects, ch.Name)
				connects = append(connects, ch.Name)
			case changeset.KindAddServer, changeset.KindModifyServer:
				connects = append(connects, ch.Name)
			case changeset.KindTagsChange:
				// Tag-only changes affect session filtering, not the live
				// connection or its capability set; nothing to do here.
			}
		}
	}

	sort.Strings(disconnects)
	sort.Strings(connects)
	return Plan{Strategy: strategy, Disconnects: disconnects, Connects: connects}
}

// Apply runs a changeset through the full state machine. For
// StrategyDryRun it only computes and returns the plan, touching nothing.
func (e *Engine) Apply(ctx context.Context, cs *changeset.ChangeSet, newServers map[string]*config.ServerConfig, requested Strategy) (*Result, error) {
	e.setState(StateAnalyzing)
	plan := ComputePlan(cs, newServers, requested)

	e.setState(StatePreparing)
	if plan.Strategy == StrategyDryRun {
		e.setState(StateCompleted)
		return &Result{Plan: plan, FinalState: StateCompleted, Errors: map[string]error{}}, nil
	}

	if plan.Strategy == StrategyFull {
		e.setState(StateReloading)
	} else {
		e.setState(StateMigrating)
	}

	errs := map[string]error{}

	// Removes before adds: a transport-changed server gets disconnected here
	// and reconnected in the connect pass below, never the reverse, so a
	// stale client is never left registered under a name about to change
	// identity.
	for _, name := range plan.Disconnects {
		if err := e.connector.Disconnect(name); err != nil {
			logging.Warn("reload", "disconnect of %q failed: %v", name, err)
		}
		e.capabilities.Remove(name)
	}

	var connectedOK []string
	for _, name := range plan.Connects {
		sc, ok := newServers[name]
		if !ok || sc.Disabled {
			continue
		}
		conn, err := e.connector.Connect(ctx, name, sc)
		if err != nil {
			errs[name] = err
			continue
		}
		if conn.Client == nil {
			// OAuth-required or otherwise not yet live; no capabilities to pull.
			continue
		}
		if e.describe == nil {
			errs[name] = fmt.Errorf("no capability describer configured for server %q", name)
			continue
		}
		caps, err := e.describe(ctx, conn.Client)
		if err != nil {
			errs[name] = err
			continue
		}
		e.capabilities.Update(name, caps)
		connectedOK = append(connectedOK, name)
	}

	if len(errs) == 0 {
		e.setState(StateCompleted)
		return &Result{Plan: plan, FinalState: StateCompleted, Errors: errs}, nil
	}

	if plan.Strategy != StrategyFull {
		// Partial reloads leave successfully-applied changes in place; only
		// the servers that failed remain on their prior state, reported back
		// to the caller to retry or surface to an operator.
		e.setState(StateFailed)
		return &Result{Plan: plan, FinalState: StateFailed, Errors: errs}, fmt.Errorf("reload failed for %d server(s)", len(errs))
	}

	// Full reload rollback: a full reload is all-or-nothing, since its whole
	// point is to leave no server on stale transport state. Unwind the
	// servers we did manage to bring up, and there is nothing further to
	// restore for the disconnected ones — a failed full reload always
	// surfaces as "authoring must retry", never a silent partial success.
	e.setState(StateFailed)
	for _, name := range connectedOK {
		_ = e.connector.Disconnect(name)
		e.capabilities.Remove(name)
	}
	e.setState(StateRolledBack)
	return &Result{Plan: plan, FinalState: StateRolledBack, Errors: errs, RolledBack: true},
		fmt.Errorf("full reload failed for %d server(s), rolled back", len(errs))
}
