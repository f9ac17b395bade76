// Package notify routes change notifications in both directions between
// the aggregated inbound server and the downstream outbound connections:
// outbound capability changes fan out (batched) to the inbound sessions they
// affect, and inbound logging-level/cancellation events broadcast to every
// connected outbound, tolerating per-connection failures.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/1mcp-app/agent/pkg/logging"
)

// Method names match the MCP wire notification methods directly, so a
// Router caller just names the method it wants delivered.
const (
	MethodToolsListChanged     = "notifications/tools/list_changed"
	MethodResourcesListChanged = "notifications/resources/list_changed"
	MethodPromptsListChanged   = "notifications/prompts/list_changed"
	MethodLoggingMessage       = "notifications/message"
	MethodCancelled            = "notifications/cancelled"
)

// DefaultBatchDelay is the coalescing window: repeated notifications to the
// same session within this window collapse into one send per distinct
// method, in first-seen order.
const DefaultBatchDelay = 1 * time.Second

// Sender delivers a targeted notification to one inbound session; satisfied
// directly by mark3labs/mcp-go's *server.MCPServer.
type Sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// OutboundDispatch performs one inbound->outbound broadcast action (setting
// a logging level, forwarding a cancellation) against a single named
// downstream connection.
type OutboundDispatch func(ctx context.Context, serverName string) error

type sessionQueue struct {
	mu      sync.Mutex
	methods []string
	seen    map[string]bool
	timer   *time.Timer
}

// Router batches outbound->inbound notifications per session and fans out
// inbound->outbound broadcasts tolerating per-target errors.
type Router struct {
	mu         sync.Mutex
	sessions   map[string]*sessionQueue
	sender     Sender
	batchDelay time.Duration
}

// New creates a Router. batchDelay <= 0 uses DefaultBatchDelay.
func New(sender Sender, batchDelay time.Duration) *Router {
	if batchDelay <= 0 {
		batchDelay = DefaultBatchDelay
	}
	return &Router{
		sessions:   make(map[string]*sessionQueue),
		sender:     sender,
		batchDelay: batchDelay,
	}
}

// NotifySession enqueues a notification for one session, to be delivered
// after the batch window unless already pending.
func (r *Router) NotifySession(sessionID, method string) {
	r.mu.Lock()
	q, ok := r.sessions[sessionID]
	if !ok {
		q = &sessionQueue{seen: make(map[string]bool)}
		r.sessions[sessionID] = q
	}
	r.mu.Unlock()

	q.mu.Lock()
	if !q.seen[method] {
		q.seen[method] = true
		q.methods = append(q.methods, method)
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(r.batchDelay, func() { r.flush(sessionID) })
	}
	q.mu.Unlock()
}

// NotifySessions enqueues the same notification for every listed session.
func (r *Router) NotifySessions(sessionIDs []string, method string) {
	for _, id := range sessionIDs {
		r.NotifySession(id, method)
	}
}

// flush delivers every distinct method queued for a session, in the order
// each was first seen within the batch window, then clears its queue.
func (r *Router) flush(sessionID string) {
	r.mu.Lock()
	q, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	q.mu.Lock()
	methods := q.methods
	q.methods = nil
	q.seen = make(map[string]bool)
	q.timer = nil
	q.mu.Unlock()

	for _, method := range methods {
		// A send failure almost always means the inbound transport for this
		// session has since disconnected; that is expected churn, not an
		// operational error, so it's logged at debug and otherwise ignored.
		if err := r.sender.SendNotificationToSpecificClient(sessionID, method, nil); err != nil {
			logging.Debug("notify", "session %q not reachable for %q: %v", sessionID, method, err)
		}
	}
}

// Stop cancels every pending batch timer without flushing them, for use
// during shutdown once no further delivery can matter.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.sessions {
		q.mu.Lock()
		if q.timer != nil {
			q.timer.Stop()
		}
		q.mu.Unlock()
	}
}

// BroadcastToOutbound runs dispatch against every named outbound
// connection, collecting per-server errors without letting one failure
// abort delivery to the rest.
func (r *Router) BroadcastToOutbound(ctx context.Context, serverNames []string, dispatch OutboundDispatch) map[string]error {
	errs := make(map[string]error)
	for _, name := range serverNames {
		if err := dispatch(ctx, name); err != nil {
			errs[name] = err
			logging.Warn("notify", "broadcast to outbound %q failed: %v", name, err)
		}
	}
	return errs
}
