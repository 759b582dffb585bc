// Package tools is the request/response surface of the coordination server.
// Each tool wraps one service operation behind a stable name, decodes JSON
// arguments, and reports failures per the propagation policy: recoverable
// errors come back as a structured payload, unrecoverable ones surface to
// the transport.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

// Handler executes one tool invocation against raw JSON arguments.
type Handler func(ctx context.Context, raw json.RawMessage) (any, error)

// Tool is one registered operation. Args holds a zero-value prototype of
// the argument struct, used for schema introspection only.
type Tool struct {
	Name        string
	Description string
	Args        any
	Handler     Handler
}

// Response is the structured payload returned for every completed
// invocation. A recoverable failure sets Error and leaves Data empty.
type Response struct {
	OK    bool             `json:"ok"`
	Data  any              `json:"data,omitempty"`
	Error *types.ToolError `json:"error,omitempty"`
}

// Registry dispatches tool invocations and tracks per-tool usage.
type Registry struct {
	log     *slog.Logger
	caps    *Capabilities
	metrics *Metrics
	recent  *usageRing

	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry builds an empty registry. caps may be nil, which disables
// capability enforcement.
func NewRegistry(caps *Capabilities, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		caps:    caps,
		metrics: NewMetrics(),
		recent:  newUsageRing(),
		tools:   make(map[string]*Tool),
	}
}

// Register adds a tool. Duplicate names are a programming error.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		panic(fmt.Sprintf("tools: duplicate registration of %q", t.Name))
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Invoke runs the named tool for the given caller. Recoverable failures
// are embedded in the Response; unrecoverable ones are returned as the
// error and never produce a Response.
func (r *Registry) Invoke(ctx context.Context, name, caller string, raw json.RawMessage) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = types.NewToolError(types.ErrUnhandled,
				fmt.Sprintf("tool %s panicked: %v", name, rec), nil)
			resp = nil
		}
		failed := err != nil || (resp != nil && !resp.OK)
		r.metrics.Record(name, time.Since(start), failed)
		r.recent.add(UsageEvent{
			Tool:      name,
			Caller:    caller,
			TS:        start.UTC(),
			OK:        !failed,
			LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		})
		if err != nil {
			r.log.Error("tool failed", "tool", name, "caller", caller, "error", err)
		}
	}()

	tool, ok := r.Lookup(name)
	if !ok {
		return &Response{OK: false, Error: types.NotFoundf("unknown tool: %s", name)}, nil
	}
	if r.caps != nil {
		if allowErr := r.caps.Check(caller, name); allowErr != nil {
			return nil, allowErr
		}
	}

	out, err := tool.Handler(ctx, raw)
	if err != nil {
		te := types.WrapUnhandled(err)
		if te.Recoverable {
			return &Response{OK: false, Error: te}, nil
		}
		return nil, te
	}
	return &Response{OK: true, Data: out}, nil
}

// ToolInfo is one row of the tool directory.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Directory lists registered tools in registration order.
func (r *Registry) Directory() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, ToolInfo{Name: name, Description: r.tools[name].Description})
	}
	return out
}

// Schemas maps each tool name to its argument field schema.
func (r *Registry) Schemas() map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]string, len(r.tools))
	for name, t := range r.tools {
		out[name] = schemaFor(t.Args)
	}
	return out
}

// MetricsSnapshot exposes the per-tool counters.
func (r *Registry) MetricsSnapshot() Snapshot {
	return r.metrics.Snapshot()
}

// RecentUsage returns events within the trailing window, newest first.
func (r *Registry) RecentUsage(window time.Duration) []UsageEvent {
	return r.recent.since(time.Now().UTC().Add(-window))
}

// Capabilities exposes the capability table, or nil when enforcement is
// disabled.
func (r *Registry) Capabilities() *Capabilities {
	return r.caps
}
