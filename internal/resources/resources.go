// Package resources serves the read-only resource:// surface: project and
// agent directories, mailboxes, threads, reservation listings, derived
// views, and tooling introspection.
package resources

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/mail"
	"github.com/harborline/mailroom/internal/tools"
	"github.com/harborline/mailroom/internal/types"
)

// Scheme is the URI scheme of the resource surface.
const Scheme = "resource://"

// Router resolves resource URIs against the service layer.
type Router struct {
	svc      *mail.Service
	registry *tools.Registry
	archives *archive.Manager
	log      *slog.Logger
}

// NewRouter builds the resource router. registry and archives may be nil;
// the corresponding tooling URIs then report not-found.
func NewRouter(svc *mail.Service, registry *tools.Registry, archives *archive.Manager, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{svc: svc, registry: registry, archives: archives, log: log}
}

// Read resolves one URI to its payload. Clients sometimes embed the query
// string inside the final path segment instead of after the path, so the
// query split happens on the raw URI before any path parsing.
func (r *Router) Read(ctx context.Context, uri string) (any, error) {
	raw := strings.TrimPrefix(uri, Scheme)
	raw = strings.TrimPrefix(raw, "/")
	pathPart, queryPart, _ := strings.Cut(raw, "?")
	query, err := url.ParseQuery(queryPart)
	if err != nil {
		// Tolerate junk queries; serve the path with defaults.
		r.log.Debug("unparseable resource query", "uri", uri, "error", err)
		query = url.Values{}
	}

	segments := []string{}
	for _, seg := range strings.Split(pathPart, "/") {
		if seg == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return nil, types.Invalidf("empty resource uri")
	}

	head, rest := segments[0], segments[1:]
	switch head {
	case "projects":
		return r.svc.ListProjects(ctx)
	case "project":
		return r.svc.GetProject(ctx, oneSegment(rest))
	case "agents":
		return r.svc.AgentDirectory(ctx, oneSegment(rest))
	case "inbox":
		return r.readInbox(ctx, oneSegment(rest), query, false)
	case "mailbox":
		return r.readInbox(ctx, oneSegment(rest), query, true)
	case "outbox":
		return r.svc.FetchOutbox(ctx, query.Get("project"), oneSegment(rest),
			intParam(query, "limit", 0), boolParam(query, "include_bodies"))
	case "mailbox-with-commits":
		return r.svc.MailboxWithCommits(ctx, query.Get("project"), oneSegment(rest),
			intParam(query, "limit", 0))
	case "message":
		return r.readMessage(ctx, oneSegment(rest), query)
	case "thread":
		return r.svc.FetchThread(ctx, query.Get("project"), oneSegment(rest),
			boolParam(query, "include_bodies"), intParam(query, "limit", 0))
	case "file_reservations":
		activeOnly := true
		if query.Has("active_only") {
			activeOnly = boolParam(query, "active_only")
		}
		return r.svc.ListReservations(ctx, oneSegment(rest), activeOnly)
	case "views":
		return r.readView(ctx, rest, query)
	case "tooling":
		return r.readTooling(rest)
	default:
		return nil, types.NotFoundf("unknown resource: %s", head)
	}
}

func oneSegment(rest []string) string {
	if len(rest) == 0 {
		return ""
	}
	return rest[0]
}

func (r *Router) readInbox(ctx context.Context, agent string, query url.Values, bodies bool) (any, error) {
	args := mail.InboxArgs{
		ProjectKey:    query.Get("project"),
		AgentName:     agent,
		Limit:         intParam(query, "limit", 0),
		UrgentOnly:    boolParam(query, "urgent_only"),
		UnreadOnly:    boolParam(query, "unread_only"),
		IncludeBodies: bodies || boolParam(query, "include_bodies"),
	}
	if since := query.Get("since_ts"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, types.Invalidf("bad since_ts %q: %v", since, err)
		}
		args.SinceTS = &ts
	}
	return r.svc.FetchInbox(ctx, args)
}

// MessagePayload is the message/{id} resource body.
type MessagePayload struct {
	Message    *types.Message            `json:"message"`
	Recipients []*types.MessageRecipient `json:"recipients"`
}

func (r *Router) readMessage(ctx context.Context, idSeg string, query url.Values) (any, error) {
	id, err := strconv.ParseInt(idSeg, 10, 64)
	if err != nil {
		return nil, types.Invalidf("bad message id %q", idSeg)
	}
	msg, recipients, err := r.svc.GetMessage(ctx, query.Get("project"), id)
	if err != nil {
		return nil, err
	}
	return &MessagePayload{Message: msg, Recipients: recipients}, nil
}

func (r *Router) readView(ctx context.Context, rest []string, query url.Values) (any, error) {
	if len(rest) < 2 {
		return nil, types.Invalidf("views uri needs a view name and an agent")
	}
	view, agent := rest[0], rest[1]
	project := query.Get("project")
	switch view {
	case "urgent-unread":
		return r.svc.UrgentUnread(ctx, project, agent)
	case "ack-required":
		return r.svc.AckRequired(ctx, project, agent)
	case "acks-stale":
		return r.svc.AcksStale(ctx, project, agent)
	case "ack-overdue":
		return r.svc.AckOverdue(ctx, project, agent, intParam(query, "minutes", 0))
	default:
		return nil, types.NotFoundf("unknown view: %s", view)
	}
}

// CapabilityGrants is the tooling/capabilities/{agent} resource body.
type CapabilityGrants struct {
	Agent      string   `json:"agent"`
	Restricted bool     `json:"restricted"`
	Tools      []string `json:"tools,omitempty"`
}

func (r *Router) readTooling(rest []string) (any, error) {
	if len(rest) == 0 {
		return nil, types.Invalidf("tooling uri needs a subresource")
	}
	if r.registry == nil {
		return nil, types.NotFoundf("tooling introspection is not enabled")
	}
	switch rest[0] {
	case "directory":
		return r.registry.Directory(), nil
	case "schemas":
		return r.registry.Schemas(), nil
	case "metrics":
		return r.registry.MetricsSnapshot(), nil
	case "locks":
		if r.archives == nil {
			return nil, types.NotFoundf("archive locks are not exposed")
		}
		return r.archives.LockStates()
	case "capabilities":
		if len(rest) < 2 {
			return nil, types.Invalidf("capabilities uri needs an agent")
		}
		grants := &CapabilityGrants{Agent: rest[1]}
		if caps := r.registry.Capabilities(); caps != nil {
			grants.Tools, grants.Restricted = caps.Grants(rest[1])
		}
		return grants, nil
	case "recent":
		window := 300
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return nil, types.Invalidf("bad recent window %q", rest[1])
			}
			window = n
		}
		return r.registry.RecentUsage(time.Duration(window) * time.Second), nil
	default:
		return nil, types.NotFoundf("unknown tooling resource: %s", rest[0])
	}
}

func intParam(query url.Values, key string, def int) int {
	raw := query.Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolParam(query url.Values, key string) bool {
	switch strings.ToLower(query.Get(key)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
