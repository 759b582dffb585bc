// Package mail is the coordination service: project and agent identity,
// the send pipeline, reservations, contact handshakes, summaries, views,
// and the workflow macros composed from them. It owns the dual-persistence
// contract between the SQLite store and the git archive.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/contact"
	"github.com/harborline/mailroom/internal/llm"
	"github.com/harborline/mailroom/internal/names"
	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// Service wires the storage, archive, gating, and summarization layers
// behind the tool surface.
type Service struct {
	store    storage.Store
	archives *archive.Manager
	settings *config.Settings
	gate     *contact.Gate
	llm      llm.Client
	log      *slog.Logger

	startedAt time.Time
}

// NewService builds the service. llmClient may be nil; every call site
// degrades to its deterministic heuristic.
func NewService(store storage.Store, archives *archive.Manager, settings *config.Settings, llmClient llm.Client, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		archives:  archives,
		settings:  settings,
		gate:      contact.NewGate(store, settings.ContactEnforcement, settings.ContactAutoTTL),
		llm:       llmClient,
		log:       log,
		startedAt: time.Now().UTC(),
	}
}

// ProjectInfo is the payload shape for project-returning tools.
type ProjectInfo struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	HumanKey  string    `json:"human_key"`
	CreatedTS time.Time `json:"created_ts"`
	Archive   string    `json:"archive_path"`
	Created   bool      `json:"created"`
}

// HealthInfo is the health_check payload.
type HealthInfo struct {
	Status    string    `json:"status"`
	StartedTS time.Time `json:"started_ts"`
	Projects  int       `json:"projects"`
	Database  string    `json:"database_url"`
	Archive   string    `json:"storage_root"`
}

// HealthCheck reports liveness plus a cheap end-to-end probe of the store.
func (s *Service) HealthCheck(ctx context.Context) (*HealthInfo, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing store: %w", err)
	}
	return &HealthInfo{
		Status:    "ok",
		StartedTS: s.startedAt,
		Projects:  len(projects),
		Database:  s.settings.DatabaseURL,
		Archive:   s.settings.StorageRoot,
	}, nil
}

// EnsureProject creates the project for an absolute directory path, or
// returns the existing one. Slug derivation is pure; a colliding slug with
// a different human key is rejected rather than silently merged.
func (s *Service) EnsureProject(ctx context.Context, humanKey string) (*ProjectInfo, error) {
	humanKey = strings.TrimSpace(humanKey)
	if humanKey == "" || !filepath.IsAbs(humanKey) {
		return nil, types.Invalidf("human_key must be an absolute path, got %q", humanKey)
	}
	slug := names.Slugify(humanKey)

	existing, err := s.store.ProjectBySlug(ctx, slug)
	switch {
	case err == nil:
		if existing.HumanKey != humanKey {
			return nil, types.Invalidf("slug %q already belongs to %q", slug, existing.HumanKey)
		}
		p, err := s.archives.Project(slug)
		if err != nil {
			return nil, err
		}
		return &ProjectInfo{ID: existing.ID, Slug: slug, HumanKey: humanKey, CreatedTS: existing.CreatedTS, Archive: p.Dir}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	project, err := s.store.CreateProject(ctx, slug, humanKey)
	if err != nil {
		return nil, err
	}
	p, err := s.archives.Project(slug)
	if err != nil {
		return nil, err
	}
	s.log.Info("project created", "slug", slug, "human_key", humanKey)
	s.suggestSiblings(ctx, project)
	return &ProjectInfo{ID: project.ID, Slug: slug, HumanKey: humanKey, CreatedTS: project.CreatedTS, Archive: p.Dir, Created: true}, nil
}

// project resolves a caller-supplied project key: an absolute human key
// or an already-derived slug.
func (s *Service) project(ctx context.Context, key string) (*types.Project, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, types.Invalidf("project key is required")
	}
	slug := key
	if filepath.IsAbs(key) {
		slug = names.Slugify(key)
	}
	project, err := s.store.ProjectBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.NotFoundf("project %q is not registered; call ensure_project first", key)
		}
		return nil, err
	}
	return project, nil
}

// agent resolves an agent by name within a project, case-insensitively.
func (s *Service) agent(ctx context.Context, project *types.Project, name string) (*types.Agent, error) {
	name = names.Sanitize(name)
	if name == "" {
		return nil, types.Invalidf("agent name is required")
	}
	agent, err := s.store.AgentByName(ctx, project.ID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, types.NewToolError(types.ErrNotFound,
				fmt.Sprintf("agent %q is not registered in project %s", name, project.Slug),
				map[string]any{"hint": "resource://agents/" + project.Slug})
		}
		return nil, err
	}
	return agent, nil
}

// RegisterAgentArgs are the register_agent inputs.
type RegisterAgentArgs struct {
	ProjectKey      string `json:"project_key"`
	Name            string `json:"name,omitempty"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	AttachPolicy    string `json:"attachments_policy,omitempty"`
	ContactPolicy   string `json:"contact_policy,omitempty"`
}

// RegisterAgent upserts an agent identity. Name handling follows the
// configured enforcement mode: strict rejects malformed names, coerce
// sanitizes and falls back to generation, always_auto ignores the caller's
// name entirely.
func (s *Service) RegisterAgent(ctx context.Context, args RegisterAgentArgs) (*types.Agent, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	name, err := s.resolveName(ctx, project, args.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent, err := s.store.AgentByName(ctx, project.ID, name)
	switch {
	case err == nil:
		if args.Program != "" {
			agent.Program = args.Program
		}
		if args.Model != "" {
			agent.Model = args.Model
		}
		if args.TaskDescription != "" {
			agent.TaskDescription = args.TaskDescription
		}
		if args.AttachPolicy != "" {
			agent.AttachPolicy = types.AttachmentsPolicy(args.AttachPolicy)
		}
		if args.ContactPolicy != "" {
			if !types.ValidContactPolicy(args.ContactPolicy) {
				return nil, types.Invalidf("unknown contact policy %q", args.ContactPolicy)
			}
			agent.ContactPolicy = types.ContactPolicy(args.ContactPolicy)
		}
		agent.LastActiveTS = now
		if err := s.store.UpdateAgent(ctx, agent); err != nil {
			return nil, err
		}
	case errors.Is(err, storage.ErrNotFound):
		agent = &types.Agent{
			ProjectID:       project.ID,
			Name:            name,
			Program:         args.Program,
			Model:           args.Model,
			TaskDescription: args.TaskDescription,
			InceptionTS:     now,
			LastActiveTS:    now,
			AttachPolicy:    types.AttachAuto,
			ContactPolicy:   types.PolicyAuto,
		}
		if args.AttachPolicy != "" {
			agent.AttachPolicy = types.AttachmentsPolicy(args.AttachPolicy)
		}
		if args.ContactPolicy != "" {
			if !types.ValidContactPolicy(args.ContactPolicy) {
				return nil, types.Invalidf("unknown contact policy %q", args.ContactPolicy)
			}
			agent.ContactPolicy = types.ContactPolicy(args.ContactPolicy)
		}
		if err := s.store.CreateAgent(ctx, agent); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := s.writeProfile(ctx, project, agent); err != nil {
		// The DB row is the source of truth; a failed archive write is
		// logged, not fatal.
		s.log.Warn("agent profile archive write failed", "agent", agent.Name, "error", err)
	}
	return agent, nil
}

// CreateAgentIdentity registers a brand-new agent under a generated,
// currently unused name.
func (s *Service) CreateAgentIdentity(ctx context.Context, args RegisterAgentArgs) (*types.Agent, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	args.Name = names.GenerateUnused(func(candidate string) bool {
		_, err := s.store.AgentByName(ctx, project.ID, candidate)
		return err == nil
	})
	return s.RegisterAgent(ctx, args)
}

func (s *Service) resolveName(ctx context.Context, project *types.Project, requested string) (string, error) {
	generate := func() string {
		return names.GenerateUnused(func(candidate string) bool {
			_, err := s.store.AgentByName(ctx, project.ID, candidate)
			return err == nil
		})
	}
	mode := types.NameEnforcement(s.settings.NameEnforcement)
	if mode == types.EnforceAlwaysAuto {
		return generate(), nil
	}
	name := names.Sanitize(requested)
	if name == "" {
		return generate(), nil
	}
	if names.Valid(name) {
		return names.Canonical(name), nil
	}
	if mode == types.EnforceStrict {
		return "", types.Invalidf("agent name %q does not match the adjective+noun format", requested)
	}
	return name, nil
}

// WhoisInfo is the whois payload: the profile plus mailbox stats.
type WhoisInfo struct {
	Agent       *types.Agent `json:"agent"`
	ProjectSlug string       `json:"project"`
	Unread      int          `json:"unread_count"`
	Profile     string       `json:"profile_path,omitempty"`
}

// Whois looks up an agent profile with its unread count.
func (s *Service) Whois(ctx context.Context, projectKey, agentName string) (*WhoisInfo, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, agentName)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.UnreadCounts(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	info := &WhoisInfo{Agent: agent, ProjectSlug: project.Slug, Unread: counts[agent.ID]}
	if p, err := s.archives.Project(project.Slug); err == nil {
		if dir, err := p.AgentDir(agent.Name); err == nil {
			info.Profile = filepath.Join(s.archives.RelPath(dir), "profile.json")
		}
	}
	return info, nil
}

// SetContactPolicy updates an agent's inbound contact policy.
func (s *Service) SetContactPolicy(ctx context.Context, projectKey, agentName, policy string) (*types.Agent, error) {
	if !types.ValidContactPolicy(policy) {
		return nil, types.Invalidf("unknown contact policy %q", policy)
	}
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, agentName)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetContactPolicy(ctx, agent.ID, types.ContactPolicy(policy)); err != nil {
		return nil, err
	}
	agent.ContactPolicy = types.ContactPolicy(policy)
	if err := s.writeProfile(ctx, project, agent); err != nil {
		s.log.Warn("agent profile archive write failed", "agent", agent.Name, "error", err)
	}
	return agent, nil
}

// writeProfile materializes the agent's profile.json and commits it.
func (s *Service) writeProfile(ctx context.Context, project *types.Project, agent *types.Agent) error {
	p, err := s.archives.Project(project.Slug)
	if err != nil {
		return err
	}
	return p.WithLock(ctx, func() error {
		path, err := p.WriteAgentProfile(agent)
		if err != nil {
			return err
		}
		panel := fmt.Sprintf("mail: profile %s | %s\n\nTOOL: register_agent\nAgent: %s\nProject: %s\n",
			agent.Name, project.Slug, agent.Name, project.Slug)
		return s.archives.Commit(ctx, panel, s.archives.RelPath(path))
	})
}
