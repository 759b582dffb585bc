package mail

import (
	"context"
	"fmt"

	"github.com/harborline/mailroom/internal/types"
)

// Macros compose the primitive tools into single round-trips for small
// clients. Each step reuses the corresponding tool implementation so the
// gating and persistence contracts hold unchanged.

// StartSessionArgs are the macro_start_session inputs.
type StartSessionArgs struct {
	HumanKey     string   `json:"human_key"`
	AgentName    string   `json:"agent_name,omitempty"`
	Program      string   `json:"program,omitempty"`
	Model        string   `json:"model,omitempty"`
	Task         string   `json:"task_description,omitempty"`
	ReservePaths []string `json:"reserve_paths,omitempty"`
	TTLSeconds   int      `json:"ttl_seconds,omitempty"`
	InboxLimit   int      `json:"inbox_limit,omitempty"`
}

// StartSessionResult is the macro_start_session payload.
type StartSessionResult struct {
	Project     *ProjectInfo   `json:"project"`
	Agent       *types.Agent   `json:"agent"`
	Reservation *ReserveResult `json:"reservation,omitempty"`
	Inbox       []InboxEntry   `json:"inbox"`
}

// MacroStartSession ensures the project, registers the agent, optionally
// reserves paths, and fetches the inbox.
func (s *Service) MacroStartSession(ctx context.Context, args StartSessionArgs) (*StartSessionResult, error) {
	project, err := s.EnsureProject(ctx, args.HumanKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.RegisterAgent(ctx, RegisterAgentArgs{
		ProjectKey:      project.Slug,
		Name:            args.AgentName,
		Program:         args.Program,
		Model:           args.Model,
		TaskDescription: args.Task,
	})
	if err != nil {
		return nil, err
	}
	result := &StartSessionResult{Project: project, Agent: agent}

	if len(args.ReservePaths) > 0 {
		result.Reservation, err = s.ReserveFilePaths(ctx, ReserveArgs{
			ProjectKey: project.Slug,
			AgentName:  agent.Name,
			Paths:      args.ReservePaths,
			TTLSeconds: args.TTLSeconds,
			Exclusive:  true,
			Reason:     "session start",
		})
		if err != nil {
			return nil, err
		}
	}

	result.Inbox, err = s.FetchInbox(ctx, InboxArgs{
		ProjectKey: project.Slug,
		AgentName:  agent.Name,
		Limit:      args.InboxLimit,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PrepareThreadArgs are the macro_prepare_thread inputs.
type PrepareThreadArgs struct {
	HumanKey   string `json:"human_key"`
	AgentName  string `json:"agent_name,omitempty"`
	Program    string `json:"program,omitempty"`
	Model      string `json:"model,omitempty"`
	ThreadKey  string `json:"thread_key"`
	InboxLimit int    `json:"inbox_limit,omitempty"`
}

// PrepareThreadResult is the macro_prepare_thread payload.
type PrepareThreadResult struct {
	Project *ProjectInfo   `json:"project"`
	Agent   *types.Agent   `json:"agent"`
	Summary *ThreadSummary `json:"summary,omitempty"`
	Inbox   []InboxEntry   `json:"inbox"`
}

// MacroPrepareThread registers the agent and returns the thread summary
// alongside the current inbox. An empty thread yields a nil summary, not
// an error.
func (s *Service) MacroPrepareThread(ctx context.Context, args PrepareThreadArgs) (*PrepareThreadResult, error) {
	if args.ThreadKey == "" {
		return nil, types.Invalidf("thread_key is required")
	}
	project, err := s.EnsureProject(ctx, args.HumanKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.RegisterAgent(ctx, RegisterAgentArgs{
		ProjectKey: project.Slug,
		Name:       args.AgentName,
		Program:    args.Program,
		Model:      args.Model,
	})
	if err != nil {
		return nil, err
	}
	result := &PrepareThreadResult{Project: project, Agent: agent}

	summary, err := s.SummarizeThread(ctx, project.Slug, args.ThreadKey)
	if err != nil {
		if te, ok := types.AsToolError(err); !ok || te.Kind != types.ErrNotFound {
			return nil, err
		}
	} else {
		result.Summary = summary
	}

	result.Inbox, err = s.FetchInbox(ctx, InboxArgs{
		ProjectKey: project.Slug,
		AgentName:  agent.Name,
		Limit:      args.InboxLimit,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReservationCycleArgs are the macro_reservation_cycle inputs.
type ReservationCycleArgs struct {
	ProjectKey    string   `json:"project_key"`
	AgentName     string   `json:"agent_name"`
	Paths         []string `json:"paths"`
	TTLSeconds    int      `json:"ttl_seconds,omitempty"`
	Exclusive     bool     `json:"exclusive"`
	Reason        string   `json:"reason,omitempty"`
	ReleaseAtOnce bool     `json:"release_immediately,omitempty"`
}

// ReservationCycleResult is the macro_reservation_cycle payload.
type ReservationCycleResult struct {
	Reserved *ReserveResult `json:"reserved"`
	Released *ReleaseResult `json:"released,omitempty"`
}

// MacroReservationCycle reserves paths and optionally releases them in the
// same call, e.g. to probe for conflicts without holding a lease.
func (s *Service) MacroReservationCycle(ctx context.Context, args ReservationCycleArgs) (*ReservationCycleResult, error) {
	reserved, err := s.ReserveFilePaths(ctx, ReserveArgs{
		ProjectKey: args.ProjectKey,
		AgentName:  args.AgentName,
		Paths:      args.Paths,
		TTLSeconds: args.TTLSeconds,
		Exclusive:  args.Exclusive,
		Reason:     args.Reason,
	})
	if err != nil {
		return nil, err
	}
	result := &ReservationCycleResult{Reserved: reserved}
	if args.ReleaseAtOnce {
		result.Released, err = s.ReleaseReservations(ctx, ReleaseArgs{
			ProjectKey: args.ProjectKey,
			AgentName:  args.AgentName,
			Paths:      args.Paths,
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// HandshakeArgs are the macro_contact_handshake inputs.
type HandshakeArgs struct {
	ProjectKey       string `json:"project_key"`
	FromAgent        string `json:"from_agent"`
	ToAgent          string `json:"to_agent"`
	TargetProject    string `json:"target_project,omitempty"`
	Reason           string `json:"reason,omitempty"`
	AutoAccept       bool   `json:"auto_accept,omitempty"`
	AutoRegister     bool   `json:"auto_register,omitempty"`
	WelcomeSubject   string `json:"welcome_subject,omitempty"`
	WelcomeBody      string `json:"welcome_body,omitempty"`
	AcceptTTLSeconds int    `json:"accept_ttl_seconds,omitempty"`
}

// HandshakeResult is the macro_contact_handshake payload.
type HandshakeResult struct {
	Request  *ContactRequestResult `json:"request"`
	Response *types.AgentLink      `json:"response,omitempty"`
	Welcome  *SendResult           `json:"welcome,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

// MacroContactHandshake requests contact, optionally accepts on behalf of
// the target, and optionally sends a welcome message. A welcome delivery
// failure is reported as a warning, not a macro failure.
func (s *Service) MacroContactHandshake(ctx context.Context, args HandshakeArgs) (*HandshakeResult, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	targetProject := project
	if args.TargetProject != "" {
		if targetProject, err = s.project(ctx, args.TargetProject); err != nil {
			return nil, err
		}
	}

	if args.AutoRegister {
		if _, err := s.store.AgentByName(ctx, targetProject.ID, args.ToAgent); err != nil {
			if _, err := s.RegisterAgent(ctx, RegisterAgentArgs{
				ProjectKey: targetProject.Slug,
				Name:       args.ToAgent,
			}); err != nil {
				return nil, err
			}
		}
	}

	result := &HandshakeResult{}
	result.Request, err = s.RequestContact(ctx, ContactRequestArgs{
		ProjectKey:    args.ProjectKey,
		FromAgent:     args.FromAgent,
		ToAgent:       args.ToAgent,
		TargetProject: args.TargetProject,
		Reason:        args.Reason,
	})
	if err != nil {
		return nil, err
	}

	if args.AutoAccept {
		result.Response, err = s.RespondContact(ctx, ContactRespondArgs{
			ProjectKey:       targetProject.Slug,
			FromAgent:        args.ToAgent,
			ToAgent:          args.FromAgent,
			RequesterProject: project.Slug,
			Accept:           true,
			TTLSeconds:       args.AcceptTTLSeconds,
			Reason:           "auto-accepted handshake",
		})
		if err != nil {
			return nil, err
		}
	}

	if args.WelcomeBody != "" {
		subject := args.WelcomeSubject
		if subject == "" {
			subject = fmt.Sprintf("Welcome from %s", args.FromAgent)
		}
		toAddr := args.ToAgent
		if targetProject.ID != project.ID {
			toAddr = fmt.Sprintf("project:%s#%s", targetProject.Slug, args.ToAgent)
		}
		welcome, err := s.SendMessage(ctx, SendArgs{
			ProjectKey: args.ProjectKey,
			SenderName: args.FromAgent,
			To:         []string{toAddr},
			Subject:    subject,
			BodyMD:     args.WelcomeBody,
			tool:       "macro_contact_handshake",
		})
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("welcome message failed: %v", err))
			s.log.Warn("handshake welcome failed", "to", args.ToAgent, "error", err)
		} else {
			result.Welcome = welcome
		}
	}
	return result, nil
}
