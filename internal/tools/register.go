package tools

import (
	"context"
	"encoding/json"

	"github.com/harborline/mailroom/internal/mail"
	"github.com/harborline/mailroom/internal/types"
)

// typed adapts a strongly-typed handler to the raw JSON calling convention.
func typed[A any](fn func(ctx context.Context, args A) (any, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, types.Invalidf("malformed arguments: %v", err)
			}
		}
		return fn(ctx, args)
	}
}

type ensureProjectArgs struct {
	HumanKey string `json:"human_key"`
}

type projectAgentArgs struct {
	ProjectKey string `json:"project_key"`
	AgentName  string `json:"agent_name"`
}

type policyArgs struct {
	ProjectKey string `json:"project_key"`
	AgentName  string `json:"agent_name"`
	Policy     string `json:"policy"`
}

type markArgs struct {
	ProjectKey string `json:"project_key"`
	AgentName  string `json:"agent_name"`
	MessageID  int64  `json:"message_id"`
}

type searchArgs struct {
	ProjectKey string `json:"project_key"`
	Query      string `json:"query"`
	Limit      int    `json:"limit,omitempty"`
}

type summarizeArgs struct {
	ProjectKey string `json:"project_key"`
	ThreadKey  string `json:"thread_key"`
}

type summarizeManyArgs struct {
	ProjectKey string   `json:"project_key"`
	ThreadKeys []string `json:"thread_keys"`
}

type guardArgs struct {
	ProjectKey string `json:"project_key"`
	RepoPath   string `json:"repo_path,omitempty"`
}

// RegisterAll wires every tool of the public surface to the service.
func RegisterAll(r *Registry, svc *mail.Service) {
	add := func(name, desc string, proto any, h Handler) {
		r.Register(&Tool{Name: name, Description: desc, Args: proto, Handler: h})
	}

	add("health_check", "Report server liveness and storage status.",
		struct{}{}, typed(func(ctx context.Context, _ struct{}) (any, error) {
			return svc.HealthCheck(ctx)
		}))
	add("ensure_project", "Create or fetch the project for an absolute path.",
		ensureProjectArgs{}, typed(func(ctx context.Context, a ensureProjectArgs) (any, error) {
			return svc.EnsureProject(ctx, a.HumanKey)
		}))
	add("register_agent", "Create or update an agent identity in a project.",
		mail.RegisterAgentArgs{}, typed(func(ctx context.Context, a mail.RegisterAgentArgs) (any, error) {
			return svc.RegisterAgent(ctx, a)
		}))
	add("create_agent_identity", "Mint a fresh generated agent identity.",
		mail.RegisterAgentArgs{}, typed(func(ctx context.Context, a mail.RegisterAgentArgs) (any, error) {
			return svc.CreateAgentIdentity(ctx, a)
		}))
	add("whois", "Describe an agent with unread count and profile path.",
		projectAgentArgs{}, typed(func(ctx context.Context, a projectAgentArgs) (any, error) {
			return svc.Whois(ctx, a.ProjectKey, a.AgentName)
		}))
	add("set_contact_policy", "Change an agent's inbound contact policy.",
		policyArgs{}, typed(func(ctx context.Context, a policyArgs) (any, error) {
			return svc.SetContactPolicy(ctx, a.ProjectKey, a.AgentName, a.Policy)
		}))

	add("send_message", "Deliver a message to one or more agents.",
		mail.SendArgs{}, typed(func(ctx context.Context, a mail.SendArgs) (any, error) {
			return svc.SendMessage(ctx, a)
		}))
	add("reply_message", "Reply within an existing thread.",
		mail.ReplyArgs{}, typed(func(ctx context.Context, a mail.ReplyArgs) (any, error) {
			return svc.ReplyMessage(ctx, a)
		}))
	add("fetch_inbox", "List an agent's inbound messages, newest first.",
		mail.InboxArgs{}, typed(func(ctx context.Context, a mail.InboxArgs) (any, error) {
			return svc.FetchInbox(ctx, a)
		}))
	add("mark_message_read", "Stamp the set-once read timestamp.",
		markArgs{}, typed(func(ctx context.Context, a markArgs) (any, error) {
			return svc.MarkMessageRead(ctx, a.ProjectKey, a.AgentName, a.MessageID)
		}))
	add("acknowledge_message", "Stamp the set-once ack timestamp.",
		markArgs{}, typed(func(ctx context.Context, a markArgs) (any, error) {
			return svc.AcknowledgeMessage(ctx, a.ProjectKey, a.AgentName, a.MessageID)
		}))

	add("request_contact", "Request permission to message another agent.",
		mail.ContactRequestArgs{}, typed(func(ctx context.Context, a mail.ContactRequestArgs) (any, error) {
			return svc.RequestContact(ctx, a)
		}))
	add("respond_contact", "Approve or block a contact request.",
		mail.ContactRespondArgs{}, typed(func(ctx context.Context, a mail.ContactRespondArgs) (any, error) {
			return svc.RespondContact(ctx, a)
		}))
	add("list_contacts", "List an agent's contact links.",
		projectAgentArgs{}, typed(func(ctx context.Context, a projectAgentArgs) (any, error) {
			return svc.ListContacts(ctx, a.ProjectKey, a.AgentName)
		}))

	add("reserve_file_paths", "Take advisory leases on path patterns.",
		mail.ReserveArgs{}, typed(func(ctx context.Context, a mail.ReserveArgs) (any, error) {
			return svc.ReserveFilePaths(ctx, a)
		}))
	add("release_reservations", "Release an agent's path leases.",
		mail.ReleaseArgs{}, typed(func(ctx context.Context, a mail.ReleaseArgs) (any, error) {
			return svc.ReleaseReservations(ctx, a)
		}))
	add("renew_reservations", "Extend an agent's path leases.",
		mail.RenewArgs{}, typed(func(ctx context.Context, a mail.RenewArgs) (any, error) {
			return svc.RenewReservations(ctx, a)
		}))

	add("search_messages", "Full-text search over subjects and bodies.",
		searchArgs{}, typed(func(ctx context.Context, a searchArgs) (any, error) {
			return svc.SearchMessages(ctx, a.ProjectKey, a.Query, a.Limit)
		}))
	add("summarize_thread", "Summarize one thread with optional LLM refinement.",
		summarizeArgs{}, typed(func(ctx context.Context, a summarizeArgs) (any, error) {
			return svc.SummarizeThread(ctx, a.ProjectKey, a.ThreadKey)
		}))
	add("summarize_threads", "Digest several threads at once.",
		summarizeManyArgs{}, typed(func(ctx context.Context, a summarizeManyArgs) (any, error) {
			return svc.SummarizeThreads(ctx, a.ProjectKey, a.ThreadKeys)
		}))

	add("install_precommit_guard", "Install the reservation precommit hook.",
		guardArgs{}, typed(func(ctx context.Context, a guardArgs) (any, error) {
			return svc.InstallPrecommitGuard(ctx, a.ProjectKey, a.RepoPath)
		}))
	add("uninstall_precommit_guard", "Remove the reservation precommit hook.",
		guardArgs{}, typed(func(ctx context.Context, a guardArgs) (any, error) {
			return svc.UninstallPrecommitGuard(ctx, a.ProjectKey, a.RepoPath)
		}))

	add("macro_start_session", "Ensure project, register agent, reserve, fetch inbox.",
		mail.StartSessionArgs{}, typed(func(ctx context.Context, a mail.StartSessionArgs) (any, error) {
			return svc.MacroStartSession(ctx, a)
		}))
	add("macro_prepare_thread", "Register and summarize a thread in one call.",
		mail.PrepareThreadArgs{}, typed(func(ctx context.Context, a mail.PrepareThreadArgs) (any, error) {
			return svc.MacroPrepareThread(ctx, a)
		}))
	add("macro_reservation_cycle", "Reserve and optionally release in one call.",
		mail.ReservationCycleArgs{}, typed(func(ctx context.Context, a mail.ReservationCycleArgs) (any, error) {
			return svc.MacroReservationCycle(ctx, a)
		}))
	add("macro_contact_handshake", "Request, accept, and greet in one call.",
		mail.HandshakeArgs{}, typed(func(ctx context.Context, a mail.HandshakeArgs) (any, error) {
			return svc.MacroContactHandshake(ctx, a)
		}))
}
