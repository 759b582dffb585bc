// Package storage defines the persistence interface of the mailroom
// server. The canonical implementation is the sqlite subpackage; the
// interface keeps the service layer testable and the driver swappable.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

// ErrNotFound is returned by lookups that match no row. Callers translate
// it into the NOT_FOUND tool error with a domain-specific message.
var ErrNotFound = errors.New("storage: not found")

// RecipientRef names one resolved local recipient of a message insert.
type RecipientRef struct {
	AgentID int64
	Kind    types.RecipientKind
}

// InboxItem is one inbox listing row: the message joined with the
// recipient's delivery state and the sender's display name.
type InboxItem struct {
	Message types.Message
	Kind    types.RecipientKind
	ReadTS  *time.Time
	AckTS   *time.Time
}

// InboxFilter narrows fetch_inbox listings.
type InboxFilter struct {
	Limit         int
	UrgentOnly    bool
	UnreadOnly    bool
	IncludeBodies bool
	SinceTS       *time.Time
}

// SearchResult is one FTS hit ordered by ascending bm25 rank.
type SearchResult struct {
	Message types.Message
	Rank    float64
}

// ContactEntry is one row of an agent's contact list.
type ContactEntry struct {
	AgentName   string           `json:"agent"`
	ProjectSlug string           `json:"project"`
	Status      types.LinkStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	UpdatedTS   time.Time        `json:"updated_ts"`
}

// TimestampField selects which set-once recipient timestamp to stamp.
type TimestampField string

const (
	FieldRead TimestampField = "read_ts"
	FieldAck  TimestampField = "ack_ts"
)

// Store is the persistence surface consumed by the service layer. All
// methods are safe for concurrent use.
type Store interface {
	// Projects.
	CreateProject(ctx context.Context, slug, humanKey string) (*types.Project, error)
	ProjectBySlug(ctx context.Context, slug string) (*types.Project, error)
	ProjectByID(ctx context.Context, id int64) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)

	// Agents. Name lookups are case-insensitive.
	CreateAgent(ctx context.Context, agent *types.Agent) error
	UpdateAgent(ctx context.Context, agent *types.Agent) error
	AgentByName(ctx context.Context, projectID int64, name string) (*types.Agent, error)
	AgentByID(ctx context.Context, id int64) (*types.Agent, error)
	ListAgents(ctx context.Context, projectID int64) ([]*types.Agent, error)
	TouchAgent(ctx context.Context, agentID int64, at time.Time) error
	SetContactPolicy(ctx context.Context, agentID int64, policy types.ContactPolicy) error
	UnreadCounts(ctx context.Context, projectID int64) (map[int64]int, error)

	// Messages. InsertMessage atomically writes the message row, its
	// recipient rows, and the sender's last-active bump; on success the
	// message ID and CreatedTS are populated.
	InsertMessage(ctx context.Context, msg *types.Message, recipients []RecipientRef) error
	MessageByID(ctx context.Context, projectID, messageID int64) (*types.Message, error)
	ListInbox(ctx context.Context, projectID, agentID int64, f InboxFilter) ([]*InboxItem, error)
	ListOutbox(ctx context.Context, projectID, agentID int64, limit int) ([]*types.Message, error)
	ThreadMessages(ctx context.Context, projectID int64, threadKey string, limit int) ([]*types.Message, error)
	MessageRecipients(ctx context.Context, messageID int64) ([]*types.MessageRecipient, error)
	// MarkTimestamp stamps a set-once per-recipient timestamp and reports
	// the prevailing value plus whether this call was the first to set it.
	// Acking also stamps read_ts when unset.
	MarkTimestamp(ctx context.Context, messageID, agentID int64, field TimestampField, at time.Time) (time.Time, bool, error)
	AckPending(ctx context.Context, projectID, agentID int64, olderThan time.Time, limit int) ([]*InboxItem, error)
	SearchMessages(ctx context.Context, projectID int64, query string, limit int) ([]*SearchResult, error)
	// RecentContactBetween reports whether a delivered to/cc/bcc row links
	// the two agents in either direction since the given time.
	RecentContactBetween(ctx context.Context, aAgentID, bAgentID int64, since time.Time) (bool, error)
	// ThreadParticipant reports whether the agent has sent or received a
	// message in the given thread of the project.
	ThreadParticipant(ctx context.Context, projectID int64, threadKey string, agentID int64) (bool, error)

	// File reservations. SweepExpiredReservations performs the lazy bulk
	// release of overdue rows and returns how many it released.
	CreateReservation(ctx context.Context, r *types.FileReservation) error
	ReservationByID(ctx context.Context, projectID, id int64) (*types.FileReservation, error)
	ActiveReservations(ctx context.Context, projectID int64) ([]*types.FileReservation, error)
	AllReservations(ctx context.Context, projectID int64) ([]*types.FileReservation, error)
	ActiveReservationsByAgent(ctx context.Context, projectID, agentID int64) ([]*types.FileReservation, error)
	SweepExpiredReservations(ctx context.Context, projectID int64, now time.Time) (int64, error)
	ReleaseReservation(ctx context.Context, id int64, at time.Time) error
	UpdateReservationExpiry(ctx context.Context, id int64, expires time.Time) error

	// Contact links.
	UpsertLink(ctx context.Context, link *types.AgentLink) error
	Link(ctx context.Context, aProjectID, aAgentID, bProjectID, bAgentID int64) (*types.AgentLink, error)
	ListContacts(ctx context.Context, projectID, agentID int64) ([]*ContactEntry, error)
	// ApprovedTarget resolves an approved outbound link from the agent to
	// a named agent (case-insensitive) in any other project, returning
	// that agent and its project.
	ApprovedTarget(ctx context.Context, fromProjectID, fromAgentID int64, targetName string) (*types.Agent, *types.Project, error)

	// Sibling suggestions.
	UpsertSibling(ctx context.Context, s *types.ProjectSiblingSuggestion) error
	ListSiblings(ctx context.Context, projectID int64) ([]*types.ProjectSiblingSuggestion, error)
	SetSiblingStatus(ctx context.Context, projectID, siblingID int64, status types.SiblingStatus) error

	Close() error
}
