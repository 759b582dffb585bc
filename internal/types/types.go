// Package types defines the core entities shared by every layer of the
// mailroom server: projects, agents, messages, file reservations, contact
// links, and the closed enums that constrain them.
package types

import (
	"strconv"
	"strings"
	"time"
)

// Importance is the sender-declared priority of a message.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// NormalizeImportance lowercases and validates an importance value,
// falling back to "normal" for anything unrecognized.
func NormalizeImportance(s string) Importance {
	switch Importance(strings.ToLower(strings.TrimSpace(s))) {
	case ImportanceLow:
		return ImportanceLow
	case ImportanceHigh:
		return ImportanceHigh
	case ImportanceUrgent:
		return ImportanceUrgent
	default:
		return ImportanceNormal
	}
}

// ContactPolicy controls who may message an agent without an approved link.
type ContactPolicy string

const (
	PolicyOpen         ContactPolicy = "open"
	PolicyAuto         ContactPolicy = "auto"
	PolicyContactsOnly ContactPolicy = "contacts_only"
	PolicyBlockAll     ContactPolicy = "block_all"
)

// ValidContactPolicy reports whether s names a known policy.
func ValidContactPolicy(s string) bool {
	switch ContactPolicy(s) {
	case PolicyOpen, PolicyAuto, PolicyContactsOnly, PolicyBlockAll:
		return true
	}
	return false
}

// AttachmentsPolicy controls how images attached to a message are stored.
type AttachmentsPolicy string

const (
	AttachAuto   AttachmentsPolicy = "auto"
	AttachInline AttachmentsPolicy = "inline"
	AttachFile   AttachmentsPolicy = "file"
)

// LinkStatus is the state of a directed contact link between two agents.
type LinkStatus string

const (
	LinkPending  LinkStatus = "pending"
	LinkApproved LinkStatus = "approved"
	LinkBlocked  LinkStatus = "blocked"
)

// RecipientKind distinguishes to/cc/bcc placement of a message recipient.
type RecipientKind string

const (
	KindTo  RecipientKind = "to"
	KindCC  RecipientKind = "cc"
	KindBCC RecipientKind = "bcc"
)

// SiblingStatus is the lifecycle state of a project sibling suggestion.
type SiblingStatus string

const (
	SiblingSuggested SiblingStatus = "suggested"
	SiblingConfirmed SiblingStatus = "confirmed"
	SiblingDismissed SiblingStatus = "dismissed"
)

// NameEnforcement selects how strictly agent names are policed at
// registration time.
type NameEnforcement string

const (
	EnforceStrict     NameEnforcement = "strict"
	EnforceCoerce     NameEnforcement = "coerce"
	EnforceAlwaysAuto NameEnforcement = "always_auto"
)

// Project is a coordination namespace identified by a filesystem-ish human
// key and addressed everywhere else by its derived slug.
type Project struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	HumanKey  string    `json:"human_key"`
	CreatedTS time.Time `json:"created_ts"`
}

// Agent is a registered identity inside a project.
type Agent struct {
	ID              int64             `json:"id"`
	ProjectID       int64             `json:"project_id"`
	Name            string            `json:"name"`
	Program         string            `json:"program,omitempty"`
	Model           string            `json:"model,omitempty"`
	TaskDescription string            `json:"task_description,omitempty"`
	InceptionTS     time.Time         `json:"inception_ts"`
	LastActiveTS    time.Time         `json:"last_active_ts"`
	AttachPolicy    AttachmentsPolicy `json:"attachments_policy"`
	ContactPolicy   ContactPolicy     `json:"contact_policy"`
}

// Attachment describes one processed message attachment. Inline
// attachments carry their payload base64-encoded; file attachments point
// at a content-addressed path under the archive.
type Attachment struct {
	Type      string `json:"type"` // "inline" or "file"
	MediaType string `json:"media_type,omitempty"`
	Path      string `json:"path,omitempty"`
	Digest    string `json:"sha1,omitempty"`
	SizeBytes int64  `json:"bytes,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Data      string `json:"data_base64,omitempty"`
}

// Message is one delivered message within a project.
type Message struct {
	ID          int64        `json:"id"`
	ProjectID   int64        `json:"project_id"`
	SenderID    int64        `json:"sender_id"`
	SenderName  string       `json:"from,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	Subject     string       `json:"subject"`
	BodyMD      string       `json:"body_md"`
	Importance  Importance   `json:"importance"`
	AckRequired bool         `json:"ack_required"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedTS   time.Time    `json:"created_ts"`
}

// ThreadKey returns the key grouping this message with its replies: the
// explicit thread id when set, otherwise the message's own id.
func (m *Message) ThreadKey() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return strconv.FormatInt(m.ID, 10)
}

// MessageRecipient is the per-recipient delivery state of a message.
// ReadTS and AckTS are set-once: the first mark wins and later calls
// observe the original timestamp.
type MessageRecipient struct {
	MessageID int64         `json:"message_id"`
	AgentID   int64         `json:"agent_id"`
	Kind      RecipientKind `json:"kind"`
	ReadTS    *time.Time    `json:"read_ts,omitempty"`
	AckTS     *time.Time    `json:"ack_ts,omitempty"`
}

// FileReservation is an advisory claim on a path pattern within a project.
type FileReservation struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	AgentID     int64      `json:"agent_id"`
	AgentName   string     `json:"agent,omitempty"`
	PathPattern string     `json:"path"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason,omitempty"`
	CreatedTS   time.Time  `json:"created_ts"`
	ExpiresTS   time.Time  `json:"expires_ts"`
	ReleasedTS  *time.Time `json:"released_ts,omitempty"`
}

// Active reports whether the reservation is unreleased and unexpired at now.
func (r *FileReservation) Active(now time.Time) bool {
	return r.ReleasedTS == nil && r.ExpiresTS.After(now)
}

// AgentLink is a directed contact edge from agent A toward agent B,
// possibly across projects.
type AgentLink struct {
	ID         int64      `json:"id"`
	AProjectID int64      `json:"a_project_id"`
	AAgentID   int64      `json:"a_agent_id"`
	BProjectID int64      `json:"b_project_id"`
	BAgentID   int64      `json:"b_agent_id"`
	Status     LinkStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedTS  time.Time  `json:"created_ts"`
	UpdatedTS  time.Time  `json:"updated_ts"`
	ExpiresTS  *time.Time `json:"expires_ts,omitempty"`
}

// Expired reports whether the link carries an expiry in the past.
func (l *AgentLink) Expired(now time.Time) bool {
	return l.ExpiresTS != nil && !l.ExpiresTS.After(now)
}

// ProjectSiblingSuggestion records a heuristic guess that two projects
// belong to the same effort.
type ProjectSiblingSuggestion struct {
	ID         int64         `json:"id"`
	ProjectID  int64         `json:"project_id"`
	SiblingID  int64         `json:"sibling_project_id"`
	Score      float64       `json:"score"`
	Rationale  string        `json:"rationale,omitempty"`
	Status     SiblingStatus `json:"status"`
	CreatedTS  time.Time     `json:"created_ts"`
	UpdatedTS  time.Time     `json:"updated_ts"`
}

// Ptr returns a pointer to v. Handy for optional timestamp fields in tests.
func Ptr[T any](v T) *T { return &v }
