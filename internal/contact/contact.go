// Package contact decides whether one agent may message another. The
// gate combines each recipient's declared policy with a set of
// auto-allow heuristics so that agents already working together do not
// need an explicit handshake.
package contact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborline/mailroom/internal/reserve"
	"github.com/harborline/mailroom/internal/storage"
	"github.com/harborline/mailroom/internal/types"
)

// Decision is the outcome of a gate check.
type Decision int

const (
	// Allow means the message may be delivered.
	Allow Decision = iota
	// Require means the recipient wants a contact handshake first.
	Require
	// Block means the recipient refuses contact outright.
	Block
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Require:
		return "require"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Result carries the decision plus the heuristic (if any) that produced
// an Allow, for diagnostics.
type Result struct {
	Decision Decision
	Reason   string
}

// Gate evaluates contact policy for message delivery.
type Gate struct {
	store       storage.Store
	enforcement bool
	autoTTL     time.Duration
}

// NewGate builds a gate. When enforcement is false, only block_all
// recipients are protected; everything else is allowed.
func NewGate(store storage.Store, enforcement bool, autoTTL time.Duration) *Gate {
	return &Gate{store: store, enforcement: enforcement, autoTTL: autoTTL}
}

// Check decides whether sender may deliver to recipient. threadID, when
// non-empty, enables the shared-thread heuristic.
func (g *Gate) Check(ctx context.Context, sender, recipient *types.Agent, threadID string, now time.Time) (Result, error) {
	if sender.ID == recipient.ID {
		return Result{Allow, "self"}, nil
	}

	switch recipient.ContactPolicy {
	case types.PolicyBlockAll:
		// An explicit block wins over everything, approved links included.
		return Result{Decision: Block}, nil
	case types.PolicyOpen:
		return Result{Allow, "open policy"}, nil
	}

	if !g.enforcement {
		return Result{Allow, "enforcement disabled"}, nil
	}
	approved, err := g.approvedLink(ctx, sender, recipient, now)
	if err != nil {
		return Result{}, err
	}
	if approved {
		return Result{Allow, "approved link"}, nil
	}

	if recipient.ContactPolicy == types.PolicyContactsOnly {
		return Result{Decision: Require}, nil
	}

	// auto policy: look for evidence of an existing working relationship.
	reason, err := g.autoAllowReason(ctx, sender, recipient, threadID, now)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return Result{Allow, reason}, nil
	}
	return Result{Decision: Require}, nil
}

func (g *Gate) approvedLink(ctx context.Context, sender, recipient *types.Agent, now time.Time) (bool, error) {
	link, err := g.store.Link(ctx, sender.ProjectID, sender.ID, recipient.ProjectID, recipient.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return link.Status == types.LinkApproved && !link.Expired(now), nil
}

func (g *Gate) autoAllowReason(ctx context.Context, sender, recipient *types.Agent, threadID string, now time.Time) (string, error) {
	if threadID != "" && sender.ProjectID == recipient.ProjectID {
		shared, err := g.store.ThreadParticipant(ctx, recipient.ProjectID, threadID, recipient.ID)
		if err != nil {
			return "", err
		}
		if shared {
			return "shared thread", nil
		}
	}

	since := now.Add(-g.autoTTL)
	recent, err := g.store.RecentContactBetween(ctx, sender.ID, recipient.ID, since)
	if err != nil {
		return "", err
	}
	if recent {
		return "recent contact", nil
	}

	overlap, err := g.reservationsOverlap(ctx, sender, recipient, now)
	if err != nil {
		return "", err
	}
	if overlap {
		return "overlapping reservations", nil
	}
	return "", nil
}

// reservationsOverlap reports whether the two agents currently hold
// reservations over intersecting path patterns in the same project.
func (g *Gate) reservationsOverlap(ctx context.Context, sender, recipient *types.Agent, now time.Time) (bool, error) {
	if sender.ProjectID != recipient.ProjectID {
		return false, nil
	}
	senderRes, err := g.store.ActiveReservationsByAgent(ctx, sender.ProjectID, sender.ID)
	if err != nil {
		return false, err
	}
	if len(senderRes) == 0 {
		return false, nil
	}
	recipRes, err := g.store.ActiveReservationsByAgent(ctx, recipient.ProjectID, recipient.ID)
	if err != nil {
		return false, err
	}
	// Expired-but-unswept rows still read as active; ignore them here.
	var senderPatterns, recipPatterns []string
	for _, r := range senderRes {
		if r.Active(now) {
			senderPatterns = append(senderPatterns, r.PathPattern)
		}
	}
	for _, r := range recipRes {
		if r.Active(now) {
			recipPatterns = append(recipPatterns, r.PathPattern)
		}
	}
	return reserve.AnyOverlap(senderPatterns, recipPatterns), nil
}

// RequireError builds the structured error for a Require decision.
func RequireError(recipient string) *types.ToolError {
	return types.NewToolError(types.ErrContactRequired,
		fmt.Sprintf("agent %s requires a contact handshake; use request_contact first", recipient),
		map[string]any{"recipient": recipient})
}

// BlockError builds the structured error for a Block decision.
func BlockError(recipient string) *types.ToolError {
	return types.NewToolError(types.ErrContactBlocked,
		fmt.Sprintf("agent %s is not accepting messages", recipient),
		map[string]any{"recipient": recipient})
}
