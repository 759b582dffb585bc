package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/archive"
	"github.com/harborline/mailroom/internal/reserve"
	"github.com/harborline/mailroom/internal/types"
)

// ReserveArgs are the reserve_file_paths inputs.
type ReserveArgs struct {
	ProjectKey string   `json:"project_key"`
	AgentName  string   `json:"agent_name"`
	Paths      []string `json:"paths"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
	Exclusive  bool     `json:"exclusive"`
	Reason     string   `json:"reason,omitempty"`
}

// ReservationConflict names one overlapping foreign reservation reported
// alongside a grant.
type ReservationConflict struct {
	Path      string    `json:"path"`
	Pattern   string    `json:"pattern"`
	Holder    string    `json:"holder"`
	Exclusive bool      `json:"exclusive"`
	ExpiresTS time.Time `json:"expires_ts"`
}

// ReserveResult is the reserve_file_paths payload. Grants always succeed;
// conflicts are advisory.
type ReserveResult struct {
	Granted   []*types.FileReservation `json:"granted"`
	Conflicts []ReservationConflict    `json:"conflicts"`
}

// ReserveFilePaths grants advisory leases on the given path patterns,
// reporting overlaps with other agents' active reservations.
func (s *Service) ReserveFilePaths(ctx context.Context, args ReserveArgs) (*ReserveResult, error) {
	if len(args.Paths) == 0 {
		return nil, types.Invalidf("at least one path pattern is required")
	}
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, args.AgentName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := s.store.SweepExpiredReservations(ctx, project.ID, now); err != nil {
		return nil, err
	}
	active, err := s.store.ActiveReservations(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	ttl := reserve.ClampTTL(time.Duration(args.TTLSeconds) * time.Second)
	if args.TTLSeconds == 0 {
		ttl = reserve.DefaultTTL
	}

	result := &ReserveResult{Conflicts: []ReservationConflict{}}
	for _, path := range args.Paths {
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, types.Invalidf("empty path pattern")
		}
		for _, existing := range active {
			if reserve.Conflicts(existing, path, args.Exclusive, agent.ID) {
				result.Conflicts = append(result.Conflicts, ReservationConflict{
					Path:      path,
					Pattern:   existing.PathPattern,
					Holder:    existing.AgentName,
					Exclusive: existing.Exclusive,
					ExpiresTS: existing.ExpiresTS,
				})
			}
		}
		r := &types.FileReservation{
			ProjectID:   project.ID,
			AgentID:     agent.ID,
			AgentName:   agent.Name,
			PathPattern: path,
			Exclusive:   args.Exclusive,
			Reason:      args.Reason,
			CreatedTS:   now,
			ExpiresTS:   now.Add(ttl),
		}
		if err := s.store.CreateReservation(ctx, r); err != nil {
			return nil, err
		}
		result.Granted = append(result.Granted, r)
	}

	if err := s.commitReservationRecords(ctx, project, agent.Name, "reserve_file_paths", result.Granted); err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseArgs are the release_reservations inputs. Empty Paths releases
// every active reservation held by the agent.
type ReleaseArgs struct {
	ProjectKey string   `json:"project_key"`
	AgentName  string   `json:"agent_name"`
	Paths      []string `json:"paths,omitempty"`
}

// ReleaseResult is the release_reservations payload.
type ReleaseResult struct {
	Released []*types.FileReservation `json:"released"`
}

// ReleaseReservations marks the agent's matching active reservations as
// released. Releasing an already-released reservation is a no-op. The
// on-disk records remain for audit, stamped with released_ts.
func (s *Service) ReleaseReservations(ctx context.Context, args ReleaseArgs) (*ReleaseResult, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, args.AgentName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := s.store.SweepExpiredReservations(ctx, project.ID, now); err != nil {
		return nil, err
	}
	mine, err := s.store.ActiveReservationsByAgent(ctx, project.ID, agent.ID)
	if err != nil {
		return nil, err
	}

	result := &ReleaseResult{}
	for _, r := range mine {
		if len(args.Paths) > 0 && !containsPattern(args.Paths, r.PathPattern) {
			continue
		}
		if err := s.store.ReleaseReservation(ctx, r.ID, now); err != nil {
			return nil, err
		}
		r.ReleasedTS = &now
		result.Released = append(result.Released, r)
	}

	if len(result.Released) > 0 {
		if err := s.commitReservationRecords(ctx, project, agent.Name, "release_reservations", result.Released); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// RenewArgs are the renew_reservations inputs.
type RenewArgs struct {
	ProjectKey    string   `json:"project_key"`
	AgentName     string   `json:"agent_name"`
	Paths         []string `json:"paths,omitempty"`
	ExtendSeconds int      `json:"extend_seconds,omitempty"`
}

// RenewResult is the renew_reservations payload.
type RenewResult struct {
	Renewed []*types.FileReservation `json:"renewed"`
}

// RenewReservations extends expiry from max(now, current expiry) by the
// clamped delta and refreshes the on-disk records. Reservation ids are
// preserved.
func (s *Service) RenewReservations(ctx context.Context, args RenewArgs) (*RenewResult, error) {
	project, err := s.project(ctx, args.ProjectKey)
	if err != nil {
		return nil, err
	}
	agent, err := s.agent(ctx, project, args.AgentName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	mine, err := s.store.ActiveReservationsByAgent(ctx, project.ID, agent.ID)
	if err != nil {
		return nil, err
	}

	extend := reserve.ClampTTL(time.Duration(args.ExtendSeconds) * time.Second)
	if args.ExtendSeconds == 0 {
		extend = reserve.DefaultTTL
	}

	result := &RenewResult{}
	for _, r := range mine {
		if len(args.Paths) > 0 && !containsPattern(args.Paths, r.PathPattern) {
			continue
		}
		r.ExpiresTS = reserve.RenewFrom(now, r.ExpiresTS, extend)
		if err := s.store.UpdateReservationExpiry(ctx, r.ID, r.ExpiresTS); err != nil {
			return nil, err
		}
		result.Renewed = append(result.Renewed, r)
	}

	if len(result.Renewed) > 0 {
		if err := s.commitReservationRecords(ctx, project, agent.Name, "renew_reservations", result.Renewed); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ListReservations returns the project's reservations after lazy expiry,
// optionally active-only.
func (s *Service) ListReservations(ctx context.Context, projectKey string, activeOnly bool) ([]*types.FileReservation, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := s.store.SweepExpiredReservations(ctx, project.ID, now); err != nil {
		return nil, err
	}
	// After the sweep, expired rows carry released_ts, so the active set
	// is exactly the unexpired one.
	if activeOnly {
		return s.store.ActiveReservations(ctx, project.ID)
	}
	return s.store.AllReservations(ctx, project.ID)
}

// commitReservationRecords writes the JSON records under the archive
// lock and commits them as one operation. Released grants are written
// too; their records carry released_ts and stay in the tree for audit.
func (s *Service) commitReservationRecords(ctx context.Context, project *types.Project, agentName, tool string, records []*types.FileReservation) error {
	p, err := s.archives.Project(project.Slug)
	if err != nil {
		return err
	}
	return p.WithLock(ctx, func() error {
		var rels []string
		for _, r := range records {
			path, err := p.WriteReservationRecord(r)
			if err != nil {
				return err
			}
			rels = append(rels, s.archives.RelPath(path))
		}
		panel := fmt.Sprintf("mail: reservations %s | %s\n\nTOOL: %s\nAgent: %s\nProject: %s\n",
			agentName, project.Slug, tool, agentName, project.Slug)
		return s.archives.Commit(ctx, panel, rels...)
	})
}

func containsPattern(patterns []string, pattern string) bool {
	for _, p := range patterns {
		if strings.TrimSpace(p) == pattern {
			return true
		}
	}
	return false
}

// GuardResult is the install/uninstall_precommit_guard payload.
type GuardResult struct {
	HookPath  string `json:"hook_path,omitempty"`
	Installed bool   `json:"installed"`
	Removed   bool   `json:"removed,omitempty"`
}

// InstallPrecommitGuard installs the reservation pre-commit hook into the
// project's working repository.
func (s *Service) InstallPrecommitGuard(ctx context.Context, projectKey, repoPath string) (*GuardResult, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if repoPath == "" {
		repoPath = project.HumanKey
	}
	hookPath, err := archive.InstallGuard(repoPath, s.settings.StorageRoot, project.Slug)
	if err != nil {
		return nil, types.Invalidf("installing guard: %v", err)
	}
	return &GuardResult{HookPath: hookPath, Installed: true}, nil
}

// UninstallPrecommitGuard removes the hook when it is ours.
func (s *Service) UninstallPrecommitGuard(ctx context.Context, projectKey, repoPath string) (*GuardResult, error) {
	project, err := s.project(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if repoPath == "" {
		repoPath = project.HumanKey
	}
	removed, err := archive.UninstallGuard(repoPath)
	if err != nil {
		return nil, err
	}
	return &GuardResult{Removed: removed}, nil
}
