// Package archive maintains the human-browsable git archive that mirrors
// the database: one directory tree per project with agent profiles,
// per-agent mailboxes, canonical message files, thread digests,
// content-addressed attachments, and reservation records.
package archive

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

// Manager owns the archive root and the per-project lock registry.
type Manager struct {
	root        string
	authorName  string
	authorEmail string
	log         *slog.Logger

	mu    sync.Mutex
	named map[string]*sync.Mutex
}

// NewManager prepares the archive root and its git repository.
func NewManager(root, authorName, authorEmail string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(root, "projects"), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive root: %w", err)
	}
	m := &Manager{
		root:        root,
		authorName:  authorName,
		authorEmail: authorEmail,
		log:         log,
		named:       make(map[string]*sync.Mutex),
	}
	if err := m.ensureRepo(); err != nil {
		return nil, err
	}
	return m, nil
}

// Root returns the archive root directory.
func (m *Manager) Root() string { return m.root }

// Project returns the handle for one project's subtree, creating its
// directory skeleton on first use.
func (m *Manager) Project(slug string) (*ProjectArchive, error) {
	dir := filepath.Join(m.root, "projects", slug)
	for _, sub := range []string{"agents", "messages", filepath.Join("messages", "threads"), "attachments", "file_reservations"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating project archive %s: %w", slug, err)
		}
	}
	return &ProjectArchive{m: m, Slug: slug, Dir: dir}, nil
}

// ProjectArchive is the on-disk subtree of one project.
type ProjectArchive struct {
	m    *Manager
	Slug string
	Dir  string
}

// AgentDir returns (and creates) the directory of one agent.
func (p *ProjectArchive) AgentDir(name string) (string, error) {
	dir := filepath.Join(p.Dir, "agents", name)
	for _, sub := range []string{"inbox", "outbox"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("creating agent dir %s: %w", name, err)
		}
	}
	return dir, nil
}

// WriteAgentProfile persists agents/<name>/profile.json.
func (p *ProjectArchive) WriteAgentProfile(agent *types.Agent) (string, error) {
	dir, err := p.AgentDir(agent.Name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "profile.json")
	if err := writeJSONFile(path, agent); err != nil {
		return "", fmt.Errorf("writing profile for %s: %w", agent.Name, err)
	}
	return path, nil
}

// ReservationRecordPath returns the JSON record path for one grant,
// addressed by the hash of the path pattern alone.
func (p *ProjectArchive) ReservationRecordPath(pattern string) string {
	sum := sha1.Sum([]byte(pattern))
	return filepath.Join(p.Dir, "file_reservations", hex.EncodeToString(sum[:])+".json")
}

// WriteReservationRecord persists (or refreshes, after renewal or
// release) the on-disk record of a grant. Released grants keep their
// record, with released_ts set, so the artifact trail survives in git.
func (p *ProjectArchive) WriteReservationRecord(r *types.FileReservation) (string, error) {
	path := p.ReservationRecordPath(r.PathPattern)
	if err := writeJSONFile(path, r); err != nil {
		return "", fmt.Errorf("writing reservation record: %w", err)
	}
	return path, nil
}

// ReadReservationRecords loads every reservation record of the project.
func (p *ProjectArchive) ReadReservationRecords() ([]*types.FileReservation, error) {
	entries, err := os.ReadDir(filepath.Join(p.Dir, "file_reservations"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading reservation records: %w", err)
	}
	var out []*types.FileReservation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.Dir, "file_reservations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		var r types.FileReservation
		if err := json.Unmarshal(data, &r); err != nil {
			// Tolerate records written by other tooling.
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// fileStampLayout keeps ISO ordering while staying filename-safe.
const fileStampLayout = "2006-01-02T15-04-05Z"

var subjectStrip = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SubjectSlug derives the filename fragment from a subject.
func SubjectSlug(subject string) string {
	s := subjectStrip.ReplaceAllString(strings.TrimSpace(subject), "-")
	s = strings.ToLower(strings.Trim(s, "-_"))
	if len(s) > 80 {
		s = s[:80]
	}
	if s == "" {
		return "message"
	}
	return s
}

// MessageFileName builds "<stamp>__<subject-slug>__<id>.md".
func MessageFileName(ts time.Time, subject string, id int64) string {
	return fmt.Sprintf("%s__%s__%d.md", ts.UTC().Format(fileStampLayout), SubjectSlug(subject), id)
}

func monthDir(base string, ts time.Time) string {
	return filepath.Join(base, ts.UTC().Format("2006"), ts.UTC().Format("01"))
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// RelPath converts an absolute path under the archive root into the
// repo-relative form used for git operations and resource payloads.
func (m *Manager) RelPath(abs string) string {
	rel, err := filepath.Rel(m.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}
