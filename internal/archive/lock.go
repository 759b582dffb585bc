package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// Lock tuning. The flock half serializes across processes, the named
// mutex half keeps goroutines in one process from thrashing the file
// lock. Stale locks left by a crashed process are broken once their
// owner PID is dead or the owner file outlives staleLockTimeout.
const (
	lockRetryInterval = 50 * time.Millisecond
	staleLockTimeout  = 10 * time.Minute
)

type lockOwner struct {
	PID       int       `json:"pid"`
	CreatedTS time.Time `json:"created_ts"`
}

func (m *Manager) namedMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.named[key]
	if !ok {
		mu = &sync.Mutex{}
		m.named[key] = mu
	}
	return mu
}

// WithLock runs fn while holding the project's archive lock. Every write
// to the project subtree plus its commit happens under this lock.
func (p *ProjectArchive) WithLock(ctx context.Context, fn func() error) error {
	mu := p.m.namedMutex(p.Slug)
	mu.Lock()
	defer mu.Unlock()

	lockPath := p.Dir + ".lock"
	ownerPath := lockPath + ".owner"
	p.breakStaleLock(lockPath, ownerPath)

	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquiring archive lock for %s: %w", p.Slug, err)
	}
	if !locked {
		return fmt.Errorf("archive lock for %s not acquired", p.Slug)
	}
	defer func() {
		_ = os.Remove(ownerPath)
		_ = fl.Unlock()
	}()

	owner := lockOwner{PID: os.Getpid(), CreatedTS: time.Now().UTC()}
	if data, err := json.Marshal(owner); err == nil {
		_ = os.WriteFile(ownerPath, data, 0o644)
	}

	return fn()
}

// breakStaleLock removes lock artifacts whose owner is dead or too old.
// Best effort: on any doubt the lock is left in place and acquisition
// proceeds through the normal retry path.
func (p *ProjectArchive) breakStaleLock(lockPath, ownerPath string) {
	data, err := os.ReadFile(ownerPath)
	if err != nil {
		return
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil {
		return
	}
	stale := time.Since(owner.CreatedTS) > staleLockTimeout
	if !stale && owner.PID > 0 && owner.PID != os.Getpid() {
		stale = !pidAlive(owner.PID)
	}
	if !stale {
		return
	}
	p.m.log.Warn("breaking stale archive lock",
		"project", p.Slug, "owner_pid", owner.PID, "created_ts", owner.CreatedTS)
	_ = os.Remove(ownerPath)
	_ = os.Remove(lockPath)
}

// LockState describes one currently held archive lock, read from its
// owner sidecar file.
type LockState struct {
	Project   string    `json:"project"`
	PID       int       `json:"pid"`
	CreatedTS time.Time `json:"created_ts"`
	Alive     bool      `json:"owner_alive"`
}

// LockStates scans the projects directory for held archive locks.
func (m *Manager) LockStates() ([]LockState, error) {
	pattern := filepath.Join(m.root, "projects", "*.lock.owner")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scanning lock owners: %w", err)
	}
	states := make([]LockState, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var owner lockOwner
		if err := json.Unmarshal(data, &owner); err != nil {
			continue
		}
		slug := strings.TrimSuffix(filepath.Base(path), ".lock.owner")
		states = append(states, LockState{
			Project:   slug,
			PID:       owner.PID,
			CreatedTS: owner.CreatedTS,
			Alive:     owner.PID > 0 && pidAlive(owner.PID),
		})
	}
	return states, nil
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
