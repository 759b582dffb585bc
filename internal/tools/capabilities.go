package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/harborline/mailroom/internal/types"
)

// Capabilities enforces a per-agent tool allowlist loaded from a JSON file
// of the shape:
//
//	{
//	  "default": ["fetch_inbox", "send_message"],
//	  "agents": {"BlueLake": ["*"]}
//	}
//
// Agents without an entry fall back to "default"; a missing default allows
// everything. The file is read once on first use and memoized, including
// read failures.
type Capabilities struct {
	path string

	once    sync.Once
	loadErr error
	grants  map[string][]string
	def     []string
	hasDef  bool
}

type capabilityFile struct {
	Default []string            `json:"default"`
	Agents  map[string][]string `json:"agents"`
}

// LoadCapabilities prepares lazy loading of the capability file. An empty
// path returns nil, disabling enforcement.
func LoadCapabilities(path string) *Capabilities {
	if path == "" {
		return nil
	}
	return &Capabilities{path: path}
}

func (c *Capabilities) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		c.loadErr = fmt.Errorf("reading capabilities file: %w", err)
		return
	}
	var parsed capabilityFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		c.loadErr = fmt.Errorf("parsing capabilities file %s: %w", c.path, err)
		return
	}
	c.grants = parsed.Agents
	c.def = parsed.Default
	c.hasDef = parsed.Default != nil
}

// Check returns a CAPABILITY_DENIED error when the caller may not invoke
// the tool. An unreadable or absent file disables enforcement rather than
// locking every caller out.
func (c *Capabilities) Check(caller, tool string) error {
	c.once.Do(c.load)
	if c.loadErr != nil {
		return nil
	}
	allowed := c.def
	if grants, ok := c.grants[caller]; ok {
		allowed = grants
	} else if !c.hasDef {
		return nil
	}
	for _, name := range allowed {
		if name == "*" || name == tool {
			return nil
		}
	}
	return types.NewToolError(types.ErrCapabilityDenied,
		fmt.Sprintf("agent %s lacks the %s capability", caller, tool),
		map[string]any{"agent": caller, "tool": tool})
}

// Grants returns the effective allowlist for one caller, for the
// tooling/capabilities resource. The bool reports whether any restriction
// applies.
func (c *Capabilities) Grants(caller string) ([]string, bool) {
	c.once.Do(c.load)
	if c.loadErr != nil {
		return nil, false
	}
	if grants, ok := c.grants[caller]; ok {
		out := append([]string(nil), grants...)
		sort.Strings(out)
		return out, true
	}
	if c.hasDef {
		out := append([]string(nil), c.def...)
		sort.Strings(out)
		return out, true
	}
	return nil, false
}

// LoadError reports a failed or malformed capability file, surfaced via
// introspection so a misconfiguration is visible.
func (c *Capabilities) LoadError() error {
	c.once.Do(c.load)
	return c.loadErr
}
