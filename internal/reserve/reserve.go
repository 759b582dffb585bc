// Package reserve implements the advisory file-reservation rules: shell
// glob matching where `*` crosses path separators, the symmetric conflict
// predicate, and TTL arithmetic for grants and renewals.
package reserve

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

// MinTTL is the floor every reservation TTL is clamped to.
const MinTTL = 60 * time.Second

// DefaultTTL applies when a caller does not specify one.
const DefaultTTL = time.Hour

var (
	patMu    sync.RWMutex
	patCache = make(map[string]*regexp.Regexp)
)

// Match reports whether name matches the shell glob pattern. Unlike
// path.Match, `*` matches any run of characters including separators, so
// "src/*" covers "src/app/main.go". Malformed patterns match nothing.
func Match(pattern, name string) bool {
	re := compiled(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(name)
}

func compiled(pattern string) *regexp.Regexp {
	patMu.RLock()
	re, ok := patCache[pattern]
	patMu.RUnlock()
	if ok {
		return re
	}
	re, err := regexp.Compile(translate(pattern))
	if err != nil {
		re = nil
	}
	patMu.Lock()
	patCache[pattern] = re
	patMu.Unlock()
	return re
}

// translate converts a glob to an anchored regexp, following fnmatch
// semantics: `*` -> `.*`, `?` -> `.`, `[seq]` and `[!seq]` char classes.
func translate(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(`\[`)
				continue
			}
			set := strings.ReplaceAll(pattern[i+1:j], `\`, `\\`)
			if strings.HasPrefix(set, "!") {
				set = "^" + set[1:]
			}
			b.WriteString("[" + set + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// Conflicts applies the symmetric conflict predicate between an existing
// reservation and a candidate claim: released reservations never conflict,
// an agent never conflicts with itself, two shared claims coexist, and
// otherwise the patterns conflict when either matches the other or they
// are equal.
func Conflicts(existing *types.FileReservation, candidatePath string, candidateExclusive bool, candidateAgentID int64) bool {
	if existing.ReleasedTS != nil {
		return false
	}
	if existing.AgentID == candidateAgentID {
		return false
	}
	if !existing.Exclusive && !candidateExclusive {
		return false
	}
	a, b := candidatePath, existing.PathPattern
	return Match(b, a) || Match(a, b) || a == b
}

// PatternsOverlap reports whether two patterns cover common ground, after
// stripping simple "./" relative prefixes from both.
func PatternsOverlap(a, b string) bool {
	a1, b1 := stripDotSlash(a), stripDotSlash(b)
	return Match(b1, a1) || Match(a1, b1) || a1 == b1
}

// AnyOverlap reports whether any pattern pair across the two sets overlaps.
func AnyOverlap(pathsA, pathsB []string) bool {
	for _, pa := range pathsA {
		for _, pb := range pathsB {
			if PatternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func stripDotSlash(s string) string {
	for strings.HasPrefix(s, "./") {
		s = s[2:]
	}
	return s
}

// ClampTTL applies the default and the 60s floor to a requested TTL.
func ClampTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTTL
	}
	if d < MinTTL {
		return MinTTL
	}
	return d
}

// RenewFrom computes a renewed expiry: the extension is added to the
// current expiry when it is still in the future, otherwise to now, so a
// renewal never shortens a grant and never back-dates an expired one.
func RenewFrom(now, expires time.Time, extend time.Duration) time.Time {
	base := expires
	if now.After(base) {
		base = now
	}
	return base.Add(ClampTTL(extend))
}
