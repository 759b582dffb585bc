// Package names holds the naming rules of the coordination surface:
// project slug derivation and the adjective+noun agent identity scheme.
package names

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// Adjectives and Nouns are the fixed vocabulary for generated agent
// identities. An agent name is valid iff it is some adjective followed by
// some noun, compared case-insensitively.
var (
	Adjectives = []string{
		"Red", "Orange", "Pink", "Black", "Purple", "Blue",
		"Brown", "White", "Green", "Chartreuse", "Lilac", "Fuchsia",
	}
	Nouns = []string{
		"Stone", "Lake", "Dog", "Creek", "Pond", "Cat",
		"Bear", "Mountain", "Hill", "Snow", "Castle",
	}
)

var (
	slugStrip     = regexp.MustCompile(`[^a-z0-9]+`)
	nameStrip     = regexp.MustCompile(`[^A-Za-z0-9]+`)
	validPairs    map[string]bool
	canonicalPair map[string]string
)

func init() {
	validPairs = make(map[string]bool, len(Adjectives)*len(Nouns))
	canonicalPair = make(map[string]string, len(Adjectives)*len(Nouns))
	for _, a := range Adjectives {
		for _, n := range Nouns {
			name := a + n
			key := strings.ToLower(name)
			validPairs[key] = true
			canonicalPair[key] = name
		}
	}
}

// Slugify derives the canonical project slug from a human key: lowercase,
// runs of non-alphanumerics collapsed to single hyphens. Empty results
// fall back to "project" so a slug is never blank.
func Slugify(humanKey string) string {
	s := strings.ToLower(strings.TrimSpace(humanKey))
	s = slugStrip.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "project"
	}
	return s
}

// Sanitize strips everything but letters and digits from a proposed agent
// name and caps it at 128 characters.
func Sanitize(name string) string {
	s := nameStrip.ReplaceAllString(strings.TrimSpace(name), "")
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}

// Valid reports whether name (after sanitization) is an adjective+noun
// identity, compared case-insensitively.
func Valid(name string) bool {
	return validPairs[strings.ToLower(Sanitize(name))]
}

// Canonical returns the canonical capitalization ("BlueLake") for a valid
// name, or the sanitized input unchanged when it is not in the vocabulary.
func Canonical(name string) string {
	s := Sanitize(name)
	if c, ok := canonicalPair[strings.ToLower(s)]; ok {
		return c
	}
	return s
}

// Generate returns a random adjective+noun identity.
func Generate() string {
	return Adjectives[rand.IntN(len(Adjectives))] + Nouns[rand.IntN(len(Nouns))]
}

// GenerateUnused returns a random identity not present in taken
// (case-insensitive). When the vocabulary is exhausted it falls back to a
// plain Generate result rather than looping forever.
func GenerateUnused(taken func(string) bool) string {
	for i := 0; i < len(Adjectives)*len(Nouns)*4; i++ {
		name := Generate()
		if !taken(name) {
			return name
		}
	}
	return Generate()
}
