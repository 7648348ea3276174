// Package capability normalizes the capability values agents and tasks may
// submit. The wire format allows a bare string or a structured
// {name, version} / {name, score} object; AgentCom's matching model treats
// capabilities purely as strings (spec.md §9, Open Question #1), so any
// structured value is collapsed to its name and the rest is dropped after
// being logged at debug level.
package capability

import (
	"encoding/json"
	"sort"

	"github.com/notno/agentcom/internal/logging"
)

var log = logging.Component("capability")

// structured mirrors the shapes the source system allowed beyond a bare
// string: {"name": "...", "version": "..."} or {"name": "...", "score": n}.
type structured struct {
	Name    string  `json:"name"`
	Version string  `json:"version,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Normalize converts a raw JSON capability list (each entry either a bare
// string or a structured object) to a deduplicated, sorted set of strings.
func Normalize(raw []json.RawMessage) []string {
	set := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		name, ok := normalizeOne(item)
		if !ok || name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NormalizeStrings is the common case: the caller already has a []string and
// only needs deduplication/sorting (no structured forms possible).
func NormalizeStrings(names []string) []string {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalizeOne(item json.RawMessage) (string, bool) {
	var asString string
	if err := json.Unmarshal(item, &asString); err == nil {
		return asString, true
	}

	var s structured
	if err := json.Unmarshal(item, &s); err == nil && s.Name != "" {
		if s.Version != "" {
			log.Debugf("capability %q: dropping version %q during normalization", s.Name, s.Version)
		}
		if s.Score != 0 {
			log.Debugf("capability %q: dropping score %v during normalization", s.Name, s.Score)
		}
		return s.Name, true
	}

	log.Debugf("unrecognized capability entry, skipping: %s", string(item))
	return "", false
}

// Satisfies reports whether agentCaps is a superset of needed. An empty
// needed set matches any agent (spec.md §8 boundary behavior).
func Satisfies(agentCaps, needed []string) bool {
	if len(needed) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = struct{}{}
	}
	for _, n := range needed {
		if _, ok := have[n]; !ok {
			return false
		}
	}
	return true
}
