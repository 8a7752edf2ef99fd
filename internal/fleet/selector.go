// Package fleet resolves host selectors, caps rollouts by blast radius and
// splits accepted hosts into staged waves.
package fleet

import (
	"slices"
	"strings"

	"github.com/msageha/fleetguard/internal/model"
)

// Selector picks hosts out of the fleet. Unset sets do not constrain.
type Selector struct {
	Groups      []string `json:"groups,omitempty"`
	TagsAll     []string `json:"tagsAll,omitempty"`
	TagsAny     []string `json:"tagsAny,omitempty"`
	ScopesAll   []string `json:"scopesAll,omitempty"`
	EnabledOnly bool     `json:"enabledOnly"`
}

// NormalizeSelector lowercases and dedupes every string set of s.
func NormalizeSelector(s Selector) Selector {
	return Selector{
		Groups:      model.LowerSet(s.Groups),
		TagsAll:     model.LowerSet(s.TagsAll),
		TagsAny:     model.LowerSet(s.TagsAny),
		ScopesAll:   model.LowerSet(s.ScopesAll),
		EnabledOnly: s.EnabledOnly,
	}
}

// groupKey is h's group as selectors compare it: trimmed and lowercased.
func groupKey(h *model.Host) string {
	return strings.ToLower(strings.TrimSpace(h.Fleet.GroupName()))
}

// HostMatchesSelector reports whether h satisfies every constraint of s.
// The selector is normalized first so callers may pass raw input.
func HostMatchesSelector(h *model.Host, s Selector) bool {
	s = NormalizeSelector(s)
	if s.EnabledOnly && !h.Enabled {
		return false
	}
	if len(s.Groups) > 0 {
		g := groupKey(h)
		if g == "" || !slices.Contains(s.Groups, g) {
			return false
		}
	}
	tags := model.LowerSet(h.Fleet.Tags)
	if !containsAll(tags, s.TagsAll) {
		return false
	}
	if len(s.TagsAny) > 0 && !containsAny(tags, s.TagsAny) {
		return false
	}
	return containsAll(model.LowerSet(h.Fleet.Scopes), s.ScopesAll)
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

func containsAny(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
