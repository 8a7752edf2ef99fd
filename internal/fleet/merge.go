package fleet

import (
	"strings"

	"github.com/msageha/fleetguard/internal/model"
)

// PolicyPatch is a partial HostFleetPolicy. Nil fields keep the prior value;
// ClearGroup removes the group.
type PolicyPatch struct {
	Group           *string   `json:"group,omitempty"`
	ClearGroup      bool      `json:"clearGroup,omitempty"`
	Tags            *[]string `json:"tags,omitempty"`
	Scopes          *[]string `json:"scopes,omitempty"`
	RolloutPaused   *bool     `json:"rolloutPaused,omitempty"`
	RolloutPriority *int      `json:"rolloutPriority,omitempty"`
}

// Empty reports whether p changes nothing.
func (p PolicyPatch) Empty() bool {
	return p.Group == nil && !p.ClearGroup && p.Tags == nil && p.Scopes == nil &&
		p.RolloutPaused == nil && p.RolloutPriority == nil
}

// MergePolicy applies patch to prev. The result never aliases prev.
func MergePolicy(prev model.HostFleetPolicy, patch PolicyPatch) model.HostFleetPolicy {
	next := model.HostFleetPolicy{
		Tags:            append([]string(nil), prev.Tags...),
		Scopes:          append([]string(nil), prev.Scopes...),
		RolloutPaused:   prev.RolloutPaused,
		RolloutPriority: prev.RolloutPriority,
	}
	if prev.Group != nil {
		g := *prev.Group
		next.Group = &g
	}

	switch {
	case patch.ClearGroup:
		next.Group = nil
	case patch.Group != nil:
		g := strings.TrimSpace(*patch.Group)
		if g == "" {
			next.Group = nil
		} else {
			next.Group = &g
		}
	}
	if patch.Tags != nil {
		next.Tags = model.LowerSet(*patch.Tags)
	}
	if patch.Scopes != nil {
		next.Scopes = model.LowerSet(*patch.Scopes)
	}
	if patch.RolloutPaused != nil {
		next.RolloutPaused = *patch.RolloutPaused
	}
	if patch.RolloutPriority != nil {
		next.RolloutPriority = *patch.RolloutPriority
	}
	return next
}
