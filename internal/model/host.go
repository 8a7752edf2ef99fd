package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HostFleetPolicy is the rollout-facing view of a host's metadata.
type HostFleetPolicy struct {
	Group           *string  `json:"group,omitempty" yaml:"group,omitempty"`
	Tags            []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Scopes          []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	RolloutPaused   bool     `json:"rolloutPaused" yaml:"rollout_paused"`
	RolloutPriority int      `json:"rolloutPriority" yaml:"rollout_priority"`
}

// GroupName returns the group or "" when the host is ungrouped.
func (p HostFleetPolicy) GroupName() string {
	if p.Group == nil {
		return ""
	}
	return *p.Group
}

// Host is a monitored VPS.
type Host struct {
	ID       string          `json:"id" yaml:"id"`
	Name     string          `json:"name" yaml:"name"`
	Address  string          `json:"address" yaml:"address"`
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Fleet    HostFleetPolicy `json:"fleet" yaml:"fleet"`
	Metadata json.RawMessage `json:"metadata,omitempty" yaml:"-"`
}

// Clone returns a deep copy of h.
func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	c := *h
	if h.Fleet.Group != nil {
		g := *h.Fleet.Group
		c.Fleet.Group = &g
	}
	c.Fleet.Tags = append([]string(nil), h.Fleet.Tags...)
	c.Fleet.Scopes = append([]string(nil), h.Fleet.Scopes...)
	c.Metadata = append(json.RawMessage(nil), h.Metadata...)
	return &c
}

// HostConfig is a host as written in the config file, with free-form
// metadata in place of the raw JSON blob.
type HostConfig struct {
	ID       string          `yaml:"id" validate:"required"`
	Name     string          `yaml:"name"`
	Address  string          `yaml:"address" validate:"required"`
	Disabled bool            `yaml:"disabled"`
	Fleet    HostFleetPolicy `yaml:"fleet"`
	Metadata map[string]any  `yaml:"metadata"`
}

// ToHost converts hc, encoding its metadata to JSON.
func (hc HostConfig) ToHost() (Host, error) {
	h := Host{
		ID:      hc.ID,
		Name:    hc.Name,
		Address: hc.Address,
		Enabled: !hc.Disabled,
		Fleet:   hc.Fleet,
	}
	if h.Name == "" {
		h.Name = hc.ID
	}
	h.Fleet.Tags = LowerSet(h.Fleet.Tags)
	h.Fleet.Scopes = LowerSet(h.Fleet.Scopes)
	if len(hc.Metadata) > 0 {
		raw, err := json.Marshal(hc.Metadata)
		if err != nil {
			return Host{}, fmt.Errorf("host %s metadata: %w", hc.ID, err)
		}
		h.Metadata = raw
	}
	return *h.Clone(), nil
}

// LowerSet lowercases, trims and dedupes xs, keeping first-seen order.
// Empty strings are dropped.
func LowerSet(xs []string) []string {
	if len(xs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(xs))
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		x = strings.ToLower(strings.TrimSpace(x))
		if x == "" || seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}
