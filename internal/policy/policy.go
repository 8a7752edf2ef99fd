// Package policy resolves the effective remediation policy for a host from
// the global policy and the host's metadata overrides.
package policy

import (
	"encoding/json"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/msageha/fleetguard/internal/model"
)

// Metadata keys holding host overrides.
const (
	MetadataRemediationKey = "remediationPolicy"
	MetadataGuardKey       = "commandGuard"
)

// Effective is the policy a single host's runs are governed by.
type Effective struct {
	model.RemediationPolicy
	Guard model.GuardPolicy `json:"guard"`

	// Overridden lists the override keys that were applied, Ignored the ones
	// that were present but invalid. Both are sorted.
	Overridden []string `json:"overridden,omitempty"`
	Ignored    []string `json:"ignored,omitempty"`
}

type intField struct {
	key      string
	min, max int
	field    func(*model.RemediationPolicy) *int
}

type boolField struct {
	key   string
	field func(*model.RemediationPolicy) *bool
}

const week = 7 * 24 * 60

var intFields = []intField{
	{"dryRunMaxAgeMinutes", 1, week, func(p *model.RemediationPolicy) *int { return &p.DryRunMaxAgeMinutes }},
	{"executeCooldownMinutes", 0, week, func(p *model.RemediationPolicy) *int { return &p.ExecuteCooldownMinutes }},
	{"maxExecutePerHour", 1, 1000, func(p *model.RemediationPolicy) *int { return &p.MaxExecutePerHour }},
	{"maxQueuePerHost", 1, 1000, func(p *model.RemediationPolicy) *int { return &p.MaxQueuePerHost }},
	{"maxQueueTotal", 1, 100000, func(p *model.RemediationPolicy) *int { return &p.MaxQueueTotal }},
	{"queueTtlMinutes", 1, week, func(p *model.RemediationPolicy) *int { return &p.QueueTTLMinutes }},
	{"maxRetryAttempts", 1, 20, func(p *model.RemediationPolicy) *int { return &p.MaxRetryAttempts }},
	{"retryBackoffSeconds", 1, 86400, func(p *model.RemediationPolicy) *int { return &p.RetryBackoffSeconds }},
	{"retryBackoffMaxSeconds", 1, 86400, func(p *model.RemediationPolicy) *int { return &p.RetryBackoffMaxSeconds }},
	{"commandTimeoutMs", 100, 3600000, func(p *model.RemediationPolicy) *int { return &p.CommandTimeoutMs }},
	{"maxBufferBytes", 1024, 16 << 20, func(p *model.RemediationPolicy) *int { return &p.MaxBufferBytes }},
	{"canaryRolloutPercent", 0, 100, func(p *model.RemediationPolicy) *int { return &p.CanaryRolloutPercent }},
}

var boolFields = []boolField{
	{"autoRollback", func(p *model.RemediationPolicy) *bool { return &p.AutoRollback }},
	{"canaryEnabled", func(p *model.RemediationPolicy) *bool { return &p.CanaryEnabled }},
}

type hostOverrides struct {
	Remediation map[string]json.RawMessage `json:"remediationPolicy"`
	Guard       map[string]json.RawMessage `json:"commandGuard"`
}

// Resolve merges host overrides from metadata over the global policies field
// by field. A field the host sets to an invalid value keeps the global value.
// Guard overrides can only tighten the global guard. Resolve is pure.
func Resolve(metadata json.RawMessage, global model.RemediationPolicy, guard model.GuardPolicy) Effective {
	eff := Effective{
		RemediationPolicy: global,
		Guard:             cloneGuard(guard),
	}

	var ov hostOverrides
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ov); err != nil {
			eff.Ignored = append(eff.Ignored, "metadata")
			return eff
		}
	}

	for _, f := range intFields {
		raw, ok := ov.Remediation[f.key]
		if !ok {
			continue
		}
		var v int
		if err := json.Unmarshal(raw, &v); err != nil || v < f.min || v > f.max {
			eff.Ignored = append(eff.Ignored, MetadataRemediationKey+"."+f.key)
			continue
		}
		*f.field(&eff.RemediationPolicy) = v
		eff.Overridden = append(eff.Overridden, MetadataRemediationKey+"."+f.key)
	}
	for _, f := range boolFields {
		raw, ok := ov.Remediation[f.key]
		if !ok {
			continue
		}
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			eff.Ignored = append(eff.Ignored, MetadataRemediationKey+"."+f.key)
			continue
		}
		*f.field(&eff.RemediationPolicy) = v
		eff.Overridden = append(eff.Overridden, MetadataRemediationKey+"."+f.key)
	}

	// A host may raise the base backoff past the global cap; lift the cap with it.
	if eff.RetryBackoffMaxSeconds < eff.RetryBackoffSeconds {
		eff.RetryBackoffMaxSeconds = eff.RetryBackoffSeconds
	}

	resolveGuard(&eff, ov.Guard, guard)

	sort.Strings(eff.Overridden)
	sort.Strings(eff.Ignored)
	return eff
}

func resolveGuard(eff *Effective, raw map[string]json.RawMessage, global model.GuardPolicy) {
	key := func(k string) string { return MetadataGuardKey + "." + k }

	if r, ok := raw["enforceAllowlist"]; ok {
		var v bool
		// turning enforcement off is a loosening and is ignored
		if err := json.Unmarshal(r, &v); err != nil || (!v && global.EnforceAllowlist) {
			eff.Ignored = append(eff.Ignored, key("enforceAllowlist"))
		} else {
			eff.Guard.EnforceAllowlist = v
			eff.Overridden = append(eff.Overridden, key("enforceAllowlist"))
		}
	}

	lower := func(k string, cur *int) {
		r, ok := raw[k]
		if !ok {
			return
		}
		var v int
		if err := json.Unmarshal(r, &v); err != nil || v < 1 || (*cur > 0 && v > *cur) {
			eff.Ignored = append(eff.Ignored, key(k))
			return
		}
		*cur = v
		eff.Overridden = append(eff.Overridden, key(k))
	}
	lower("maxCommandsPerAction", &eff.Guard.MaxCommandsPerAction)
	lower("maxCommandLength", &eff.Guard.MaxCommandLength)

	if r, ok := raw["allowPatterns"]; ok {
		var pats []string
		// only a subset of the global allowlist narrows it
		if err := json.Unmarshal(r, &pats); err != nil || len(pats) == 0 || !subset(pats, global.AllowPatterns) {
			eff.Ignored = append(eff.Ignored, key("allowPatterns"))
		} else {
			eff.Guard.AllowPatterns = pats
			eff.Overridden = append(eff.Overridden, key("allowPatterns"))
		}
	}
}

func subset(xs, of []string) bool {
	for _, x := range xs {
		if !slices.Contains(of, x) {
			return false
		}
	}
	return true
}

func cloneGuard(g model.GuardPolicy) model.GuardPolicy {
	g.AllowPatterns = slices.Clone(g.AllowPatterns)
	return g
}

// Global is the fleet-wide policy pair held by a Source.
type Global struct {
	Remediation model.RemediationPolicy
	Guard       model.GuardPolicy
}

// Source holds the current global policy. Config reloads swap it with Store;
// readers never block.
type Source struct {
	p atomic.Pointer[Global]
}

func NewSource(g Global) *Source {
	s := &Source{}
	s.Store(g)
	return s
}

func (s *Source) Load() Global {
	return *s.p.Load()
}

func (s *Source) Store(g Global) {
	g.Guard = cloneGuard(g.Guard)
	s.p.Store(&g)
}

// Resolve resolves metadata against the current global policy.
func (s *Source) Resolve(metadata json.RawMessage) Effective {
	g := s.Load()
	return Resolve(metadata, g.Remediation, g.Guard)
}
