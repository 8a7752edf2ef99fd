package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

type AutoTier string

const (
	AutoTierObserve     AutoTier = "observe"
	AutoTierGuardedAuto AutoTier = "guarded_auto"
	AutoTierSafeAuto    AutoTier = "safe_auto"
)

// RemediationAction is a read-only catalog entry.
type RemediationAction struct {
	ID               string   `yaml:"id" json:"id" validate:"required"`
	Title            string   `yaml:"title" json:"title" validate:"required"`
	Rationale        string   `yaml:"rationale" json:"rationale"`
	Commands         []string `yaml:"commands" json:"commands" validate:"required,min=1"`
	Risk             RiskTier `yaml:"risk" json:"risk" validate:"oneof=low medium high"`
	ConfirmPhrase    string   `yaml:"confirm_phrase,omitempty" json:"confirmPhrase,omitempty"`
	RollbackCommands []string `yaml:"rollback_commands,omitempty" json:"rollbackCommands,omitempty"`
	CanaryChecks     []string `yaml:"canary_checks,omitempty" json:"canaryChecks,omitempty"`
	AutoTier         AutoTier `yaml:"auto_tier" json:"autoTier" validate:"oneof=observe guarded_auto safe_auto"`
}

// RequiresApproval reports whether an operator must approve a run of this
// action before it becomes eligible for drain.
func (a RemediationAction) RequiresApproval() bool {
	return a.Risk == RiskHigh
}

type Approval struct {
	Required         bool           `json:"required"`
	Status           ApprovalStatus `json:"status"`
	RequestedAt      *time.Time     `json:"requestedAt,omitempty"`
	ApprovedAt       *time.Time     `json:"approvedAt,omitempty"`
	ApprovedByUserID string         `json:"approvedByUserId,omitempty"`
	RejectReason     string         `json:"rejectReason,omitempty"`
}

type Canary struct {
	Enabled        bool       `json:"enabled"`
	RolloutPercent int        `json:"rolloutPercent"`
	Bucket         int        `json:"bucket"`
	Selected       bool       `json:"selected"`
	Checks         []string   `json:"checks,omitempty"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
	Passed         *bool      `json:"passed,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type Rollback struct {
	Enabled   bool       `json:"enabled"`
	Attempted bool       `json:"attempted"`
	Succeeded *bool      `json:"succeeded,omitempty"`
	Commands  []string   `json:"commands,omitempty"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type AutoQueue struct {
	Queued bool     `json:"queued"`
	Reason string   `json:"reason,omitempty"`
	Tier   AutoTier `json:"tier,omitempty"`
}

// RemediationRun is one persisted remediation job.
type RemediationRun struct {
	ID            string     `json:"id"`
	HostID        string     `json:"hostId"`
	ActionID      string     `json:"actionId"`
	Mode          RunMode    `json:"mode"`
	State         RunState   `json:"state"`
	RequestedAt   time.Time  `json:"requestedAt"`
	RequestedBy   string     `json:"requestedBy,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	DLQ           bool       `json:"dlq"`
	DLQReason     string     `json:"dlqReason,omitempty"`
	ReplayOfRunID string     `json:"replayOfRunId,omitempty"`
	Output        string     `json:"output,omitempty"`
	Approval      Approval   `json:"approval"`
	Canary        Canary     `json:"canary"`
	Rollback      Rollback   `json:"rollback"`
	Auto          AutoQueue  `json:"auto"`
	Rev           int        `json:"rev"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (r *RemediationRun) Clone() *RemediationRun {
	if r == nil {
		return nil
	}
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	c.NextAttemptAt = cloneTime(r.NextAttemptAt)
	c.LastAttemptAt = cloneTime(r.LastAttemptAt)
	c.Approval.RequestedAt = cloneTime(r.Approval.RequestedAt)
	c.Approval.ApprovedAt = cloneTime(r.Approval.ApprovedAt)
	c.Canary.Checks = append([]string(nil), r.Canary.Checks...)
	c.Canary.LastCheckedAt = cloneTime(r.Canary.LastCheckedAt)
	c.Canary.Passed = cloneBool(r.Canary.Passed)
	c.Rollback.Commands = append([]string(nil), r.Rollback.Commands...)
	c.Rollback.LastRunAt = cloneTime(r.Rollback.LastRunAt)
	c.Rollback.Succeeded = cloneBool(r.Rollback.Succeeded)
	return &c
}

// Eligible reports whether a queued run may be claimed by a drain at now.
func (r *RemediationRun) Eligible(now time.Time) bool {
	if r.State != RunStateQueued || r.Mode != RunModeExecute || r.DLQ {
		return false
	}
	if r.Approval.Status == ApprovalPending || r.Approval.Status == ApprovalRejected {
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

// RunPayloadVersion is the current schema version of the persisted
// sub-record payload.
const RunPayloadVersion = 1

// RunPayload is the persisted form of a run's sub-records.
type RunPayload struct {
	Version  int       `json:"version"`
	Approval Approval  `json:"approval"`
	Canary   Canary    `json:"canary"`
	Rollback Rollback  `json:"rollback"`
	Auto     AutoQueue `json:"auto"`
}

// legacyRunPayload is the version 0 layout, which stored flat keys.
type legacyRunPayload struct {
	ApprovalRequired bool           `json:"approvalRequired"`
	ApprovalStatus   ApprovalStatus `json:"approvalStatus"`
	ApprovedBy       string         `json:"approvedBy"`
	CanaryPercent    int            `json:"canaryPercent"`
	RollbackEnabled  bool           `json:"rollbackEnabled"`
	AutoQueued       bool           `json:"autoQueued"`
	AutoReason       string         `json:"autoReason"`
}

func EncodeRunPayload(r *RemediationRun) ([]byte, error) {
	return json.Marshal(RunPayload{
		Version:  RunPayloadVersion,
		Approval: r.Approval,
		Canary:   r.Canary,
		Rollback: r.Rollback,
		Auto:     r.Auto,
	})
}

// DecodeRunPayload reads a payload of any known version into r, migrating
// older layouts forward.
func DecodeRunPayload(data []byte, r *RemediationRun) error {
	if len(data) == 0 {
		r.Approval.Status = ApprovalNone
		return nil
	}
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode run payload: %w", err)
	}
	switch head.Version {
	case 0:
		var legacy legacyRunPayload
		if err := json.Unmarshal(data, &legacy); err != nil {
			return fmt.Errorf("decode legacy run payload: %w", err)
		}
		r.Approval = Approval{
			Required:         legacy.ApprovalRequired,
			Status:           legacy.ApprovalStatus,
			ApprovedByUserID: legacy.ApprovedBy,
		}
		if r.Approval.Status == "" {
			r.Approval.Status = ApprovalNone
		}
		r.Canary = Canary{Enabled: legacy.CanaryPercent > 0, RolloutPercent: legacy.CanaryPercent}
		r.Rollback = Rollback{Enabled: legacy.RollbackEnabled}
		r.Auto = AutoQueue{Queued: legacy.AutoQueued, Reason: legacy.AutoReason}
		return nil
	case RunPayloadVersion:
		var p RunPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode run payload v%d: %w", p.Version, err)
		}
		r.Approval, r.Canary, r.Rollback, r.Auto = p.Approval, p.Canary, p.Rollback, p.Auto
		return nil
	default:
		return fmt.Errorf("unsupported run payload version %d", head.Version)
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// BoolPtr returns a pointer to a copy of b.
func BoolPtr(b bool) *bool {
	return &b
}
