package model

import "fmt"

type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
)

type RunMode string

const (
	RunModeDryRun  RunMode = "dry_run"
	RunModeExecute RunMode = "execute"
)

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type IncidentState string

const (
	IncidentOpen         IncidentState = "open"
	IncidentAcknowledged IncidentState = "acknowledged"
	IncidentResolved     IncidentState = "resolved"
	IncidentClosed       IncidentState = "closed"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

type PostmortemStatus string

const (
	PostmortemNotStarted PostmortemStatus = "not_started"
	PostmortemDraft      PostmortemStatus = "draft"
	PostmortemPublished  PostmortemStatus = "published"
	PostmortemWaived     PostmortemStatus = "waived"
)

type ActionItemStatus string

const (
	ActionItemOpen       ActionItemStatus = "open"
	ActionItemInProgress ActionItemStatus = "in_progress"
	ActionItemBlocked    ActionItemStatus = "blocked"
	ActionItemDone       ActionItemStatus = "done"
	ActionItemWaived     ActionItemStatus = "waived"
)

var terminalRunStates = map[RunState]bool{
	RunStateSucceeded: true,
	RunStateFailed:    true,
	RunStateCanceled:  true,
}

// Run transitions: queued → running → terminal, with running → queued for a
// scheduled retry. canceled is reachable from queued (operator) and from
// running only when the executor reports the run was interrupted.
var validRunTransitions = map[RunState]map[RunState]bool{
	RunStateQueued: {
		RunStateRunning:  true,
		RunStateCanceled: true,
	},
	RunStateRunning: {
		RunStateQueued:    true, // retry with backoff
		RunStateSucceeded: true,
		RunStateFailed:    true,
		RunStateCanceled:  true,
	},
}

var validSeverities = map[Severity]bool{
	SeverityCritical: true,
	SeverityHigh:     true,
	SeverityMedium:   true,
}

var validPostmortemStatuses = map[PostmortemStatus]bool{
	PostmortemNotStarted: true,
	PostmortemDraft:      true,
	PostmortemPublished:  true,
	PostmortemWaived:     true,
}

var validActionItemStatuses = map[ActionItemStatus]bool{
	ActionItemOpen:       true,
	ActionItemInProgress: true,
	ActionItemBlocked:    true,
	ActionItemDone:       true,
	ActionItemWaived:     true,
}

func IsRunTerminal(s RunState) bool {
	return terminalRunStates[s]
}

func ValidateRunTransition(from, to RunState) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run state %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

func ValidSeverity(s Severity) bool {
	return validSeverities[s]
}

func ValidPostmortemStatus(s PostmortemStatus) bool {
	return validPostmortemStatuses[s]
}

func ValidActionItemStatus(s ActionItemStatus) bool {
	return validActionItemStatuses[s]
}
