// Package store persists remediation runs, incidents, hosts and the audit
// log. Every mutation is a compare-and-set on the record's revision.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/fleetguard/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the record changed since it was read: its state or
	// revision no longer matches the caller's expectation, or the ID exists.
	ErrConflict = errors.New("conflict")
	// ErrBusy means another execute run for the same host and action is
	// already running.
	ErrBusy = errors.New("busy")
)

// RunFilter selects runs for ListRuns and CountRuns. Zero fields match all.
type RunFilter struct {
	HostID   string
	ActionID string
	Mode     model.RunMode
	States   []model.RunState
	// Since bounds RequestedAt from below (inclusive).
	Since *time.Time
	DLQ   *bool
	// NotReplayed excludes runs that some other run replays.
	NotReplayed bool
	Limit       int
	// OldestFirst orders by RequestedAt ascending instead of descending.
	OldestFirst bool
}

func (f RunFilter) hasState(s model.RunState) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, x := range f.States {
		if x == s {
			return true
		}
	}
	return false
}

func (f RunFilter) Match(r *model.RemediationRun, replayed bool) bool {
	if f.HostID != "" && r.HostID != f.HostID {
		return false
	}
	if f.ActionID != "" && r.ActionID != f.ActionID {
		return false
	}
	if f.Mode != "" && r.Mode != f.Mode {
		return false
	}
	if !f.hasState(r.State) {
		return false
	}
	if f.Since != nil && r.RequestedAt.Before(*f.Since) {
		return false
	}
	if f.DLQ != nil && r.DLQ != *f.DLQ {
		return false
	}
	if f.NotReplayed && replayed {
		return false
	}
	return true
}

type RunStore interface {
	CreateRun(ctx context.Context, run *model.RemediationRun) error
	GetRun(ctx context.Context, id string) (*model.RemediationRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*model.RemediationRun, error)
	CountRuns(ctx context.Context, f RunFilter) (int, error)
	// ListEligible returns queued execute runs that a drain may claim at
	// now, oldest first.
	ListEligible(ctx context.Context, now time.Time, limit int) ([]*model.RemediationRun, error)
	// UpdateRun writes run if the stored row is still in expectState at
	// expectRev, then sets run.Rev to expectRev+1. Otherwise ErrConflict.
	UpdateRun(ctx context.Context, run *model.RemediationRun, expectState model.RunState, expectRev int) error
	// ClaimRun writes run as UpdateRun does from queued at expectRev, but
	// only while no other execute run for the same host and action is
	// running. Otherwise ErrBusy.
	ClaimRun(ctx context.Context, run *model.RemediationRun, expectRev int) error
}

// IncidentFilter selects incidents for ListIncidents. Zero fields match all.
type IncidentFilter struct {
	States   []model.IncidentState
	Severity model.Severity
	HostID   string
	Limit    int
}

func (f IncidentFilter) Match(inc *model.IncidentRun) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if inc.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Severity != "" && inc.Severity != f.Severity {
		return false
	}
	if f.HostID != "" && inc.HostID != f.HostID {
		return false
	}
	return true
}

type IncidentStore interface {
	// CreateIncident stores inc and its creation event atomically.
	CreateIncident(ctx context.Context, inc *model.IncidentRun, ev *model.IncidentTimelineEvent) error
	GetIncident(ctx context.Context, id string) (*model.IncidentRun, error)
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*model.IncidentRun, error)
	// TransitionIncident writes next and appends ev in one unit if the stored
	// revision is still expectRev; next.Rev becomes expectRev+1.
	TransitionIncident(ctx context.Context, next *model.IncidentRun, expectRev int, ev *model.IncidentTimelineEvent) error
	ListTimeline(ctx context.Context, incidentID string) ([]model.IncidentTimelineEvent, error)
	// ListDueIncidents returns open incidents whose escalation deadline is
	// at or before now, earliest deadline first.
	ListDueIncidents(ctx context.Context, now time.Time, limit int) ([]*model.IncidentRun, error)
	// NextDue returns the earliest escalation deadline among open incidents.
	NextDue(ctx context.Context) (*time.Time, error)
}

type HostDirectory interface {
	GetHost(ctx context.Context, id string) (*model.Host, error)
	ListHosts(ctx context.Context) ([]*model.Host, error)
	UpsertHost(ctx context.Context, h *model.Host) error
	// UpdateFleetPolicy applies fn to the host's fleet policy under the
	// store's write lock or transaction.
	UpdateFleetPolicy(ctx context.Context, id string, fn func(model.HostFleetPolicy) (model.HostFleetPolicy, error)) (*model.Host, error)
}

// AuditSink is the append-only engine audit log.
type AuditSink interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// Backend is one storage implementation of every repository.
type Backend interface {
	RunStore
	IncidentStore
	HostDirectory
	AuditSink
	Close() error
}

// dueAt is the deadline the escalation sweep orders by.
func dueAt(inc *model.IncidentRun) *time.Time {
	if inc.State != model.IncidentOpen {
		return nil
	}
	return inc.EscalationDueAt()
}
