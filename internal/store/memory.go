package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/fleetguard/internal/model"
)

// Memory is an in-process Backend. It is safe for concurrent use and gives
// the same compare-and-set guarantees as the SQL store within one process.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]*model.RemediationRun
	replayed  map[string]bool
	incidents map[string]*model.IncidentRun
	timeline  map[string][]model.IncidentTimelineEvent
	hosts     map[string]*model.Host
	audit     []model.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]*model.RemediationRun),
		replayed:  make(map[string]bool),
		incidents: make(map[string]*model.IncidentRun),
		timeline:  make(map[string][]model.IncidentTimelineEvent),
		hosts:     make(map[string]*model.Host),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateRun(_ context.Context, run *model.RemediationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrConflict)
	}
	run.Rev = 1
	m.runs[run.ID] = run.Clone()
	if run.ReplayOfRunID != "" {
		m.replayed[run.ReplayOfRunID] = true
	}
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*model.RemediationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *Memory) selectRuns(f RunFilter) []*model.RemediationRun {
	var out []*model.RemediationRun
	for _, r := range m.runs {
		if f.Match(r, m.replayed[r.ID]) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.RequestedAt.Equal(b.RequestedAt) {
			if f.OldestFirst {
				return a.RequestedAt.Before(b.RequestedAt)
			}
			return a.RequestedAt.After(b.RequestedAt)
		}
		if f.OldestFirst {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	return out
}

func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]*model.RemediationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sel := m.selectRuns(f)
	if f.Limit > 0 && len(sel) > f.Limit {
		sel = sel[:f.Limit]
	}
	out := make([]*model.RemediationRun, len(sel))
	for i, r := range sel {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *Memory) CountRuns(_ context.Context, f RunFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runs {
		if f.Match(r, m.replayed[r.ID]) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListEligible(_ context.Context, now time.Time, limit int) ([]*model.RemediationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sel := m.selectRuns(RunFilter{
		Mode:        model.RunModeExecute,
		States:      []model.RunState{model.RunStateQueued},
		OldestFirst: true,
	})
	var out []*model.RemediationRun
	for _, r := range sel {
		if !r.Eligible(now) {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateRun(_ context.Context, run *model.RemediationRun, expectState model.RunState, expectRev int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	if cur.State != expectState || cur.Rev != expectRev {
		return fmt.Errorf("run %s is %s@%d, expected %s@%d: %w",
			run.ID, cur.State, cur.Rev, expectState, expectRev, ErrConflict)
	}
	run.Rev = expectRev + 1
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) ClaimRun(_ context.Context, run *model.RemediationRun, expectRev int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	if cur.State != model.RunStateQueued || cur.Rev != expectRev {
		return fmt.Errorf("run %s is %s@%d, expected queued@%d: %w",
			run.ID, cur.State, cur.Rev, expectRev, ErrConflict)
	}
	for id, o := range m.runs {
		if id != run.ID && o.State == model.RunStateRunning && o.Mode == model.RunModeExecute &&
			o.HostID == cur.HostID && o.ActionID == cur.ActionID {
			return fmt.Errorf("run %s: %s already running on %s: %w", run.ID, cur.ActionID, cur.HostID, ErrBusy)
		}
	}
	run.Rev = expectRev + 1
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) CreateIncident(_ context.Context, inc *model.IncidentRun, ev *model.IncidentTimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[inc.ID]; ok {
		return fmt.Errorf("incident %s: %w", inc.ID, ErrConflict)
	}
	inc.Rev = 1
	m.incidents[inc.ID] = inc.Clone()
	if ev != nil {
		m.timeline[inc.ID] = append(m.timeline[inc.ID], *ev)
	}
	return nil
}

func (m *Memory) GetIncident(_ context.Context, id string) (*model.IncidentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return inc.Clone(), nil
}

func (m *Memory) ListIncidents(_ context.Context, f IncidentFilter) ([]*model.IncidentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.IncidentRun
	for _, inc := range m.incidents {
		if f.Match(inc) {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) TransitionIncident(_ context.Context, next *model.IncidentRun, expectRev int, ev *model.IncidentTimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.incidents[next.ID]
	if !ok {
		return fmt.Errorf("incident %s: %w", next.ID, ErrNotFound)
	}
	if cur.Rev != expectRev {
		return fmt.Errorf("incident %s at rev %d, expected %d: %w", next.ID, cur.Rev, expectRev, ErrConflict)
	}
	next.Rev = expectRev + 1
	m.incidents[next.ID] = next.Clone()
	if ev != nil {
		m.timeline[next.ID] = append(m.timeline[next.ID], *ev)
	}
	return nil
}

func (m *Memory) ListTimeline(_ context.Context, incidentID string) ([]model.IncidentTimelineEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.incidents[incidentID]; !ok {
		return nil, fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
	}
	return append([]model.IncidentTimelineEvent(nil), m.timeline[incidentID]...), nil
}

func (m *Memory) ListDueIncidents(_ context.Context, now time.Time, limit int) ([]*model.IncidentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.IncidentRun
	for _, inc := range m.incidents {
		if due := dueAt(inc); due != nil && !due.After(now) {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := dueAt(out[i]), dueAt(out[j])
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) NextDue(_ context.Context) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var next *time.Time
	for _, inc := range m.incidents {
		if due := dueAt(inc); due != nil && (next == nil || due.Before(*next)) {
			next = due
		}
	}
	if next == nil {
		return nil, nil
	}
	return model.TimePtr(*next), nil
}

func (m *Memory) GetHost(_ context.Context, id string) (*model.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	return h.Clone(), nil
}

func (m *Memory) ListHosts(_ context.Context) ([]*model.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertHost(_ context.Context, h *model.Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[h.ID] = h.Clone()
	return nil
}

func (m *Memory) UpdateFleetPolicy(_ context.Context, id string, fn func(model.HostFleetPolicy) (model.HostFleetPolicy, error)) (*model.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %s: %w", id, ErrNotFound)
	}
	next := h.Clone()
	fp, err := fn(next.Fleet)
	if err != nil {
		return nil, err
	}
	next.Fleet = fp
	m.hosts[id] = next
	return next.Clone(), nil
}

func (m *Memory) AppendAudit(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []model.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.AuditEntry(nil), m.audit...)
}
