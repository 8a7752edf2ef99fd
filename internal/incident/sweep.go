package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/store"
)

const defaultSweepLimit = 50

// SweepResult summarizes one escalation sweep. NextDueAt is the earliest
// deadline still pending afterwards, nil when nothing is open.
type SweepResult struct {
	Evaluated   int        `json:"evaluated"`
	Escalated   int        `json:"escalated"`
	IncidentIDs []string   `json:"incidentIds"`
	NextDueAt   *time.Time `json:"nextDueAt"`
	Errors      []string   `json:"errors"`
}

// Sweep escalates up to limit open incidents whose deadline passed by now,
// earliest first. One incident's failure does not stop the others. A zero
// now means the engine clock.
func (e *Engine) Sweep(ctx context.Context, limit int, now time.Time) (SweepResult, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	if now.IsZero() {
		now = e.clock()
	}
	now = now.UTC()
	ctx, span := e.tracer.Start(ctx, "incident.sweep")
	defer span.End()

	res := SweepResult{IncidentIDs: []string{}, Errors: []string{}}
	due, err := e.store.ListDueIncidents(ctx, now, limit)
	if err != nil {
		return res, fmt.Errorf("list due incidents: %w", err)
	}
	for _, inc := range due {
		res.Evaluated++
		escalated, err := e.escalate(ctx, inc, now)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", inc.ID, err))
			if e.metrics != nil {
				e.metrics.SweepErrors.Inc()
			}
			e.logger.Error("escalation failed", "incident", inc.ID, "error", err)
			continue
		}
		if escalated != nil {
			res.Escalated++
			res.IncidentIDs = append(res.IncidentIDs, inc.ID)
		}
	}

	if res.NextDueAt, err = e.store.NextDue(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("next due: %v", err))
	}
	span.SetAttributes(attribute.Int("evaluated", res.Evaluated), attribute.Int("escalated", res.Escalated))
	if res.Escalated > 0 {
		e.logger.Info("escalation sweep", "evaluated", res.Evaluated, "escalated", res.Escalated, "next_due_at", res.NextDueAt)
	}
	return res, nil
}

// escalate advances one incident's escalation. It returns nil without error
// when a concurrent writer already moved the incident on.
func (e *Engine) escalate(ctx context.Context, seen *model.IncidentRun, now time.Time) (*model.IncidentRun, error) {
	if !Allowed(ActionEscalate, seen.State) {
		return nil, nil
	}
	due := seen.EscalationDueAt()
	if due == nil || due.After(now) {
		return nil, nil
	}
	tp := e.Timers(seen.Severity)
	next := seen.Clone()
	next.EscalationCount++
	next.EscalatedAt = model.TimePtr(now)
	next.NextEscalationAt = model.TimePtr(now.Add(time.Duration(tp.EscalationMinutes) * time.Minute))
	next.UpdatedAt = now
	ev := e.event(next, model.EventIncidentEscalated, "", now,
		fmt.Sprintf("escalated (%d): not acknowledged", next.EscalationCount),
		map[string]any{"escalationCount": next.EscalationCount, "nextEscalationAt": next.NextEscalationAt})

	// a stale read loses the CAS; the next sweep sees the fresh row
	if err := e.store.TransitionIncident(ctx, next, seen.Rev, ev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil
		}
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.Escalations.WithLabelValues(string(next.Severity)).Inc()
	}
	e.observe(ActionEscalate)
	e.recordAudit(ctx, next, "incident_"+ActionEscalate, "", ev.Meta)
	if e.bus != nil {
		e.bus.Publish(events.EventIncidentEscalated, map[string]any{
			"incidentId": next.ID, "severity": string(next.Severity), "title": next.Title,
			"assignee": next.Assignee, "escalationCount": next.EscalationCount, "hostId": next.HostID,
		})
	}
	return next, nil
}
