// Package incident runs the operator-facing incident lifecycle
// (open → acknowledged → resolved → closed, plus reopen), its severity
// timers, workflows and the escalation sweep.
//
// Every transition re-reads the incident, checks the action against the
// legal-action table and writes the next state together with exactly one
// timeline event through IncidentStore.TransitionIncident.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/msageha/fleetguard/internal/config"
	"github.com/msageha/fleetguard/internal/events"
	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/notify"
	"github.com/msageha/fleetguard/internal/store"
)

// casRetries bounds how often a transition re-reads after losing a race.
const casRetries = 3

// RemediationRequest asks the remediation engine to queue an action for an
// incident's host.
type RemediationRequest struct {
	IncidentID string
	HostID     string
	ActionID   string
	Actor      string
	Reason     string
}

// RemediationTrigger queues remediation for workflow steps of kind
// remediate.
type RemediationTrigger interface {
	QueueRemediation(ctx context.Context, req RemediationRequest) (runID string, err error)
}

type Deps struct {
	Store       store.IncidentStore
	Audit       store.AuditSink
	Notifier    notify.Dispatcher
	Remediation RemediationTrigger
	Workflows   []model.Workflow
	Timers      map[model.Severity]model.TimerPolicy
	Bus         events.Publisher
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Now         func() time.Time
}

type settings struct {
	timers    map[model.Severity]model.TimerPolicy
	workflows map[string]model.Workflow
}

type Engine struct {
	store    store.IncidentStore
	audit    store.AuditSink
	notifier notify.Dispatcher
	remed    RemediationTrigger
	bus      events.Publisher
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	settings atomic.Pointer[settings]
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		store:    d.Store,
		audit:    d.Audit,
		notifier: d.Notifier,
		remed:    d.Remediation,
		bus:      d.Bus,
		metrics:  d.Metrics,
		tracer:   d.Tracer,
		logger:   d.Logger,
		now:      d.Now,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("fleetguard/incident")
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.logger = e.logger.With("component", "incident")
	if e.now == nil {
		e.now = time.Now
	}
	e.Configure(d.Timers, d.Workflows)
	return e
}

// Configure swaps timers and workflows. Severities missing from timers
// keep their defaults.
func (e *Engine) Configure(timers map[model.Severity]model.TimerPolicy, workflows []model.Workflow) {
	s := &settings{timers: config.DefaultTimers(), workflows: make(map[string]model.Workflow, len(workflows))}
	for sev, tp := range timers {
		if tp.AckMinutes > 0 && tp.EscalationMinutes > 0 {
			s.timers[sev] = tp
		}
	}
	for _, w := range workflows {
		s.workflows[w.ID] = w
	}
	e.settings.Store(s)
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// Timers returns the timer policy for sev.
func (e *Engine) Timers(sev model.Severity) model.TimerPolicy {
	return e.settings.Load().timers[sev]
}

// armTimers sets the acknowledgement deadline and the first escalation
// deadline from now.
func (e *Engine) armTimers(inc *model.IncidentRun, now time.Time) {
	tp := e.Timers(inc.Severity)
	ack := now.Add(time.Duration(tp.AckMinutes) * time.Minute)
	inc.AckDueAt = model.TimePtr(ack)
	inc.NextEscalationAt = model.TimePtr(ack.Add(time.Duration(tp.EscalationMinutes) * time.Minute))
}

// CreateRequest opens an incident. With a WorkflowID, Title and Severity
// default to the workflow's.
type CreateRequest struct {
	WorkflowID    string         `json:"workflowId"`
	Title         string         `json:"title"`
	Severity      model.Severity `json:"severity"`
	TriggerSignal string         `json:"triggerSignal"`
	HostID        string         `json:"hostId"`
	Assignee      string         `json:"assignee"`
	Actor         string         `json:"-"`
}

func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.IncidentRun, error) {
	title, sev := strings.TrimSpace(req.Title), req.Severity
	if req.WorkflowID != "" {
		w, ok := e.settings.Load().workflows[req.WorkflowID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, req.WorkflowID)
		}
		if title == "" {
			title = w.Title
		}
		if sev == "" {
			sev = w.Severity
		}
	}
	if !model.ValidSeverity(sev) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, sev)
	}
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}

	now := e.clock()
	inc := &model.IncidentRun{
		ID:            model.NewID(model.IDTypeIncident),
		WorkflowID:    req.WorkflowID,
		Title:         title,
		Severity:      sev,
		State:         model.IncidentOpen,
		TriggerSignal: req.TriggerSignal,
		HostID:        req.HostID,
		CreatedBy:     req.Actor,
		Assignee:      req.Assignee,
		Postmortem:    model.Postmortem{Status: model.PostmortemNotStarted},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.armTimers(inc, now)
	ev := e.event(inc, model.EventIncidentCreated, req.Actor, now, fmt.Sprintf("%s incident opened: %s", sev, title), map[string]any{
		"severity": string(sev), "ackDueAt": inc.AckDueAt, "nextEscalationAt": inc.NextEscalationAt,
	})
	if err := e.store.CreateIncident(ctx, inc, ev); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	e.observe(ActionCreate)
	e.recordAudit(ctx, inc, "incident_"+ActionCreate, req.Actor, ev.Meta)
	e.opened(inc)
	e.logger.Info("incident opened", "incident", inc.ID, "severity", sev, "host", inc.HostID)
	return inc, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*model.IncidentRun, error) {
	return e.store.GetIncident(ctx, id)
}

func (e *Engine) List(ctx context.Context, f store.IncidentFilter) ([]*model.IncidentRun, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return e.store.ListIncidents(ctx, f)
}

func (e *Engine) Timeline(ctx context.Context, id string) ([]model.IncidentTimelineEvent, error) {
	return e.store.ListTimeline(ctx, id)
}

func (e *Engine) Assign(ctx context.Context, id, actor, assignee string) (*model.IncidentRun, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee is required", ErrInvalidInput)
	}
	return e.transition(ctx, id, ActionAssign, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		prev := next.Assignee
		next.Assignee = assignee
		return e.event(next, model.EventIncidentAssigned, actor, now, "assigned to "+assignee,
			map[string]any{"assignee": assignee, "previous": prev}), nil
	})
}

// Acknowledge stops escalation. Acknowledging twice keeps the first
// acknowledgement's time and actor.
func (e *Engine) Acknowledge(ctx context.Context, id, actor string) (*model.IncidentRun, error) {
	return e.transition(ctx, id, ActionAcknowledge, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		next.State = model.IncidentAcknowledged
		next.NextEscalationAt = nil
		if next.AcknowledgedAt == nil {
			next.AcknowledgedAt = model.TimePtr(now)
			next.AcknowledgedBy = actor
		}
		return e.event(next, model.EventIncidentAcknowledged, actor, now, "acknowledged by "+actor, nil), nil
	})
}

// Resolve clears escalation and starts the postmortem draft.
func (e *Engine) Resolve(ctx context.Context, id, actor, note string) (*model.IncidentRun, error) {
	return e.transition(ctx, id, ActionResolve, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		next.State = model.IncidentResolved
		next.NextEscalationAt = nil
		if next.ResolvedAt == nil {
			next.ResolvedAt = model.TimePtr(now)
			next.ResolvedBy = actor
		}
		if next.Postmortem.Status == model.PostmortemNotStarted || next.Postmortem.Status == "" {
			next.Postmortem.Status = model.PostmortemDraft
		}
		msg := "resolved by " + actor
		if note = strings.TrimSpace(note); note != "" {
			msg += ": " + note
		}
		return e.event(next, model.EventIncidentResolved, actor, now, msg, nil), nil
	})
}

// Close ends the incident. Closing a closed incident keeps its close stamps
// and only records the repeated request on the timeline.
func (e *Engine) Close(ctx context.Context, id, actor string) (*model.IncidentRun, error) {
	return e.transition(ctx, id, ActionClose, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		if next.State == model.IncidentClosed {
			return e.event(next, model.EventIncidentClosed, actor, now,
				"already closed by "+next.ClosedBy+"; close requested by "+actor, map[string]any{"noop": true}), nil
		}
		next.State = model.IncidentClosed
		next.ClosedAt = model.TimePtr(now)
		next.ClosedBy = actor
		return e.event(next, model.EventIncidentClosed, actor, now, "closed by "+actor, nil), nil
	})
}

// Reopen returns the incident to open with fresh timers. The escalation
// count carries over.
func (e *Engine) Reopen(ctx context.Context, id, actor, reason string) (*model.IncidentRun, error) {
	inc, err := e.transition(ctx, id, ActionReopen, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		from := next.State
		next.State = model.IncidentOpen
		next.AcknowledgedAt, next.AcknowledgedBy = nil, ""
		next.ResolvedAt, next.ResolvedBy = nil, ""
		next.ClosedAt, next.ClosedBy = nil, ""
		next.EscalatedAt = nil
		e.armTimers(next, now)
		msg := "reopened by " + actor
		if reason = strings.TrimSpace(reason); reason != "" {
			msg += ": " + reason
		}
		return e.event(next, model.EventIncidentReopened, actor, now, msg, map[string]any{
			"from": string(from), "ackDueAt": next.AckDueAt, "nextEscalationAt": next.NextEscalationAt,
		}), nil
	})
	if err != nil {
		return nil, err
	}
	e.opened(inc)
	return inc, nil
}

func (e *Engine) Note(ctx context.Context, id, actor, message string) (*model.IncidentRun, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: note message is required", ErrInvalidInput)
	}
	return e.transition(ctx, id, ActionNote, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		return e.event(next, model.EventIncidentNote, actor, now, message, nil), nil
	})
}

// mutator edits next in place and returns the timeline event to append.
type mutator func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error)

// transition applies fn to a fresh copy of the incident and writes it with
// a compare-and-set on the revision, re-reading when another writer won.
func (e *Engine) transition(ctx context.Context, id, action, actor string, fn mutator) (*model.IncidentRun, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, ErrMissingActor
	}
	ctx, span := e.tracer.Start(ctx, "incident."+action, trace.WithAttributes(attribute.String("incident.id", id)))
	defer span.End()

	for range casRetries {
		cur, err := e.store.GetIncident(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get incident %s: %w", id, err)
		}
		if err := checkAllowed(action, cur); err != nil {
			return nil, err
		}
		now := e.clock()
		next := cur.Clone()
		ev, err := fn(next, now)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = now
		err = e.store.TransitionIncident(ctx, next, cur.Rev, ev)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s incident %s: %w", action, id, err)
		}
		e.observe(action)
		e.recordAudit(ctx, next, "incident_"+action, actor, ev.Meta)
		return next, nil
	}
	return nil, fmt.Errorf("%s incident %s: %w", action, id, store.ErrConflict)
}

func (e *Engine) event(inc *model.IncidentRun, typ, actor string, now time.Time, msg string, meta map[string]any) *model.IncidentTimelineEvent {
	return &model.IncidentTimelineEvent{
		ID:          model.NewID(model.IDTypeEvent),
		IncidentID:  inc.ID,
		Type:        typ,
		Message:     msg,
		EventTs:     now,
		ActorUserID: actor,
		Meta:        meta,
	}
}

func (e *Engine) observe(action string) {
	if e.metrics != nil {
		e.metrics.IncidentTransitions.WithLabelValues(action).Inc()
	}
}

// opened announces a created or reopened incident; the notify relay turns
// it into a notification.
func (e *Engine) opened(inc *model.IncidentRun) {
	if e.bus != nil {
		e.bus.Publish(events.EventIncidentOpened, map[string]any{
			"incidentId": inc.ID, "severity": string(inc.Severity), "title": inc.Title,
			"assignee": inc.Assignee, "triggerSignal": inc.TriggerSignal, "hostId": inc.HostID,
		})
	}
}

func (e *Engine) recordAudit(ctx context.Context, inc *model.IncidentRun, kind, actor string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	entry := model.AuditEntry{
		ID:          model.NewID(model.IDTypeAudit),
		Ts:          e.clock(),
		Kind:        kind,
		IncidentID:  inc.ID,
		HostID:      inc.HostID,
		ActorUserID: actor,
		Detail:      detail,
	}
	if err := e.audit.AppendAudit(ctx, entry); err != nil {
		e.logger.Warn("audit append failed", "kind", kind, "incident", inc.ID, "error", err)
	}
}
