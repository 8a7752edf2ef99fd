package model

import "time"

type ActionItem struct {
	ID     string           `json:"id"`
	Title  string           `json:"title"`
	Owner  string           `json:"owner,omitempty"`
	DueTs  *time.Time       `json:"dueTs,omitempty"`
	Status ActionItemStatus `json:"status"`
	Note   string           `json:"note,omitempty"`
}

type Postmortem struct {
	Status      PostmortemStatus `json:"status"`
	Summary     string           `json:"summary,omitempty"`
	Impact      string           `json:"impact,omitempty"`
	RootCause   string           `json:"rootCause,omitempty"`
	ActionItems []ActionItem     `json:"actionItems,omitempty"`
}

// IncidentRun is an operator-facing incident and its timers.
type IncidentRun struct {
	ID               string        `json:"id"`
	WorkflowID       string        `json:"workflowId,omitempty"`
	Title            string        `json:"title"`
	Severity         Severity      `json:"severity"`
	State            IncidentState `json:"state"`
	TriggerSignal    string        `json:"triggerSignal,omitempty"`
	HostID           string        `json:"hostId,omitempty"`
	CreatedBy        string        `json:"createdBy,omitempty"`
	Assignee         string        `json:"assignee,omitempty"`
	AcknowledgedAt   *time.Time    `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy   string        `json:"acknowledgedBy,omitempty"`
	AckDueAt         *time.Time    `json:"ackDueAt,omitempty"`
	EscalatedAt      *time.Time    `json:"escalatedAt,omitempty"`
	EscalationCount  int           `json:"escalationCount"`
	NextEscalationAt *time.Time    `json:"nextEscalationAt,omitempty"`
	ResolvedAt       *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy       string        `json:"resolvedBy,omitempty"`
	ClosedAt         *time.Time    `json:"closedAt,omitempty"`
	ClosedBy         string        `json:"closedBy,omitempty"`
	Postmortem       Postmortem    `json:"postmortem"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	Rev              int           `json:"rev"`
}

// Clone returns a deep copy of inc.
func (inc *IncidentRun) Clone() *IncidentRun {
	if inc == nil {
		return nil
	}
	c := *inc
	c.AcknowledgedAt = cloneTime(inc.AcknowledgedAt)
	c.AckDueAt = cloneTime(inc.AckDueAt)
	c.EscalatedAt = cloneTime(inc.EscalatedAt)
	c.NextEscalationAt = cloneTime(inc.NextEscalationAt)
	c.ResolvedAt = cloneTime(inc.ResolvedAt)
	c.ClosedAt = cloneTime(inc.ClosedAt)
	if inc.Postmortem.ActionItems != nil {
		c.Postmortem.ActionItems = make([]ActionItem, len(inc.Postmortem.ActionItems))
		for i, item := range inc.Postmortem.ActionItems {
			item.DueTs = cloneTime(item.DueTs)
			c.Postmortem.ActionItems[i] = item
		}
	}
	return &c
}

// EscalationDueAt is the deadline the sweep compares against: the next
// escalation time when set, otherwise the acknowledgement deadline.
func (inc *IncidentRun) EscalationDueAt() *time.Time {
	if inc.NextEscalationAt != nil {
		return inc.NextEscalationAt
	}
	return inc.AckDueAt
}

// Timeline event types.
const (
	EventIncidentCreated      = "incident_created"
	EventIncidentAssigned     = "incident_assigned"
	EventIncidentAcknowledged = "incident_acknowledged"
	EventIncidentResolved     = "incident_resolved"
	EventIncidentClosed       = "incident_closed"
	EventIncidentReopened     = "incident_reopened"
	EventIncidentNote         = "incident_note"
	EventIncidentPostmortem   = "incident_postmortem"
	EventIncidentEscalated    = "incident_escalated"
	EventIncidentStep         = "incident_step"
)

// IncidentTimelineEvent is append-only.
type IncidentTimelineEvent struct {
	ID          string         `json:"id"`
	IncidentID  string         `json:"incidentId"`
	Type        string         `json:"type"`
	StepID      string         `json:"stepId,omitempty"`
	Message     string         `json:"message"`
	EventTs     time.Time      `json:"eventTs"`
	ActorUserID string         `json:"actorUserId,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// AuditEntry is one record of the engine's append-only audit log.
type AuditEntry struct {
	ID          string         `json:"id"`
	Ts          time.Time      `json:"ts"`
	Kind        string         `json:"kind"`
	RunID       string         `json:"runId,omitempty"`
	IncidentID  string         `json:"incidentId,omitempty"`
	HostID      string         `json:"hostId,omitempty"`
	ActorUserID string         `json:"actorUserId,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}
