package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/fleetguard/internal/model"
)

// PostmortemUpdate patches the postmortem. Nil fields are left alone;
// ActionItems, when set, replaces the whole list.
type PostmortemUpdate struct {
	Status      *model.PostmortemStatus `json:"status"`
	Summary     *string                 `json:"summary"`
	Impact      *string                 `json:"impact"`
	RootCause   *string                 `json:"rootCause"`
	ActionItems *[]model.ActionItem     `json:"actionItems" validate:"omitempty,dive"`
}

func (u PostmortemUpdate) empty() bool {
	return u.Status == nil && u.Summary == nil && u.Impact == nil && u.RootCause == nil && u.ActionItems == nil
}

// normalizeItems assigns IDs to new items and defaults their status.
func normalizeItems(items []model.ActionItem) ([]model.ActionItem, error) {
	out := make([]model.ActionItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		it.Title = strings.TrimSpace(it.Title)
		if it.Title == "" {
			return nil, fmt.Errorf("%w: action item %d has no title", ErrInvalidInput, i)
		}
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("%w: duplicate action item %s", ErrInvalidInput, it.ID)
		}
		seen[it.ID] = true
		if it.Status == "" {
			it.Status = model.ActionItemOpen
		}
		if !model.ValidActionItemStatus(it.Status) {
			return nil, fmt.Errorf("%w: action item %s status %q", ErrInvalidInput, it.ID, it.Status)
		}
		if it.DueTs != nil {
			it.DueTs = model.TimePtr(it.DueTs.UTC())
		}
		out = append(out, it)
	}
	return out, nil
}

// Postmortem edits the incident's postmortem record.
func (e *Engine) Postmortem(ctx context.Context, id, actor string, u PostmortemUpdate) (*model.IncidentRun, error) {
	if u.empty() {
		return nil, fmt.Errorf("%w: empty postmortem update", ErrInvalidInput)
	}
	if u.Status != nil && !model.ValidPostmortemStatus(*u.Status) {
		return nil, fmt.Errorf("%w: postmortem status %q", ErrInvalidInput, *u.Status)
	}
	var items []model.ActionItem
	if u.ActionItems != nil {
		var err error
		if items, err = normalizeItems(*u.ActionItems); err != nil {
			return nil, err
		}
	}

	return e.transition(ctx, id, ActionPostmortem, actor, func(next *model.IncidentRun, now time.Time) (*model.IncidentTimelineEvent, error) {
		pm := &next.Postmortem
		var changed []string
		if u.Status != nil {
			pm.Status = *u.Status
			changed = append(changed, "status")
		}
		if u.Summary != nil {
			pm.Summary = *u.Summary
			changed = append(changed, "summary")
		}
		if u.Impact != nil {
			pm.Impact = *u.Impact
			changed = append(changed, "impact")
		}
		if u.RootCause != nil {
			pm.RootCause = *u.RootCause
			changed = append(changed, "rootCause")
		}
		if u.ActionItems != nil {
			pm.ActionItems = items
			changed = append(changed, "actionItems")
		}
		return e.event(next, model.EventIncidentPostmortem, actor, now,
			"postmortem updated: "+strings.Join(changed, ", "),
			map[string]any{"status": string(pm.Status), "fields": changed, "actionItems": len(pm.ActionItems)}), nil
	})
}
