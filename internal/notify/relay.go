package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/fleetguard/internal/events"
)

// Relay forwards bus events that warrant a page to d. It returns the
// unsubscribe function.
func Relay(bus *events.Bus, d Dispatcher, timeout time.Duration, logger *slog.Logger) func() {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return bus.Subscribe(func(ev events.Event) {
		msg, ok := messageFor(ev)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.Notify(ctx, msg); err != nil {
			logger.Warn("notification delivery failed", "kind", msg.Kind, "error", err)
		}
	}, events.EventIncidentOpened, events.EventIncidentEscalated, events.EventRunDeadLettered, events.EventRollback)
}

func str(data map[string]any, key string) string {
	if v, ok := data[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func messageFor(ev events.Event) (Message, bool) {
	d := ev.Data
	switch ev.Type {
	case events.EventIncidentOpened:
		return Message{
			Kind:   KindIncidentOpened,
			Target: str(d, "assignee"),
			Title:  fmt.Sprintf("[%s] incident %s opened: %s", str(d, "severity"), str(d, "incidentId"), str(d, "title")),
			Detail: str(d, "triggerSignal"),
			SentAt: ev.Timestamp,
		}, true
	case events.EventIncidentEscalated:
		return Message{
			Kind:   KindIncidentEscalated,
			Target: str(d, "assignee"),
			Title:  fmt.Sprintf("[%s] incident %s escalated (x%s): %s", str(d, "severity"), str(d, "incidentId"), str(d, "escalationCount"), str(d, "title")),
			SentAt: ev.Timestamp,
		}, true
	case events.EventRunDeadLettered:
		return Message{
			Kind:   KindRunDeadLettered,
			Target: str(d, "hostId"),
			Title:  fmt.Sprintf("run %s (%s on %s) dead-lettered", str(d, "runId"), str(d, "actionId"), str(d, "hostId")),
			Detail: str(d, "reason"),
			SentAt: ev.Timestamp,
		}, true
	case events.EventRollback:
		return Message{
			Kind:   KindRollback,
			Target: str(d, "hostId"),
			Title:  fmt.Sprintf("rollback of run %s on %s: succeeded=%s", str(d, "runId"), str(d, "hostId"), str(d, "succeeded")),
			Detail: str(d, "error"),
			SentAt: ev.Timestamp,
		}, true
	}
	return Message{}, false
}
