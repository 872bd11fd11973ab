package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lakereg/internal/domain"
	"lakereg/internal/factlog"
)

// Log appends typed events to the events/ fact tree.
type Log struct {
	Facts *factlog.Log
	Now   func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append assigns an id and timestamp when absent, validates the event and
// makes it durable. The returned event is what was written.
func (l Log) Append(ctx context.Context, ev Event) (Event, error) {
	const op = "events.append"
	if ev.Payload == nil {
		return Event{}, domain.Validation(op, "payload is required")
	}
	if ev.EventID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Event{}, domain.IO(op, "", err)
		}
		ev.EventID = "evt-" + id.String()
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = l.now().UnixMilli()
	}
	if ev.EventType == "" {
		ev.EventType = ev.Payload.EventType()
	}
	line, err := Encode(ev)
	if err != nil {
		return Event{}, domain.Validation(op, "%v", err)
	}
	if _, err := l.Facts.Append(ctx, line); err != nil {
		return Event{}, err
	}
	return ev, nil
}
