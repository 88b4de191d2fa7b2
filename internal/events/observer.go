package events

import (
	"context"

	"github.com/fpagent/fpagent/internal/agent"
)

// TurnObserver publishes agent turn reports on the bus.
type TurnObserver struct {
	Bus *Bus
}

// TurnCompleted implements [agent.Observer].
func (o TurnObserver) TurnCompleted(_ context.Context, r agent.TurnReport) {
	o.Bus.Publish(Event{
		Timestamp: r.Started.Add(r.Duration),
		Source:    SourceAgent,
		Kind:      KindTurnComplete,
		Data: map[string]any{
			"turn":        r.ID,
			"user":        r.User,
			"disposition": string(r.Disposition),
			"attempts":    r.Attempts,
			"failures":    r.Failures,
			"decisions":   r.Decisions,
			"elapsed_ms":  r.Duration.Milliseconds(),
		},
	})
}

// ServiceUp returns a connwatch OnReady callback that publishes a
// service_up event.
func (b *Bus) ServiceUp(service string) func() {
	return func() {
		b.Publish(Event{Source: SourceConnwatch, Kind: KindServiceUp, Data: map[string]any{"service": service}})
	}
}

// ServiceDown returns a connwatch OnDown callback that publishes a
// service_down event.
func (b *Bus) ServiceDown(service string) func(error) {
	return func(err error) {
		data := map[string]any{"service": service}
		if err != nil {
			data["error"] = err.Error()
		}
		b.Publish(Event{Source: SourceConnwatch, Kind: KindServiceDown, Data: data})
	}
}
