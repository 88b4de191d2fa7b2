package agent

import (
	"context"
	"time"
)

// Disposition says how a turn ended.
type Disposition string

const (
	DispositionSpoke       Disposition = "spoke"
	DispositionToolResult  Disposition = "tool_result"
	DispositionExhausted   Disposition = "exhausted"
	DispositionDegenerate  Disposition = "degenerate"
	DispositionReset       Disposition = "reset"
	DispositionUnknownTool Disposition = "unknown_tool"
)

// TurnReport summarizes one processed message.
type TurnReport struct {
	ID          string        `json:"id"`
	User        string        `json:"user"`
	Disposition Disposition   `json:"disposition"`
	Attempts    int           `json:"attempts"`
	Failures    int           `json:"failures"`
	Decisions   int           `json:"decisions"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration_ns"`
}

// Observer receives a report after every turn. Implementations must not
// block.
type Observer interface {
	TurnCompleted(ctx context.Context, r TurnReport)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(ctx context.Context, r TurnReport)

// TurnCompleted calls f.
func (f ObserverFunc) TurnCompleted(ctx context.Context, r TurnReport) { f(ctx, r) }
