package core

import (
	"context"
	"time"
)

// ModuleEventKind names a module lifecycle transition.
type ModuleEventKind string

const (
	ModuleHooked   ModuleEventKind = "hooked"
	ModuleUnhooked ModuleEventKind = "unhooked"
	ModuleFailed   ModuleEventKind = "failed"
)

// ModuleEvent is delivered to observers after every hook, unhook and failed load.
type ModuleEvent struct {
	Kind         ModuleEventKind
	Module       string
	Declarations []string
	Fingerprint  uint64
	Error        string
	At           time.Time
}

// Observer receives module lifecycle events. Observers are called outside
// the runtime lock and must not block for long.
type Observer interface {
	ObserveModule(ctx context.Context, ev ModuleEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev ModuleEvent)

// ObserveModule implements Observer.
func (f ObserverFunc) ObserveModule(ctx context.Context, ev ModuleEvent) { f(ctx, ev) }
