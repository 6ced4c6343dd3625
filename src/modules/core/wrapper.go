package core

import (
	"context"
	"fmt"
	"log/slog"
)

// binding ties a wrapped handler to the declaration and load generation it
// was installed under.
type binding struct {
	module     string
	decl       string
	generation string
}

// wrapCommand produces the handler subscribed to the transport for spec. The
// wrapper re-tests the match itself so a transport that ignores predicates
// still cannot run the command on the wrong text.
func (rt *Runtime) wrapCommand(b binding, spec CommandSpec, match Predicate) HandlerFunc {
	token := Token(spec.Verb)
	return func(ctx context.Context, ev Event) error {
		if !match(ev) {
			return nil
		}
		if d := Gate(ev, spec.Capability, rt.owners); d != Allow {
			rt.log.Debug("dispatch: command skipped",
				slog.String("command", token),
				slog.String("declaration", b.decl),
				slog.String("reason", d.String()))
			return nil
		}
		if !rt.active(b.decl, b.generation) {
			rt.log.Debug("dispatch: command skipped",
				slog.String("command", token),
				slog.String("declaration", b.decl),
				slog.String("reason", DenyInactive.String()))
			return nil
		}
		return rt.invoke(ctx, b, token, spec.Handler, ev)
	}
}

func (rt *Runtime) wrapWatcher(b binding, fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, ev Event) error {
		if !rt.active(b.decl, b.generation) {
			return nil
		}
		return rt.invoke(ctx, b, "watcher", fn, ev)
	}
}

func (rt *Runtime) invoke(ctx context.Context, b binding, name string, fn HandlerFunc, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
		if err != nil {
			rt.log.Error("dispatch: handler failed",
				slog.String("module", b.module),
				slog.String("declaration", b.decl),
				slog.String("handler", name),
				slog.Any("error", err))
		}
	}()
	return fn(ctx, ev)
}

// active reports whether decl still belongs to a module hooked under the
// given generation.
func (rt *Runtime) active(decl, generation string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	key, ok := rt.hooks.ModuleOf(decl)
	if !ok {
		return false
	}
	m, ok := rt.hooks.Get(key)
	return ok && m.Generation == generation
}
