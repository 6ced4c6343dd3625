package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Runtime.
type Options struct {
	Transport Transport
	Owners    Owners
	Logger    *slog.Logger
	Observers []Observer
}

// Runtime owns the command registry, the hook table and the transport
// handle. Hook, Unhook and description updates take the write lock; dispatch
// checks and listings take the read lock. The lock is never held while a
// module handler runs.
type Runtime struct {
	mu        sync.RWMutex
	registry  *Registry
	hooks     *HookTable
	transport Transport
	owners    Owners
	log       *slog.Logger
	observers []Observer
	startedAt time.Time
}

var _ Host = (*Runtime)(nil)

// NewRuntime creates an empty runtime bound to a transport.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("modules.Runtime: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		registry:  NewRegistry(),
		hooks:     NewHookTable(),
		transport: opts.Transport,
		owners:    opts.Owners,
		log:       logger,
		observers: opts.Observers,
		startedAt: time.Now(),
	}, nil
}

// Logger implements Host.
func (rt *Runtime) Logger() *slog.Logger { return rt.log }

// Owners returns the configured owner set.
func (rt *Runtime) Owners() Owners { return rt.owners }

// AddObserver registers an additional lifecycle observer. Call it before
// modules are hooked.
func (rt *Runtime) AddObserver(o Observer) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.observers = append(rt.observers, o)
}

// IsHooked reports whether key is in the hook table.
func (rt *Runtime) IsHooked(key string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.hooks.Has(key)
}

type pendingEntry struct {
	decl  string
	entry CommandEntry
}

// install subscribes every command and watcher of decls and commits mod to
// the hook table. Either everything is installed or nothing is. updates are
// applied only after the commit.
func (rt *Runtime) install(mod *HookedModule, decls []Declaration, updates []descriptionUpdate) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.hooks.Has(mod.Key) {
		return errAlreadyHooked
	}

	names := make([]string, 0, len(decls))
	seen := map[string]bool{}
	for _, d := range decls {
		if owner, ok := rt.hooks.ModuleOf(d.Name); ok {
			return fmt.Errorf("%w: %q belongs to %s", ErrDeclarationConflict, d.Name, owner)
		}
		if rt.registry.Has(d.Name) {
			return fmt.Errorf("%w: %q has orphaned commands", ErrDeclarationConflict, d.Name)
		}
		if !seen[d.Name] {
			seen[d.Name] = true
			names = append(names, d.Name)
		}
	}

	mod.Generation = uuid.NewString()
	mod.Declarations = names

	var (
		subs    []Subscription
		pending []pendingEntry
	)
	rollback := func() {
		for i := len(subs) - 1; i >= 0; i-- {
			if err := rt.transport.Unsubscribe(subs[i]); err != nil {
				rt.log.Warn("loader: rollback unsubscribe failed",
					slog.String("module", mod.Name), slog.Any("error", err))
			}
		}
	}

	for _, d := range decls {
		b := binding{module: mod.Key, decl: d.Name, generation: mod.Generation}
		for _, spec := range d.Commands {
			match, err := NewMatcher(spec.Verb, spec.Strictness)
			if err != nil {
				rollback()
				return err
			}
			sub, err := rt.transport.Subscribe(EventNewMessage, match, rt.wrapCommand(b, spec, match))
			if err != nil {
				rollback()
				return fmt.Errorf("%w: %s: %v", ErrSubscribe, Token(spec.Verb), err)
			}
			subs = append(subs, sub)
			pending = append(pending, pendingEntry{decl: d.Name, entry: CommandEntry{
				Token:        Token(spec.Verb),
				Description:  spec.Description,
				Capability:   spec.Capability,
				Strictness:   spec.Strictness,
				Subscription: sub,
			}})
		}
		for _, w := range d.Watchers {
			sub, err := rt.transport.Subscribe(w.Kind, nil, rt.wrapWatcher(b, w.Handler))
			if err != nil {
				rollback()
				return fmt.Errorf("%w: %s %s watcher: %v", ErrSubscribe, d.Name, w.Kind, err)
			}
			subs = append(subs, sub)
			mod.watchers = append(mod.watchers, sub)
		}
	}

	for _, p := range pending {
		rt.registry.Add(p.decl, p.entry)
	}
	for _, d := range decls {
		if d.Description != "" {
			rt.registry.SetDescription(d.Name, d.Description)
		}
	}
	rt.hooks.Put(mod)

	for _, u := range updates {
		if u.verb == "" {
			rt.setDescriptionLocked(u.decl, u.description)
		} else {
			rt.registry.UpdateDescription(u.decl, Token(u.verb), u.description)
		}
	}
	return nil
}

// Unhook removes every handler the module under key installed, then drops it
// from the hook table. Unknown keys are a no-op. Unsubscribe failures are
// logged and do not stop the removal of remaining handlers.
func (rt *Runtime) Unhook(ctx context.Context, key string) error {
	rt.mu.Lock()
	mod, ok := rt.hooks.Get(key)
	if !ok {
		rt.mu.Unlock()
		return nil
	}
	for _, decl := range mod.Declarations {
		for _, entry := range rt.registry.Commands(decl) {
			if entry.Subscription == nil {
				continue
			}
			if err := rt.transport.Unsubscribe(entry.Subscription); err != nil {
				rt.log.Warn("loader: unsubscribe failed",
					slog.String("module", mod.Name),
					slog.String("command", entry.Token),
					slog.Any("error", err))
			}
		}
		rt.registry.Remove(decl)
	}
	for _, sub := range mod.watchers {
		if err := rt.transport.Unsubscribe(sub); err != nil {
			rt.log.Warn("loader: unsubscribe watcher failed",
				slog.String("module", mod.Name), slog.Any("error", err))
		}
	}
	rt.hooks.Delete(key)
	rt.mu.Unlock()

	if mod.closer != nil {
		if err := mod.closer.Close(); err != nil {
			rt.log.Warn("loader: module close failed", slog.String("module", mod.Name), slog.Any("error", err))
		}
	}
	rt.log.Debug(fmt.Sprintf("loader: module '%s' unhooked", key))
	rt.notify(ctx, ModuleEvent{
		Kind:         ModuleUnhooked,
		Module:       key,
		Declarations: mod.Declarations,
		Fingerprint:  mod.Fingerprint,
		At:           time.Now().UTC(),
	})
	return nil
}

// Close unhooks every module in reverse hook order.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.RLock()
	keys := rt.hooks.Keys()
	rt.mu.RUnlock()
	var errs []error
	for i := len(keys) - 1; i >= 0; i-- {
		if err := rt.Unhook(ctx, keys[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rt *Runtime) notify(ctx context.Context, ev ModuleEvent) {
	rt.mu.RLock()
	observers := append([]Observer(nil), rt.observers...)
	rt.mu.RUnlock()
	for _, o := range observers {
		o.ObserveModule(ctx, ev)
	}
}

// ModuleInfo is a read-only snapshot of a hooked module.
type ModuleInfo struct {
	Key          string
	Name         string
	Path         string
	Description  string
	Declarations []string
	Commands     int
	LoadedAt     time.Time
	Fingerprint  uint64
}

// Modules lists hooked modules in hook order.
func (rt *Runtime) Modules() []ModuleInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]ModuleInfo, 0, rt.hooks.Len())
	for _, key := range rt.hooks.Keys() {
		m, _ := rt.hooks.Get(key)
		out = append(out, rt.infoLocked(m))
	}
	return out
}

// Module returns the snapshot of the module hooked under key.
func (rt *Runtime) Module(key string) (ModuleInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.hooks.Get(key)
	if !ok {
		return ModuleInfo{}, false
	}
	return rt.infoLocked(m), true
}

func (rt *Runtime) infoLocked(m *HookedModule) ModuleInfo {
	count := 0
	for _, decl := range m.Declarations {
		count += len(rt.registry.commands[decl])
	}
	return ModuleInfo{
		Key:          m.Key,
		Name:         m.Name,
		Path:         m.Path,
		Description:  m.Description,
		Declarations: append([]string(nil), m.Declarations...),
		Commands:     count,
		LoadedAt:     m.LoadedAt,
		Fingerprint:  m.Fingerprint,
	}
}

// Commands returns decl's command entries in registration order.
func (rt *Runtime) Commands(decl string) []CommandEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry.Commands(decl)
}

// Summaries lists every declaration with its command count.
func (rt *Runtime) Summaries() []DeclarationSummary {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry.Summaries()
}

// ModuleCommands implements Host: decl's commands as text, or NoDescription.
func (rt *Runtime) ModuleCommands(decl string) string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry.FormatCommands(decl)
}

// CommandsList renders every declaration with its command tokens.
func (rt *Runtime) CommandsList() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry.FormatTokens()
}

// ModuleList renders every declaration with the module file that owns it.
func (rt *Runtime) ModuleList() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var b strings.Builder
	for _, decl := range rt.registry.Declarations() {
		key, _ := rt.hooks.ModuleOf(decl)
		fmt.Fprintf(&b, "🌒 **%s**, filename: `%s`\n", decl, key)
	}
	return b.String()
}

// CountModules returns the number of declarations with commands.
func (rt *Runtime) CountModules() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry.Count()
}

// SetDescription implements Host. When decl belongs to a hooked module whose
// description came from decl, the module description follows.
func (rt *Runtime) SetDescription(decl, description string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.setDescriptionLocked(decl, description)
}

func (rt *Runtime) setDescriptionLocked(decl, description string) {
	rt.registry.SetDescription(decl, description)
	if key, ok := rt.hooks.ModuleOf(decl); ok {
		if m, ok := rt.hooks.Get(key); ok && len(m.Declarations) > 0 && m.Declarations[0] == decl {
			m.Description = description
		}
	}
}

// HasCommand implements Host. verb may be given with or without the
// command prefix.
func (rt *Runtime) HasCommand(decl, verb string) bool {
	token := verb
	if !strings.HasPrefix(token, CommandPrefix) {
		token = Token(verb)
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.registry.IndexOf(decl, token) >= 0
}

// SetModuleDescription implements Host. It replaces the description of the
// module hooked under key.
func (rt *Runtime) SetModuleDescription(key, description string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.hooks.Get(key)
	if !ok {
		return false
	}
	m.Description = description
	return true
}

// UpdateCommandDescription implements Host. verb may be given with or
// without the command prefix.
func (rt *Runtime) UpdateCommandDescription(decl, verb, description string) bool {
	token := verb
	if !strings.HasPrefix(token, CommandPrefix) {
		token = Token(verb)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.registry.UpdateDescription(decl, token, description)
}

// Orphans lists declarations that still have commands but belong to no
// hooked module.
func (rt *Runtime) Orphans() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []string
	for _, decl := range rt.registry.Declarations() {
		if _, ok := rt.hooks.ModuleOf(decl); !ok {
			out = append(out, decl)
		}
	}
	return out
}

// Uptime returns how long the runtime has existed.
func (rt *Runtime) Uptime() time.Duration {
	return time.Since(rt.startedAt).Round(time.Second)
}

func closerOf(p Plugin) io.Closer {
	if c, ok := p.(io.Closer); ok {
		return c
	}
	return nil
}
