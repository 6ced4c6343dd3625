package core

import (
	"fmt"
	"log/slog"
	"strings"
)

// Plugin is the entry point every module satisfies. Load declares the
// module's command groups on the builder; nothing is published until Load
// returns without error.
type Plugin interface {
	Name() string
	Load(b *Builder) error
}

// Source turns module files with one of its extensions into Plugins.
type Source interface {
	Extensions() []string
	Compile(name, path string, code []byte) (Plugin, error)
}

// Host is the runtime surface available to plugins from inside their
// handlers. While a plugin loads, description changes go through the
// Builder so a failed load leaves the runtime untouched.
type Host interface {
	ModuleCommands(decl string) string
	HasCommand(decl, verb string) bool
	SetDescription(decl, description string)
	SetModuleDescription(key, description string) bool
	UpdateCommandDescription(decl, verb, description string) bool
	Logger() *slog.Logger
}

// CommandSpec describes one command before it is installed.
type CommandSpec struct {
	Verb        string
	Description string
	Capability  Capability
	Strictness  Strictness
	Handler     HandlerFunc
}

// WatcherSpec is a handler for every event of one kind.
type WatcherSpec struct {
	Kind    EventKind
	Handler HandlerFunc
}

// Declaration is one command group and everything it declared.
type Declaration struct {
	Name        string
	Description string
	Commands    []CommandSpec
	Watchers    []WatcherSpec
}

// descriptionUpdate targets a declaration hooked by another module. verb is
// empty for the declaration description itself.
type descriptionUpdate struct {
	decl        string
	verb        string
	description string
}

// Builder collects declarations while a plugin loads.
type Builder struct {
	host    Host
	decls   []*Declaration
	index   map[string]*Declaration
	updates []descriptionUpdate
	about   string
	err     error
}

// NewBuilder returns a builder bound to host.
func NewBuilder(host Host) *Builder {
	return &Builder{host: host, index: map[string]*Declaration{}}
}

// Host returns the runtime the plugin is loading into.
func (b *Builder) Host() Host { return b.host }

// Declare opens the command group name. Declaring an existing name returns
// the same group.
func (b *Builder) Declare(name, description string) *Group {
	name = strings.TrimSpace(name)
	if d, ok := b.index[name]; ok {
		if description != "" {
			d.Description = description
		}
		return &Group{b: b, d: d}
	}
	if name == "" {
		b.fail(fmt.Errorf("%w: empty declaration name", ErrInvalidDeclaration))
	}
	d := &Declaration{Name: name, Description: description}
	b.decls = append(b.decls, d)
	b.index[name] = d
	return &Group{b: b, d: d}
}

// Has reports whether name was declared on this builder.
func (b *Builder) Has(name string) bool {
	_, ok := b.index[name]
	return ok
}

// SetDescription replaces the description of decl. Declarations made on
// this builder change in place; any other is updated once the module is
// hooked, and not at all if the load fails.
func (b *Builder) SetDescription(decl, description string) {
	if d, ok := b.index[decl]; ok {
		d.Description = description
		return
	}
	b.updates = append(b.updates, descriptionUpdate{decl: decl, description: description})
}

// UpdateCommandDescription replaces the description of a command of decl.
// verb may carry the command prefix. It reports whether the command exists
// on this builder or in the runtime; runtime commands change only once the
// module is hooked.
func (b *Builder) UpdateCommandDescription(decl, verb, description string) bool {
	verb = strings.TrimPrefix(verb, CommandPrefix)
	if d, ok := b.index[decl]; ok {
		for i := range d.Commands {
			if d.Commands[i].Verb == verb {
				d.Commands[i].Description = description
				return true
			}
		}
		return false
	}
	if b.host == nil || !b.host.HasCommand(decl, verb) {
		return false
	}
	b.updates = append(b.updates, descriptionUpdate{decl: decl, verb: verb, description: description})
	return true
}

// SetModuleDescription overrides the module description, which otherwise
// comes from the first declaration.
func (b *Builder) SetModuleDescription(description string) {
	b.about = description
}

// Err returns the first declaration error.
func (b *Builder) Err() error { return b.err }

// Declarations returns the collected declarations in declaration order.
func (b *Builder) Declarations() []Declaration {
	out := make([]Declaration, 0, len(b.decls))
	for _, d := range b.decls {
		out = append(out, *d)
	}
	return out
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Group adds commands to one declaration.
type Group struct {
	b *Builder
	d *Declaration
}

// Name returns the declaration name.
func (g *Group) Name() string { return g.d.Name }

// Describe replaces the declaration description.
func (g *Group) Describe(description string) *Group {
	g.d.Description = description
	return g
}

// Handle adds a fully specified command.
func (g *Group) Handle(spec CommandSpec) *Group {
	if spec.Handler == nil {
		g.b.fail(fmt.Errorf("%w: %s.%s has no handler", ErrInvalidDeclaration, g.d.Name, spec.Verb))
		return g
	}
	if !verbPattern.MatchString(spec.Verb) {
		g.b.fail(fmt.Errorf("%w: command verb %q", ErrInvalidDeclaration, spec.Verb))
		return g
	}
	g.d.Commands = append(g.d.Commands, spec)
	return g
}

// Command adds a prefix-matched command anyone may run.
func (g *Group) Command(verb, description string, fn HandlerFunc) *Group {
	return g.Handle(CommandSpec{Verb: verb, Description: description, Handler: fn})
}

// OwnerCommand adds a prefix-matched owner-only command.
func (g *Group) OwnerCommand(verb, description string, fn HandlerFunc) *Group {
	return g.Handle(CommandSpec{Verb: verb, Description: description, Capability: CapabilityOwner, Handler: fn})
}

// StrictCommand adds an exact-matched command anyone may run.
func (g *Group) StrictCommand(verb, description string, fn HandlerFunc) *Group {
	return g.Handle(CommandSpec{Verb: verb, Description: description, Strictness: MatchExact, Handler: fn})
}

// StrictOwnerCommand adds an exact-matched owner-only command.
func (g *Group) StrictOwnerCommand(verb, description string, fn HandlerFunc) *Group {
	return g.Handle(CommandSpec{
		Verb:        verb,
		Description: description,
		Capability:  CapabilityOwner,
		Strictness:  MatchExact,
		Handler:     fn,
	})
}

// Watcher adds a handler that sees every new message. Watchers install no
// command entry but are still removed on unhook.
func (g *Group) Watcher(fn HandlerFunc) *Group {
	return g.Watch(EventNewMessage, fn)
}

// EditWatcher adds a handler that sees every edited message.
func (g *Group) EditWatcher(fn HandlerFunc) *Group {
	return g.Watch(EventMessageEdit, fn)
}

// Watch adds a handler for every event of kind.
func (g *Group) Watch(kind EventKind, fn HandlerFunc) *Group {
	if fn == nil {
		g.b.fail(fmt.Errorf("%w: %s %s watcher has no handler", ErrInvalidDeclaration, g.d.Name, kind))
		return g
	}
	g.d.Watchers = append(g.d.Watchers, WatcherSpec{Kind: kind, Handler: fn})
	return g
}
