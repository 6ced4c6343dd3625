// Package builtin holds the statically linked admin plugin that lets owners
// manage script modules from chat.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/stake-plus/hayes/src/modules/core"
)

// CompileFunc compiles the module source at src into dst.
type CompileFunc func(src, dst string) error

// Loader is the admin plugin. It is hooked under core.BuiltinPrefix+"Loader".
type Loader struct {
	loader       *core.Loader
	compile      CompileFunc
	compiledName func(src string) string
	sourceExt    string
	shutdown     func()
	restart      func()
}

var _ core.Plugin = (*Loader)(nil)

// Option customises the plugin.
type Option func(*Loader)

// WithCompiler enables .compile for files ending in sourceExt. name maps a
// source path to its compiled path.
func WithCompiler(sourceExt string, compile CompileFunc, name func(string) string) Option {
	return func(p *Loader) {
		p.sourceExt = sourceExt
		p.compile = compile
		p.compiledName = name
	}
}

// WithShutdown enables .shutdown, which calls stop after replying.
func WithShutdown(stop func()) Option {
	return func(p *Loader) { p.shutdown = stop }
}

// WithRestart enables .restart, which calls restart after replying.
func WithRestart(restart func()) Option {
	return func(p *Loader) { p.restart = restart }
}

// New returns the admin plugin bound to l.
func New(l *core.Loader, opts ...Option) *Loader {
	p := &Loader{loader: l}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements core.Plugin.
func (p *Loader) Name() string { return "Loader" }

// Load implements core.Plugin.
func (p *Loader) Load(b *core.Builder) error {
	b.Declare("Loader", "Hooks, unhooks and lists modules").
		StrictOwnerCommand("load", "Hook a module file: .load <file>", p.load).
		StrictOwnerCommand("unload", "Unhook a module: .unload <file>", p.unload).
		StrictOwnerCommand("reload", "Unhook and hook a module again: .reload <file>", p.reload).
		StrictOwnerCommand("modules", "List hooked modules", p.modules).
		StrictOwnerCommand("plugins", "List module files on disk", p.plugins).
		StrictOwnerCommand("help", "List commands: .help [module]", p.help).
		StrictOwnerCommand("uptime", "Show how long the bot has run", p.uptime)
	if p.compile != nil {
		b.Declare("Loader", "").
			StrictOwnerCommand("compile", "Precompile a module: .compile <file>", p.compileCmd)
	}
	if p.shutdown != nil {
		b.Declare("Loader", "").
			StrictOwnerCommand("shutdown", "Stop the bot", p.shutdownCmd)
	}
	if p.restart != nil {
		b.Declare("Loader", "").
			StrictOwnerCommand("restart", "Restart the bot process", p.restartCmd)
	}
	b.Declare("Ping", "Liveness check").
		StrictCommand("ping", "Replies with pong", p.ping)
	return nil
}

func fileArg(ev core.Event) (string, bool) {
	args := core.ArgsOf(ev.Text())
	if len(args) == 0 {
		return "", false
	}
	return args[0], true
}

func (p *Loader) load(ctx context.Context, ev core.Event) error {
	file, ok := fileArg(ev)
	if !ok {
		return ev.Reply(ctx, "Usage: `.load <file>`")
	}
	if p.loader.Runtime().IsHooked(file) {
		return ev.Reply(ctx, fmt.Sprintf("Module `%s` is already hooked", file))
	}
	if err := p.loader.Hook(ctx, file); err != nil {
		return ev.Reply(ctx, fmt.Sprintf("❌ Failed to hook `%s`: %s", file, loadReason(err)))
	}
	return ev.Reply(ctx, fmt.Sprintf("✅ Module `%s` hooked", file))
}

func (p *Loader) unload(ctx context.Context, ev core.Event) error {
	file, ok := fileArg(ev)
	if !ok {
		return ev.Reply(ctx, "Usage: `.unload <file>`")
	}
	if !p.loader.Runtime().IsHooked(file) {
		return ev.Reply(ctx, fmt.Sprintf("Module `%s` is not hooked", file))
	}
	if err := p.loader.Unhook(ctx, file); err != nil {
		return ev.Reply(ctx, fmt.Sprintf("❌ Failed to unhook `%s`: %v", file, err))
	}
	return ev.Reply(ctx, fmt.Sprintf("✅ Module `%s` unhooked", file))
}

func (p *Loader) reload(ctx context.Context, ev core.Event) error {
	file, ok := fileArg(ev)
	if !ok {
		return ev.Reply(ctx, "Usage: `.reload <file>`")
	}
	if err := p.loader.Reload(ctx, file); err != nil {
		return ev.Reply(ctx, fmt.Sprintf("❌ Failed to reload `%s`: %s", file, loadReason(err)))
	}
	return ev.Reply(ctx, fmt.Sprintf("✅ Module `%s` reloaded", file))
}

func (p *Loader) modules(ctx context.Context, ev core.Event) error {
	rt := p.loader.Runtime()
	list := rt.ModuleList()
	if list == "" {
		return ev.Reply(ctx, "No modules hooked")
	}
	return ev.Reply(ctx, fmt.Sprintf("**Modules (%d):**\n%s", rt.CountModules(), list))
}

func (p *Loader) plugins(ctx context.Context, ev core.Event) error {
	if err := p.loader.Refresh(); err != nil {
		return ev.Reply(ctx, fmt.Sprintf("❌ %v", err))
	}
	list := p.loader.PluginList()
	if list == "" {
		return ev.Reply(ctx, "No module files found")
	}
	return ev.Reply(ctx, fmt.Sprintf("**Module files (%d):**\n%s", p.loader.CountPlugins(), list))
}

func (p *Loader) help(ctx context.Context, ev core.Event) error {
	rt := p.loader.Runtime()
	args := core.ArgsOf(ev.Text())
	if len(args) == 0 {
		list := rt.CommandsList()
		if list == "" {
			return ev.Reply(ctx, "No commands registered")
		}
		return ev.Reply(ctx, list)
	}
	decl := strings.Join(args, " ")
	return ev.Reply(ctx, fmt.Sprintf("**%s**\n%s", decl, rt.ModuleCommands(decl)))
}

func (p *Loader) compileCmd(ctx context.Context, ev core.Event) error {
	file, ok := fileArg(ev)
	if !ok {
		return ev.Reply(ctx, "Usage: `.compile <file>`")
	}
	if filepath.Base(file) != file || !strings.EqualFold(filepath.Ext(file), p.sourceExt) {
		return ev.Reply(ctx, fmt.Sprintf("Only `%s` files in the module directory can be compiled", p.sourceExt))
	}
	src := filepath.Join(p.loader.Dir(), file)
	dst := p.compiledName(src)
	if err := p.compile(src, dst); err != nil {
		return ev.Reply(ctx, fmt.Sprintf("❌ Failed to compile `%s`: %v", file, err))
	}
	return ev.Reply(ctx, fmt.Sprintf("✅ Compiled `%s` to `%s`", file, filepath.Base(dst)))
}

func (p *Loader) uptime(ctx context.Context, ev core.Event) error {
	return ev.Reply(ctx, fmt.Sprintf("Uptime: %s", p.loader.Runtime().Uptime()))
}

func (p *Loader) shutdownCmd(ctx context.Context, ev core.Event) error {
	err := ev.Reply(ctx, "Shutting down...")
	p.shutdown()
	return err
}

func (p *Loader) restartCmd(ctx context.Context, ev core.Event) error {
	err := ev.Reply(ctx, "Restarting...")
	p.restart()
	return err
}

func (p *Loader) ping(ctx context.Context, ev core.Event) error {
	return ev.Reply(ctx, "pong")
}

func loadReason(err error) string {
	var le *core.LoadError
	if errors.As(err, &le) {
		return le.Err.Error()
	}
	return err.Error()
}
