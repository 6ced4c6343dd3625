package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

// DefaultInitFile is skipped when scanning the module directory.
const DefaultInitFile = "init.lua"

// BuiltinPrefix marks the keys of statically linked plugins.
const BuiltinPrefix = "builtin:"

// Loader discovers module files in a directory and hooks them into a Runtime.
type Loader struct {
	rt       *Runtime
	dir      string
	initFile string
	sources  map[string]Source
	log      *slog.Logger

	mu       sync.Mutex
	files    []string
	compiled []string
	builtins []Plugin
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithInitFile overrides the initializer file name skipped during scans.
func WithInitFile(name string) LoaderOption {
	return func(l *Loader) { l.initFile = name }
}

// NewLoader binds a loader for dir to rt. Each source claims the file
// extensions it reports; the first extension of a source is treated as its
// source form and the rest as precompiled forms.
func NewLoader(rt *Runtime, dir string, sources []Source, opts ...LoaderOption) *Loader {
	l := &Loader{
		rt:       rt,
		dir:      dir,
		initFile: DefaultInitFile,
		sources:  map[string]Source{},
		log:      rt.log.With(slog.String("component", "loader")),
	}
	for _, src := range sources {
		for _, ext := range src.Extensions() {
			l.sources[strings.ToLower(ext)] = src
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the module directory.
func (l *Loader) Dir() string { return l.dir }

// Runtime returns the runtime modules are hooked into.
func (l *Loader) Runtime() *Runtime { return l.rt }

// ModuleName strips directory and extension from a module file name.
func ModuleName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Refresh re-reads the module directory listing.
func (l *Loader) Refresh() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("loader: read %s: %w", l.dir, err)
	}
	var files, compiled []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == l.initFile {
			continue
		}
		src, ok := l.sources[strings.ToLower(filepath.Ext(name))]
		if !ok {
			continue
		}
		if isSourceExt(src, filepath.Ext(name)) {
			files = append(files, name)
		} else {
			compiled = append(compiled, name)
		}
	}
	sort.Strings(files)
	sort.Strings(compiled)

	l.mu.Lock()
	l.files, l.compiled = files, compiled
	l.mu.Unlock()
	return nil
}

func isSourceExt(src Source, ext string) bool {
	exts := src.Extensions()
	return len(exts) > 0 && strings.EqualFold(exts[0], ext)
}

// Candidates returns the last scanned source and precompiled module files.
func (l *Loader) Candidates() (files, compiled []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.files...), append([]string(nil), l.compiled...)
}

// CountPlugins returns how many loadable files the last scan found.
func (l *Loader) CountPlugins() int {
	files, compiled := l.Candidates()
	return len(files) + len(compiled)
}

// PluginList renders every loadable file with its module name.
func (l *Loader) PluginList() string {
	files, compiled := l.Candidates()
	var b strings.Builder
	for _, file := range append(files, compiled...) {
		fmt.Fprintf(&b, "🌒 **%s**, filename: `%s`\n", ModuleName(file), file)
	}
	return b.String()
}

// Hook loads file from the module directory. Hooking an already hooked file
// is a no-op. Keys with BuiltinPrefix hook the registered plugin of that
// name. Any failure returns a *LoadError and leaves the runtime untouched.
func (l *Loader) Hook(ctx context.Context, file string) error {
	if strings.HasPrefix(file, BuiltinPrefix) {
		p, ok := l.builtin(file)
		if !ok {
			return l.fail(ctx, file, strings.TrimPrefix(file, BuiltinPrefix), 0,
				fmt.Errorf("%w: no built-in module %q", ErrUnsupportedModule, file))
		}
		return l.HookPlugin(ctx, p)
	}
	if err := l.Refresh(); err != nil {
		l.log.Warn("loader: refresh failed", slog.Any("error", err))
	}
	return l.hook(ctx, file)
}

// HookAll hooks every source and precompiled module in the directory,
// continuing past individual failures.
func (l *Loader) HookAll(ctx context.Context) error {
	if err := l.Refresh(); err != nil {
		return err
	}
	files, compiled := l.Candidates()
	var errs []error
	for _, file := range append(files, compiled...) {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := l.hook(ctx, file); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unhook removes a hooked module by key.
func (l *Loader) Unhook(ctx context.Context, key string) error {
	return l.rt.Unhook(ctx, key)
}

// Reload unhooks and hooks file again.
func (l *Loader) Reload(ctx context.Context, file string) error {
	if err := l.rt.Unhook(ctx, file); err != nil {
		return err
	}
	return l.Hook(ctx, file)
}

// Register adds statically linked plugins to be hooked by HookBuiltins, in
// the order given.
func (l *Loader) Register(plugins ...Plugin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.builtins = append(l.builtins, plugins...)
}

func (l *Loader) builtin(key string) (Plugin, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.builtins {
		if BuiltinPrefix+p.Name() == key {
			return p, true
		}
	}
	return nil, false
}

// HookBuiltins hooks every registered plugin, continuing past failures.
func (l *Loader) HookBuiltins(ctx context.Context) error {
	l.mu.Lock()
	plugins := append([]Plugin(nil), l.builtins...)
	l.mu.Unlock()

	var errs []error
	for _, p := range plugins {
		if err := l.HookPlugin(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HookPlugin hooks a statically linked plugin under BuiltinPrefix+name.
func (l *Loader) HookPlugin(ctx context.Context, p Plugin) error {
	key := BuiltinPrefix + p.Name()
	if l.rt.IsHooked(key) {
		l.log.Debug(fmt.Sprintf("loader: module '%s' already loaded, skipping", key))
		return nil
	}
	return l.install(ctx, key, "", p.Name(), p, 0)
}

func (l *Loader) hook(ctx context.Context, file string) error {
	if l.rt.IsHooked(file) {
		l.log.Debug(fmt.Sprintf("loader: module '%s' already loaded, skipping", file))
		return nil
	}

	name := ModuleName(file)
	if file == "" || filepath.Base(file) != file || file == "." || file == ".." {
		return l.fail(ctx, file, name, 0, fmt.Errorf("%w: %q", ErrInvalidModulePath, file))
	}
	src, ok := l.sources[strings.ToLower(filepath.Ext(file))]
	if !ok {
		return l.fail(ctx, file, name, 0, fmt.Errorf("%w: %s", ErrUnsupportedModule, file))
	}

	path := filepath.Join(l.dir, file)
	code, err := os.ReadFile(path)
	if err != nil {
		return l.fail(ctx, file, name, 0, err)
	}
	fingerprint := xxhash.Checksum64(code)

	plugin, err := src.Compile(name, path, code)
	if err != nil {
		return l.fail(ctx, file, name, fingerprint, err)
	}
	return l.install(ctx, file, path, name, plugin, fingerprint)
}

func (l *Loader) install(ctx context.Context, key, path, name string, plugin Plugin, fingerprint uint64) error {
	b := NewBuilder(l.rt)
	if err := loadPlugin(plugin, b); err != nil {
		closePlugin(plugin)
		return l.fail(ctx, key, name, fingerprint, err)
	}
	if err := b.Err(); err != nil {
		closePlugin(plugin)
		return l.fail(ctx, key, name, fingerprint, err)
	}

	decls := b.Declarations()
	mod := &HookedModule{
		Key:         key,
		Name:        name,
		Path:        path,
		Description: NoDescription,
		LoadedAt:    time.Now().UTC(),
		Fingerprint: fingerprint,
		closer:      closerOf(plugin),
	}
	if len(decls) > 0 && decls[0].Description != "" {
		mod.Description = decls[0].Description
	}
	if b.about != "" {
		mod.Description = b.about
	}

	if err := l.rt.install(mod, decls, b.updates); err != nil {
		closePlugin(plugin)
		if errors.Is(err, errAlreadyHooked) {
			l.log.Debug(fmt.Sprintf("loader: module '%s' already loaded, skipping", key))
			return nil
		}
		return l.fail(ctx, key, name, fingerprint, err)
	}

	l.log.Debug(fmt.Sprintf("loader: module '%s' hooked", name),
		slog.String("key", key),
		slog.Any("declarations", mod.Declarations))
	l.rt.notify(ctx, ModuleEvent{
		Kind:         ModuleHooked,
		Module:       key,
		Declarations: mod.Declarations,
		Fingerprint:  fingerprint,
		At:           mod.LoadedAt,
	})
	return nil
}

func (l *Loader) fail(ctx context.Context, key, name string, fingerprint uint64, err error) error {
	l.log.Error(fmt.Sprintf("loader: '%s': %v", name, err))
	l.rt.notify(ctx, ModuleEvent{
		Kind:        ModuleFailed,
		Module:      key,
		Fingerprint: fingerprint,
		Error:       err.Error(),
		At:          time.Now().UTC(),
	})
	return &LoadError{Module: key, Err: err}
}

// loadPlugin runs p.Load, turning a panic in plugin code into ErrRuntime.
func loadPlugin(p Plugin, b *Builder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRuntime, r)
		}
	}()
	return p.Load(b)
}

func closePlugin(p Plugin) {
	if c := closerOf(p); c != nil {
		_ = c.Close()
	}
}
