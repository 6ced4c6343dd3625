// Package script loads Lua module files into the module runtime. Every file
// runs once in its own interpreter; the hayes global lets it declare command
// groups whose handlers stay bound to that interpreter until unhook.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
	"github.com/microcosm-cc/bluemonday"
	"github.com/stake-plus/hayes/src/modules/core"
)

const (
	// SourceExt is the extension of plain Lua modules.
	SourceExt = ".lua"
	// CompiledExt is the extension of precompiled binary chunks.
	CompiledExt = ".luac"

	groupTypeName = "hayes.group"
	eventTypeName = "hayes.event"
	handlersKey   = "hayes.handlers"
)

var errClosed = errors.New("script: module closed")

// Source compiles .lua and .luac files into core plugins.
type Source struct {
	sanitizer *bluemonday.Policy
}

var _ core.Source = (*Source)(nil)

// NewSource returns a Source that strips markup from script descriptions.
func NewSource() *Source {
	return &Source{sanitizer: bluemonday.StrictPolicy()}
}

// Extensions implements core.Source.
func (s *Source) Extensions() []string {
	return []string{SourceExt, CompiledExt}
}

// Compile implements core.Source. The chunk is compiled but not executed;
// its top-level statements run in Load.
func (s *Source) Compile(name, path string, code []byte) (core.Plugin, error) {
	mode := "t"
	if strings.EqualFold(filepath.Ext(path), CompiledExt) {
		mode = "b"
	}

	state := lua.NewState()
	m := &Module{name: name, key: filepath.Base(path), path: path, state: state, sanitizer: s.sanitizer}
	openLibraries(state)
	m.openAPI()

	if err := state.Load(bytes.NewReader(code), "@"+filepath.Base(path), mode); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrSyntax, errorMessage(state, err))
	}
	return m, nil
}

// Module is one loaded script. Its interpreter is not safe for concurrent
// use, so every entry into Lua holds mu.
type Module struct {
	name      string
	key       string
	path      string
	sanitizer *bluemonday.Policy

	mu       sync.Mutex
	state    *lua.State
	builder  *core.Builder
	host     core.Host
	handlers int
}

var _ core.Plugin = (*Module)(nil)

// Name implements core.Plugin.
func (m *Module) Name() string { return m.name }

// Load runs the chunk's top-level statements exactly once.
func (m *Module) Load(b *core.Builder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return errClosed
	}
	if m.builder != nil || m.host != nil {
		return fmt.Errorf("%w: %s already executed", core.ErrRuntime, m.name)
	}

	m.builder = b
	m.host = b.Host()
	defer func() { m.builder = nil }()

	if err := m.state.ProtectedCall(0, 0, 0); err != nil {
		return fmt.Errorf("%w: %s", core.ErrRuntime, errorMessage(m.state, err))
	}
	return nil
}

// Close drops the interpreter. Handlers still subscribed afterwards fail
// without entering Lua.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	return nil
}

func (m *Module) sanitize(text string) string {
	if m.sanitizer == nil {
		return text
	}
	return strings.TrimSpace(html.UnescapeString(m.sanitizer.Sanitize(text)))
}

func (m *Module) logger() *slog.Logger {
	if m.host != nil {
		return m.host.Logger().With(slog.String("module", m.name))
	}
	return slog.Default().With(slog.String("module", m.name))
}

func openLibraries(l *lua.State) {
	libs := []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	}
	for _, lib := range libs {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	// Modules get no file access through the base library.
	for _, name := range []string{"dofile", "loadfile"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}

func errorMessage(l *lua.State, err error) string {
	if l.Top() > 0 {
		if msg, ok := l.ToString(-1); ok && msg != "" {
			l.Pop(1)
			return msg
		}
	}
	return err.Error()
}

// CompiledName returns the .luac path next to a .lua source path.
func CompiledName(src string) string {
	return strings.TrimSuffix(src, filepath.Ext(src)) + CompiledExt
}

// CompileFile compiles the Lua source at src into a binary chunk at dst. It
// is independent of loading; the runtime never calls it on its own.
func CompileFile(src, dst string) error {
	code, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	l := lua.NewState()
	if err := l.Load(bytes.NewReader(code), "@"+filepath.Base(src), "t"); err != nil {
		return fmt.Errorf("%w: %s", core.ErrSyntax, errorMessage(l, err))
	}

	var buf bytes.Buffer
	if err := l.Dump(&buf); err != nil {
		return fmt.Errorf("script: dump %s: %w", src, err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Close()
}
