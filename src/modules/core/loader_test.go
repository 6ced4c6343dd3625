package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// calls counts handler invocations by "declaration token".
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func newCalls() *calls { return &calls{n: map[string]int{}} }

func (c *calls) inc(key string) {
	c.mu.Lock()
	c.n[key]++
	c.mu.Unlock()
}

func (c *calls) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[key]
}

// lineSource reads a tiny line format:
//
//	decl <Name> [description]
//	cmd <verb> <prefix|exact> <none|owner> [description]
//	watch
//	editwatch
//	desc <Decl> <text>
//	cmddesc <Decl> <verb> <text>
//	about <text>
//	fail
//	!            (syntax error)
type lineSource struct {
	calls *calls
}

func (s *lineSource) Extensions() []string { return []string{".mod", ".modc"} }

func (s *lineSource) Compile(name, path string, code []byte) (Plugin, error) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(code))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") {
			return nil, fmt.Errorf("%w: %s: unexpected '!'", ErrSyntax, path)
		}
		lines = append(lines, line)
	}
	return &linePlugin{name: name, lines: lines, calls: s.calls}, nil
}

type linePlugin struct {
	name   string
	lines  []string
	calls  *calls
	closed bool
}

func (p *linePlugin) Name() string { return p.name }

func (p *linePlugin) Close() error {
	p.closed = true
	return nil
}

func (p *linePlugin) Load(b *Builder) error {
	var g *Group
	for _, line := range p.lines {
		f := strings.Fields(line)
		switch f[0] {
		case "decl":
			g = b.Declare(f[1], strings.Join(f[2:], " "))
		case "cmd":
			spec := CommandSpec{Verb: f[1], Description: strings.Join(f[4:], " ")}
			if f[2] == "exact" {
				spec.Strictness = MatchExact
			}
			if f[3] == "owner" {
				spec.Capability = CapabilityOwner
			}
			key := g.Name() + " " + Token(f[1])
			spec.Handler = func(ctx context.Context, ev Event) error {
				p.calls.inc(key)
				return nil
			}
			g.Handle(spec)
		case "watch":
			key := g.Name() + " watch"
			g.Watcher(func(ctx context.Context, ev Event) error {
				p.calls.inc(key)
				return nil
			})
		case "editwatch":
			key := g.Name() + " editwatch"
			g.EditWatcher(func(ctx context.Context, ev Event) error {
				p.calls.inc(key)
				return nil
			})
		case "desc":
			b.SetDescription(f[1], strings.Join(f[2:], " "))
		case "cmddesc":
			b.UpdateCommandDescription(f[1], f[2], strings.Join(f[3:], " "))
		case "about":
			b.SetModuleDescription(strings.Join(f[1:], " "))
		case "fail":
			return fmt.Errorf("%w: module asked to fail", ErrRuntime)
		}
	}
	return nil
}

type fixture struct {
	t         *testing.T
	dir       string
	transport *LocalTransport
	rt        *Runtime
	loader    *Loader
	calls     *calls
}

func newFixture(t *testing.T, transport Transport, owners ...string) *fixture {
	t.Helper()
	local := NewLocalTransport(context.Background())
	if transport == nil {
		transport = local
	}
	rt, err := NewRuntime(Options{
		Transport: transport,
		Owners:    NewOwners(owners...),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	c := newCalls()
	dir := t.TempDir()
	return &fixture{
		t:         t,
		dir:       dir,
		transport: local,
		rt:        rt,
		loader:    NewLoader(rt, dir, []Source{&lineSource{calls: c}}, WithInitFile("init.mod")),
		calls:     c,
	}
}

func (f *fixture) write(name, content string) {
	f.t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", name, err)
	}
}

func (f *fixture) send(text, sender string) {
	f.transport.Publish(EventNewMessage, &Message{Content: text, Sender: sender})
	f.transport.Wait()
}

const pingModule = `
decl Net Network tools
cmd ping exact none Replies pong
cmd echo prefix none Echoes text
`

func TestUnhookSilencesModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)

	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	f.send(".ping", "1")
	f.send(".echo hello world", "1")
	if f.calls.get("Net .ping") != 1 || f.calls.get("Net .echo") != 1 {
		t.Fatalf("expected one call each, got %v", f.calls.n)
	}

	if err := f.loader.Unhook(ctx, "net.mod"); err != nil {
		t.Fatalf("unhook: %v", err)
	}
	f.send(".ping", "1")
	f.send(".echo hello world", "1")
	if f.calls.get("Net .ping") != 1 || f.calls.get("Net .echo") != 1 {
		t.Errorf("handlers ran after unhook: %v", f.calls.n)
	}
	if f.transport.Len() != 0 {
		t.Errorf("expected no subscriptions left, got %d", f.transport.Len())
	}
	if f.rt.CountModules() != 0 || f.rt.ModuleCommands("Net") != NoDescription {
		t.Error("commands should vanish from listings after unhook")
	}
}

func TestHookIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)

	for i := 0; i < 2; i++ {
		if err := f.loader.Hook(ctx, "net.mod"); err != nil {
			t.Fatalf("hook %d: %v", i, err)
		}
	}
	if got := len(f.rt.Commands("Net")); got != 2 {
		t.Errorf("expected 2 command entries, got %d", got)
	}
	if f.transport.Len() != 2 {
		t.Errorf("expected 2 subscriptions, got %d", f.transport.Len())
	}
	f.send(".ping", "1")
	if got := f.calls.get("Net .ping"); got != 1 {
		t.Errorf("expected a single invocation, got %d", got)
	}
}

func TestUnhookUnknownModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)
	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}

	if err := f.loader.Unhook(ctx, "missing.mod"); err != nil {
		t.Fatalf("unhook of unknown module should be a no-op, got %v", err)
	}
	if !f.rt.IsHooked("net.mod") || f.transport.Len() != 2 {
		t.Error("unrelated module state changed")
	}
}

func TestOwnerCommandIgnoresStrangers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, "111")
	f.write("admin.mod", "decl Admin\ncmd shutdown exact owner Stops the agent\n")
	if err := f.loader.Hook(ctx, "admin.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}

	f.send(".shutdown", "999")
	if got := f.calls.get("Admin .shutdown"); got != 0 {
		t.Fatalf("non-owner triggered owner command %d times", got)
	}
	f.send(".shutdown", "111")
	if got := f.calls.get("Admin .shutdown"); got != 1 {
		t.Errorf("owner should trigger the command once, got %d", got)
	}
	// Registration is independent of authorization.
	if len(f.rt.Commands("Admin")) != 1 {
		t.Error("owner command should still be listed")
	}
}

func TestMatchStrictness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)
	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}

	for _, text := range []string{".ping", ".pingx", "foo .ping"} {
		f.send(text, "1")
	}
	if got := f.calls.get("Net .ping"); got != 1 {
		t.Errorf("exact command: expected 1 call, got %d", got)
	}

	for _, text := range []string{".echo hello world", ".echotest"} {
		f.send(text, "1")
	}
	if got := f.calls.get("Net .echo"); got != 2 {
		t.Errorf("prefix command: expected 2 calls, got %d", got)
	}
}

func TestSyntaxErrorLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)
	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	beforeSummaries := f.rt.Summaries()
	beforeSubs := f.transport.Len()

	f.write("broken.mod", "decl Broken\ncmd boom exact none\n!\n")
	err := f.loader.Hook(ctx, "broken.mod")
	var loadErr *LoadError
	if !errors.As(err, &loadErr) || !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected syntax LoadError, got %v", err)
	}
	if loadErr.Module != "broken.mod" {
		t.Errorf("unexpected module in error: %q", loadErr.Module)
	}
	if f.rt.IsHooked("broken.mod") {
		t.Error("broken module must not be hooked")
	}
	if len(f.rt.Summaries()) != len(beforeSummaries) || f.transport.Len() != beforeSubs {
		t.Error("registry or transport changed after failed load")
	}

	f.write("broken.mod", "decl Broken\ncmd boom exact none\n")
	if err := f.loader.Hook(ctx, "broken.mod"); err != nil {
		t.Fatalf("retry after fix: %v", err)
	}
	if len(f.rt.Commands("Broken")) != 1 {
		t.Error("fixed module should register its command")
	}
}

func TestRuntimeErrorRegistersNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("half.mod", "decl Half\ncmd one exact none\ncmd two exact none\nfail\n")

	err := f.loader.Hook(ctx, "half.mod")
	if !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if f.transport.Len() != 0 || f.rt.CountModules() != 0 {
		t.Error("partial registration leaked")
	}
	if orphans := f.rt.Orphans(); len(orphans) != 0 {
		t.Errorf("unexpected orphans: %v", orphans)
	}
}

func TestDeclarationConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("a.mod", "decl Shared\ncmd a exact none\n")
	f.write("b.mod", "decl Shared\ncmd b exact none\n")

	if err := f.loader.Hook(ctx, "a.mod"); err != nil {
		t.Fatalf("hook a: %v", err)
	}
	if err := f.loader.Hook(ctx, "b.mod"); !errors.Is(err, ErrDeclarationConflict) {
		t.Fatalf("expected declaration conflict, got %v", err)
	}
	if got := len(f.rt.Commands("Shared")); got != 1 {
		t.Errorf("first module should keep its single command, got %d", got)
	}
	if f.transport.Len() != 1 {
		t.Errorf("conflicting module left subscriptions: %d", f.transport.Len())
	}
}

func TestDuplicateTokensAcrossModulesBothFire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("a.mod", "decl A\ncmd ping exact none\n")
	f.write("b.mod", "decl B\ncmd ping exact none\n")
	if err := f.loader.HookAll(ctx); err != nil {
		t.Fatalf("hook all: %v", err)
	}

	f.send(".ping", "1")
	if f.calls.get("A .ping") != 1 || f.calls.get("B .ping") != 1 {
		t.Errorf("both modules should receive the command: %v", f.calls.n)
	}
}

// stickyTransport fails the first n unsubscribes without removing anything.
type stickyTransport struct {
	*LocalTransport
	mu       sync.Mutex
	failures int
}

func (s *stickyTransport) Unsubscribe(sub Subscription) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("transport refused")
	}
	s.mu.Unlock()
	return s.LocalTransport.Unsubscribe(sub)
}

func TestUnsubscribeFailureStillDeactivates(t *testing.T) {
	ctx := context.Background()
	local := NewLocalTransport(ctx)
	sticky := &stickyTransport{LocalTransport: local, failures: 1}
	f := newFixture(t, sticky)
	f.transport = local
	f.write("net.mod", pingModule)

	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	if err := f.loader.Unhook(ctx, "net.mod"); err != nil {
		t.Fatalf("unhook should swallow unsubscribe failures, got %v", err)
	}
	if local.Len() != 1 {
		t.Fatalf("expected one stale subscription, got %d", local.Len())
	}
	if f.rt.IsHooked("net.mod") || f.rt.CountModules() != 0 {
		t.Fatal("module should be fully unhooked")
	}

	f.send(".ping", "1")
	f.send(".echo hi", "1")
	if f.calls.get("Net .ping") != 0 || f.calls.get("Net .echo") != 0 {
		t.Errorf("stale subscription passed the activation check: %v", f.calls.n)
	}

	// A fresh load must not revive the stale handler.
	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("rehook: %v", err)
	}
	f.send(".ping", "1")
	if got := f.calls.get("Net .ping"); got != 1 {
		t.Errorf("expected exactly one invocation after rehook, got %d", got)
	}
}

// failingTransport rejects every subscription after the first ok.
type failingTransport struct {
	*LocalTransport
	ok int
}

func (f *failingTransport) Subscribe(kind EventKind, match Predicate, fn HandlerFunc) (Subscription, error) {
	if f.ok == 0 {
		return nil, errors.New("gateway closed")
	}
	f.ok--
	return f.LocalTransport.Subscribe(kind, match, fn)
}

func TestSubscribeFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	local := NewLocalTransport(ctx)
	f := newFixture(t, &failingTransport{LocalTransport: local, ok: 1})
	f.transport = local
	f.write("net.mod", pingModule)

	err := f.loader.Hook(ctx, "net.mod")
	if !errors.Is(err, ErrSubscribe) {
		t.Fatalf("expected subscribe failure, got %v", err)
	}
	if local.Len() != 0 {
		t.Errorf("rollback left %d subscriptions", local.Len())
	}
	if f.rt.IsHooked("net.mod") || f.rt.CountModules() != 0 {
		t.Error("failed module must not be committed")
	}
}

func TestHookAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("a.mod", "decl A\ncmd a exact none\n")
	f.write("b.mod", "!\n")
	f.write("c.modc", "decl C\ncmd c exact none\n")
	f.write("init.mod", "decl Init\ncmd init exact none\n")
	f.write("notes.txt", "ignored")

	err := f.loader.HookAll(ctx)
	if err == nil || !strings.Contains(err.Error(), "b.mod") {
		t.Fatalf("expected joined error naming b.mod, got %v", err)
	}
	for _, key := range []string{"a.mod", "c.modc"} {
		if !f.rt.IsHooked(key) {
			t.Errorf("%s should be hooked", key)
		}
	}
	if f.rt.IsHooked("init.mod") {
		t.Error("initializer file must be skipped")
	}
	files, compiled := f.loader.Candidates()
	if len(files) != 2 || len(compiled) != 1 {
		t.Errorf("unexpected candidates: %v %v", files, compiled)
	}
	if f.loader.CountPlugins() != 3 {
		t.Errorf("expected 3 plugins, got %d", f.loader.CountPlugins())
	}
}

func TestHookRejectsPathsOutsideDirectory(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"../x.mod", "sub/x.mod", ""} {
		if err := f.loader.Hook(context.Background(), name); !errors.Is(err, ErrInvalidModulePath) {
			t.Errorf("%q: expected invalid path, got %v", name, err)
		}
	}
	if err := f.loader.Hook(context.Background(), "x.py"); !errors.Is(err, ErrUnsupportedModule) {
		t.Errorf("expected unsupported module, got %v", err)
	}
}

func TestWatchersAreRemovedOnUnhook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("spy.mod", "decl Spy\nwatch\n")
	if err := f.loader.Hook(ctx, "spy.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	f.send("anything at all", "5")
	if got := f.calls.get("Spy watch"); got != 1 {
		t.Fatalf("watcher should see the message, got %d", got)
	}
	if err := f.loader.Unhook(ctx, "spy.mod"); err != nil {
		t.Fatalf("unhook: %v", err)
	}
	if f.transport.Len() != 0 {
		t.Errorf("watcher subscription left behind")
	}
}

func TestEditWatchersSeeOnlyEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("spy.mod", "decl Spy\nwatch\neditwatch\n")
	if err := f.loader.Hook(ctx, "spy.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}

	f.send("new text", "5")
	f.transport.Publish(EventMessageEdit, &Message{Content: "edited text", Sender: "5"})
	f.transport.Wait()
	if got := f.calls.get("Spy watch"); got != 1 {
		t.Errorf("message watcher: expected 1 call, got %d", got)
	}
	if got := f.calls.get("Spy editwatch"); got != 1 {
		t.Errorf("edit watcher: expected 1 call, got %d", got)
	}

	if err := f.loader.Unhook(ctx, "spy.mod"); err != nil {
		t.Fatalf("unhook: %v", err)
	}
	if f.transport.Len() != 0 {
		t.Errorf("subscriptions left: %d", f.transport.Len())
	}
	f.transport.Publish(EventMessageEdit, &Message{Content: "again", Sender: "5"})
	f.transport.Wait()
	if got := f.calls.get("Spy editwatch"); got != 1 {
		t.Errorf("edit watcher fired after unhook: %d", got)
	}
}

func TestFailedLoadKeepsOtherDescriptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)
	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	before := f.rt.Summaries()
	commands := f.rt.ModuleCommands("Net")

	f.write("bad.mod", "decl Bad\ndesc Net clobbered\ncmddesc Net ping clobbered too\nabout clobbered\nfail\n")
	if err := f.loader.Hook(ctx, "bad.mod"); !errors.Is(err, ErrRuntime) {
		t.Fatalf("expected runtime error, got %v", err)
	}

	if got := f.rt.Summaries(); !reflect.DeepEqual(got, before) {
		t.Errorf("summaries changed by failed load: %v -> %v", before, got)
	}
	if got := f.rt.ModuleCommands("Net"); got != commands {
		t.Errorf("commands changed by failed load:\n%s\n->\n%s", commands, got)
	}
	if info, _ := f.rt.Module("net.mod"); info.Description != "Network tools" {
		t.Errorf("module description changed: %q", info.Description)
	}
}

func TestDescriptionUpdatesApplyAfterHook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)
	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}
	f.write("tune.mod", "decl Tune First\ncmd tune exact none\ncmddesc Tune tune Tunes things\ndesc Net Retitled\ncmddesc Net .ping Pong replies\nabout Tuning helpers\n")
	if err := f.loader.Hook(ctx, "tune.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}

	if got := f.rt.ModuleCommands("Net"); !strings.Contains(got, "Pong replies") {
		t.Errorf("foreign command description not applied:\n%s", got)
	}
	if info, _ := f.rt.Module("net.mod"); info.Description != "Retitled" {
		t.Errorf("foreign declaration description not applied: %q", info.Description)
	}
	if got := f.rt.ModuleCommands("Tune"); !strings.Contains(got, "Tunes things") {
		t.Errorf("own command description not applied:\n%s", got)
	}
	if info, _ := f.rt.Module("tune.mod"); info.Description != "Tuning helpers" {
		t.Errorf("module description override not applied: %q", info.Description)
	}
}

func TestObserversSeeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var (
		mu    sync.Mutex
		kinds []ModuleEventKind
	)
	f.rt.AddObserver(ObserverFunc(func(ctx context.Context, ev ModuleEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}))
	f.write("net.mod", pingModule)
	f.write("bad.mod", "!\n")

	_ = f.loader.Hook(ctx, "net.mod")
	_ = f.loader.Hook(ctx, "bad.mod")
	_ = f.loader.Unhook(ctx, "net.mod")

	want := []ModuleEventKind{ModuleHooked, ModuleFailed, ModuleUnhooked}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], kinds[i])
		}
	}
}

func TestDescriptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.write("net.mod", pingModule)
	if err := f.loader.Hook(ctx, "net.mod"); err != nil {
		t.Fatalf("hook: %v", err)
	}

	info, ok := f.rt.Module("net.mod")
	if !ok || info.Description != "Network tools" || info.Name != "net" || info.Commands != 2 {
		t.Fatalf("unexpected module info: %+v", info)
	}
	if info.Fingerprint == 0 {
		t.Error("fingerprint should be recorded")
	}

	f.rt.SetDescription("Net", "Networking")
	if info, _ := f.rt.Module("net.mod"); info.Description != "Networking" {
		t.Errorf("module description should follow its first declaration, got %q", info.Description)
	}
	if !f.rt.UpdateCommandDescription("Net", "ping", "Pong!") {
		t.Fatal("command description update failed")
	}
	if got := f.rt.Commands("Net")[0].Description; got != "Pong!" {
		t.Errorf("unexpected description %q", got)
	}
	if !strings.Contains(f.rt.ModuleList(), "`net.mod`") {
		t.Errorf("module list should name the file: %q", f.rt.ModuleList())
	}
}

type selfUnloader struct {
	loader *Loader
	done   chan struct{}
}

func (p *selfUnloader) Name() string { return "suicide" }

func (p *selfUnloader) Load(b *Builder) error {
	b.Declare("Suicide", "").StrictCommand("bye", "Unloads itself", func(ctx context.Context, ev Event) error {
		defer close(p.done)
		return p.loader.Unhook(ctx, BuiltinPrefix+"suicide")
	})
	return nil
}

func TestHandlerMayUnhookItsOwnModule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := &selfUnloader{loader: f.loader, done: make(chan struct{})}
	f.loader.Register(p)
	if err := f.loader.HookBuiltins(ctx); err != nil {
		t.Fatalf("hook builtins: %v", err)
	}
	if !f.rt.IsHooked("builtin:suicide") {
		t.Fatal("builtin plugin should be hooked under its prefixed key")
	}

	f.send(".bye", "1")
	<-p.done
	if f.rt.IsHooked("builtin:suicide") {
		t.Error("module should have unhooked itself")
	}
	if f.transport.Len() != 0 {
		t.Errorf("subscriptions left: %d", f.transport.Len())
	}
}

type staticPlugin struct{ loads int }

func (p *staticPlugin) Name() string { return "Static" }

func (p *staticPlugin) Load(b *Builder) error {
	p.loads++
	b.Declare("Static", "Linked in").StrictCommand("hello", "Says hello", func(ctx context.Context, ev Event) error {
		return ev.Reply(ctx, "hello")
	})
	return nil
}

func TestBuiltinsCanBeReloadedAndRehooked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := &staticPlugin{}
	f.loader.Register(p)
	if err := f.loader.HookBuiltins(ctx); err != nil {
		t.Fatalf("hook builtins: %v", err)
	}
	const key = BuiltinPrefix + "Static"

	if err := f.loader.Reload(ctx, key); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !f.rt.IsHooked(key) || p.loads != 2 {
		t.Fatalf("reload should hook the plugin again (hooked=%v loads=%d)", f.rt.IsHooked(key), p.loads)
	}

	if err := f.loader.Unhook(ctx, key); err != nil {
		t.Fatalf("unhook: %v", err)
	}
	if err := f.loader.Hook(ctx, key); err != nil {
		t.Fatalf("hook after unhook: %v", err)
	}
	if !f.rt.IsHooked(key) || f.transport.Len() != 1 {
		t.Errorf("expected one live command, got hooked=%v subs=%d", f.rt.IsHooked(key), f.transport.Len())
	}

	if err := f.loader.Hook(ctx, BuiltinPrefix+"Missing"); !errors.Is(err, ErrUnsupportedModule) {
		t.Errorf("unknown builtin: expected unsupported module, got %v", err)
	}
}

func TestFailedLoadClosesPlugin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	var captured *linePlugin
	src := &lineSource{calls: f.calls}
	f.loader = NewLoader(f.rt, f.dir, []Source{sourceFunc(func(name, path string, code []byte) (Plugin, error) {
		p, err := src.Compile(name, path, code)
		if lp, ok := p.(*linePlugin); ok {
			captured = lp
		}
		return p, err
	})})
	f.write("half.mod", "decl Half\nfail\n")

	if err := f.loader.Hook(ctx, "half.mod"); err == nil {
		t.Fatal("expected failure")
	}
	if captured == nil || !captured.closed {
		t.Error("plugin should be closed after a failed load")
	}
}

type sourceFunc func(name, path string, code []byte) (Plugin, error)

func (f sourceFunc) Extensions() []string { return []string{".mod"} }

func (f sourceFunc) Compile(name, path string, code []byte) (Plugin, error) {
	return f(name, path, code)
}
