package script

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Shopify/go-lua"
	"github.com/stake-plus/hayes/src/modules/core"
)

type group struct {
	m *Module
	g *core.Group
}

type event struct {
	ctx context.Context
	ev  core.Event
}

// openAPI installs the hayes global, the handler table and the userdata
// metatables into a fresh state.
func (m *Module) openAPI() {
	l := m.state

	l.NewTable()
	l.SetField(lua.RegistryIndex, handlersKey)

	lua.NewMetaTable(l, groupTypeName)
	l.NewTable()
	lua.SetFunctions(l, m.groupMethods(), 0)
	l.SetField(-2, "__index")
	l.Pop(1)

	lua.NewMetaTable(l, eventTypeName)
	l.NewTable()
	lua.SetFunctions(l, eventMethods, 0)
	l.SetField(-2, "__index")
	l.Pop(1)

	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "module", Function: m.declare},
		{Name: "set_description", Function: m.setDescription},
		{Name: "set_module_description", Function: m.setModuleDescription},
		{Name: "update_command_description", Function: m.updateCommandDescription},
		{Name: "commands", Function: m.commands},
		{Name: "log", Function: m.log},
	}, 0)
	l.PushString(m.name)
	l.SetField(-2, "name")
	l.SetGlobal("hayes")
}

// hayes.module(name [, description]) -> group
func (m *Module) declare(l *lua.State) int {
	name := lua.CheckString(l, 1)
	description := lua.OptString(l, 2, "")
	if m.builder == nil {
		lua.Errorf(l, "hayes.module: declarations are only accepted while the module loads")
		return 0
	}
	g := m.builder.Declare(name, m.sanitize(description))
	l.PushUserData(&group{m: m, g: g})
	lua.SetMetaTableNamed(l, groupTypeName)
	return 1
}

// hayes.set_description(declaration, text)
func (m *Module) setDescription(l *lua.State) int {
	decl := lua.CheckString(l, 1)
	text := m.sanitize(lua.CheckString(l, 2))
	if m.builder != nil {
		m.builder.SetDescription(decl, text)
	} else if m.host != nil {
		m.host.SetDescription(decl, text)
	}
	return 0
}

// hayes.set_module_description(text)
func (m *Module) setModuleDescription(l *lua.State) int {
	text := m.sanitize(lua.CheckString(l, 1))
	if m.builder != nil {
		m.builder.SetModuleDescription(text)
	} else if m.host != nil {
		m.host.SetModuleDescription(m.key, text)
	}
	return 0
}

// hayes.update_command_description(declaration, verb, text) -> bool
func (m *Module) updateCommandDescription(l *lua.State) int {
	decl := lua.CheckString(l, 1)
	verb := lua.CheckString(l, 2)
	text := m.sanitize(lua.CheckString(l, 3))
	var ok bool
	if m.builder != nil {
		ok = m.builder.UpdateCommandDescription(decl, verb, text)
	} else if m.host != nil {
		ok = m.host.UpdateCommandDescription(decl, verb, text)
	}
	l.PushBoolean(ok)
	return 1
}

// hayes.commands(declaration) -> string
func (m *Module) commands(l *lua.State) int {
	decl := lua.CheckString(l, 1)
	if m.host == nil {
		l.PushString(core.NoDescription)
		return 1
	}
	l.PushString(m.host.ModuleCommands(decl))
	return 1
}

// hayes.log(message)
func (m *Module) log(l *lua.State) int {
	msg := lua.CheckString(l, 1)
	m.logger().Info("module: " + msg)
	return 0
}

func (m *Module) groupMethods() []lua.RegistryFunction {
	return []lua.RegistryFunction{
		{Name: "command", Function: m.addCommand(core.CapabilityNone, core.MatchPrefix)},
		{Name: "owner_command", Function: m.addCommand(core.CapabilityOwner, core.MatchPrefix)},
		{Name: "strict_command", Function: m.addCommand(core.CapabilityNone, core.MatchExact)},
		{Name: "strict_owner_command", Function: m.addCommand(core.CapabilityOwner, core.MatchExact)},
		{Name: "watcher", Function: m.addWatcher(core.EventNewMessage)},
		{Name: "edit_watcher", Function: m.addWatcher(core.EventMessageEdit)},
		{Name: "describe", Function: m.describe},
		{Name: "name", Function: groupName},
	}
}

func checkGroup(l *lua.State) *group {
	ud := lua.CheckUserData(l, 1, groupTypeName)
	if g, ok := ud.(*group); ok && g != nil {
		return g
	}
	lua.ArgumentError(l, 1, "group expected")
	return nil
}

// group:command(verb [, description], fn)
func (m *Module) addCommand(capability core.Capability, strictness core.Strictness) lua.Function {
	return func(l *lua.State) int {
		g := checkGroup(l)
		verb := lua.CheckString(l, 2)
		description, fnIndex := "", 3
		if !l.IsFunction(3) {
			description = lua.CheckString(l, 3)
			fnIndex = 4
		}
		lua.CheckType(l, fnIndex, lua.TypeFunction)
		if m.builder == nil {
			lua.Errorf(l, "%s: commands are only accepted while the module loads", verb)
			return 0
		}
		ref := m.ref(l, fnIndex)
		g.g.Handle(core.CommandSpec{
			Verb:        verb,
			Description: m.sanitize(description),
			Capability:  capability,
			Strictness:  strictness,
			Handler:     m.handler(ref, core.Token(verb)),
		})
		l.PushValue(1)
		return 1
	}
}

// group:watcher(fn), group:edit_watcher(fn)
func (m *Module) addWatcher(kind core.EventKind) lua.Function {
	return func(l *lua.State) int {
		g := checkGroup(l)
		lua.CheckType(l, 2, lua.TypeFunction)
		if m.builder == nil {
			lua.Errorf(l, "watchers are only accepted while the module loads")
			return 0
		}
		ref := m.ref(l, 2)
		g.g.Watch(kind, m.handler(ref, kind.String()+" watcher"))
		l.PushValue(1)
		return 1
	}
}

// group:describe(text)
func (m *Module) describe(l *lua.State) int {
	g := checkGroup(l)
	text := m.sanitize(lua.CheckString(l, 2))
	if m.builder != nil {
		g.g.Describe(text)
	} else if m.host != nil {
		m.host.SetDescription(g.g.Name(), text)
	}
	l.PushValue(1)
	return 1
}

func groupName(l *lua.State) int {
	g := checkGroup(l)
	l.PushString(g.g.Name())
	return 1
}

// ref stores the function at index in the handler table and returns its slot.
func (m *Module) ref(l *lua.State, index int) int {
	index = l.AbsIndex(index)
	l.Field(lua.RegistryIndex, handlersKey)
	l.PushValue(index)
	m.handlers++
	l.RawSetInt(-2, m.handlers)
	l.Pop(1)
	return m.handlers
}

// handler returns a HandlerFunc calling the Lua function in slot ref with
// the event as its only argument.
func (m *Module) handler(ref int, name string) core.HandlerFunc {
	return func(ctx context.Context, ev core.Event) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		l := m.state
		if l == nil {
			return errClosed
		}

		top := l.Top()
		defer l.SetTop(top)

		l.Field(lua.RegistryIndex, handlersKey)
		l.RawGetInt(-1, ref)
		l.PushUserData(&event{ctx: ctx, ev: ev})
		lua.SetMetaTableNamed(l, eventTypeName)
		if err := l.ProtectedCall(1, 0, 0); err != nil {
			msg := errorMessage(l, err)
			m.logger().Debug("script: handler error", slog.String("handler", name), slog.String("error", msg))
			return fmt.Errorf("%s %s: %s", m.name, name, msg)
		}
		return nil
	}
}

var eventMethods = []lua.RegistryFunction{
	{Name: "text", Function: eventText},
	{Name: "command", Function: eventCommand},
	{Name: "args", Function: eventArgs},
	{Name: "rest", Function: eventRest},
	{Name: "sender", Function: eventSender},
	{Name: "origin", Function: eventOrigin},
	{Name: "channel", Function: eventChannel},
	{Name: "reply", Function: eventReply},
}

func checkEvent(l *lua.State) *event {
	ud := lua.CheckUserData(l, 1, eventTypeName)
	if e, ok := ud.(*event); ok && e != nil {
		return e
	}
	lua.ArgumentError(l, 1, "event expected")
	return nil
}

func eventText(l *lua.State) int {
	l.PushString(checkEvent(l).ev.Text())
	return 1
}

func eventCommand(l *lua.State) int {
	l.PushString(core.CommandOf(checkEvent(l).ev.Text()))
	return 1
}

func eventArgs(l *lua.State) int {
	args := core.ArgsOf(checkEvent(l).ev.Text())
	l.NewTable()
	for i, arg := range args {
		l.PushString(arg)
		l.RawSetInt(-2, i+1)
	}
	return 1
}

// rest returns the raw text after the command token.
func eventRest(l *lua.State) int {
	text := strings.TrimSpace(checkEvent(l).ev.Text())
	if i := strings.IndexFunc(text, isSpace); i >= 0 {
		l.PushString(strings.TrimSpace(text[i:]))
	} else {
		l.PushString("")
	}
	return 1
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func eventSender(l *lua.State) int {
	l.PushString(checkEvent(l).ev.SenderID())
	return 1
}

func eventOrigin(l *lua.State) int {
	l.PushString(checkEvent(l).ev.OriginID())
	return 1
}

func eventChannel(l *lua.State) int {
	if c, ok := checkEvent(l).ev.(core.Channeled); ok {
		l.PushString(c.ChannelID())
	} else {
		l.PushString("")
	}
	return 1
}

func eventReply(l *lua.State) int {
	e := checkEvent(l)
	text := lua.CheckString(l, 2)
	if err := e.ev.Reply(e.ctx, text); err != nil {
		lua.Errorf(l, "reply: %s", err.Error())
	}
	return 0
}
