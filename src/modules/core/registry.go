package core

import (
	"fmt"
	"strings"
)

// NoDescription is reported for declarations and commands without a description.
const NoDescription = "None"

// CommandEntry is one installed command. Subscription is the handle the
// transport returned at registration; the registry never invokes it.
type CommandEntry struct {
	Token        string
	Description  string
	Capability   Capability
	Strictness   Strictness
	Subscription Subscription
}

// DeclarationSummary is a listing row for one declaration.
type DeclarationSummary struct {
	Name        string
	Description string
	Commands    int
}

// Registry holds the ordered command entries of every declaration. It has no
// lock of its own; Runtime serialises access.
type Registry struct {
	order        []string
	commands     map[string][]CommandEntry
	descriptions map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		commands:     map[string][]CommandEntry{},
		descriptions: map[string]string{},
	}
}

// Add appends entry under decl, preserving insertion order.
func (r *Registry) Add(decl string, entry CommandEntry) {
	if _, ok := r.commands[decl]; !ok {
		r.order = append(r.order, decl)
	}
	if entry.Description == "" {
		entry.Description = NoDescription
	}
	r.commands[decl] = append(r.commands[decl], entry)
}

// Remove drops every entry of decl and returns what was removed.
func (r *Registry) Remove(decl string) []CommandEntry {
	removed, ok := r.commands[decl]
	if !ok {
		delete(r.descriptions, decl)
		return nil
	}
	delete(r.commands, decl)
	delete(r.descriptions, decl)
	for i, name := range r.order {
		if name == decl {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return removed
}

// Has reports whether decl has at least one registered command.
func (r *Registry) Has(decl string) bool {
	_, ok := r.commands[decl]
	return ok
}

// Commands returns a copy of decl's entries in registration order.
func (r *Registry) Commands(decl string) []CommandEntry {
	entries := r.commands[decl]
	if len(entries) == 0 {
		return nil
	}
	out := make([]CommandEntry, len(entries))
	copy(out, entries)
	return out
}

// IndexOf returns the position of token within decl, or -1.
func (r *Registry) IndexOf(decl, token string) int {
	for i, entry := range r.commands[decl] {
		if entry.Token == token {
			return i
		}
	}
	return -1
}

// UpdateDescription changes the description of the first entry matching token.
func (r *Registry) UpdateDescription(decl, token, description string) bool {
	i := r.IndexOf(decl, token)
	if i == -1 {
		return false
	}
	if description == "" {
		description = NoDescription
	}
	r.commands[decl][i].Description = description
	return true
}

// SetDescription sets the declaration-level description.
func (r *Registry) SetDescription(decl, description string) {
	r.descriptions[decl] = description
}

// Description returns the declaration description or NoDescription.
func (r *Registry) Description(decl string) string {
	if d, ok := r.descriptions[decl]; ok && d != "" {
		return d
	}
	return NoDescription
}

// Declarations lists declaration names in the order they first registered a command.
func (r *Registry) Declarations() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of declarations with commands.
func (r *Registry) Count() int {
	return len(r.order)
}

// Summaries lists every declaration with its command count.
func (r *Registry) Summaries() []DeclarationSummary {
	out := make([]DeclarationSummary, 0, len(r.order))
	for _, decl := range r.order {
		out = append(out, DeclarationSummary{
			Name:        decl,
			Description: r.Description(decl),
			Commands:    len(r.commands[decl]),
		})
	}
	return out
}

// FormatCommands renders decl's commands one per line, or NoDescription when
// decl has none.
func (r *Registry) FormatCommands(decl string) string {
	entries := r.commands[decl]
	if len(entries) == 0 {
		return NoDescription
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("🌒 `%s`: **%s**", entry.Token, entry.Description))
	}
	return strings.Join(lines, "\n")
}

// FormatTokens renders every declaration with its command tokens on one line.
func (r *Registry) FormatTokens() string {
	var b strings.Builder
	for _, decl := range r.order {
		tokens := make([]string, 0, len(r.commands[decl]))
		for _, entry := range r.commands[decl] {
			tokens = append(tokens, "`"+entry.Token+"`")
		}
		fmt.Fprintf(&b, "🌒 **%s**: (%s)\n", decl, strings.Join(tokens, ", "))
	}
	return b.String()
}
