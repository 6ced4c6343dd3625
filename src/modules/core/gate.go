package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CommandPrefix is prepended to every command verb.
const CommandPrefix = "."

// Capability is the authorization a command requires.
type Capability uint8

const (
	// CapabilityNone lets anyone invoke the command.
	CapabilityNone Capability = iota
	// CapabilityOwner restricts the command to configured owners.
	CapabilityOwner
)

func (c Capability) String() string {
	if c == CapabilityOwner {
		return "owner"
	}
	return "none"
}

// Strictness selects how the command token is matched.
type Strictness uint8

const (
	// MatchPrefix anchors the token as a regular expression at the start of
	// the text, so ".echo" also matches ".echotest".
	MatchPrefix Strictness = iota
	// MatchExact requires the first whitespace-delimited token to equal the
	// command token.
	MatchExact
)

func (s Strictness) String() string {
	if s == MatchExact {
		return "exact"
	}
	return "prefix"
}

// Decision is the outcome of a gate check. Anything but Allow is consumed by
// logging only.
type Decision uint8

const (
	Allow Decision = iota
	DenyNoIdentity
	DenyNotOwner
	DenyInactive
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyNoIdentity:
		return "no identity"
	case DenyNotOwner:
		return "not owner"
	case DenyInactive:
		return "module inactive"
	default:
		return "unknown"
	}
}

// Owners is the immutable set of identities allowed to run owner commands.
type Owners struct {
	ids map[string]struct{}
}

// NewOwners builds an owner set, ignoring blank ids.
func NewOwners(ids ...string) Owners {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return Owners{ids: set}
}

// Contains reports whether id is an owner.
func (o Owners) Contains(id string) bool {
	_, ok := o.ids[id]
	return ok
}

// IDs returns the owner ids sorted.
func (o Owners) IDs() []string {
	out := make([]string, 0, len(o.ids))
	for id := range o.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of owners.
func (o Owners) Len() int { return len(o.ids) }

// Identity resolves who sent ev, preferring the explicit sender.
func Identity(ev Event) string {
	if id := ev.SenderID(); id != "" {
		return id
	}
	return ev.OriginID()
}

// Gate decides whether a handler requiring capability may run for ev.
func Gate(ev Event, capability Capability, owners Owners) Decision {
	if capability != CapabilityOwner {
		return Allow
	}
	id := Identity(ev)
	if id == "" {
		return DenyNoIdentity
	}
	if !owners.Contains(id) {
		return DenyNotOwner
	}
	return Allow
}

var verbPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Token returns the command token for verb.
func Token(verb string) string {
	return CommandPrefix + verb
}

// NewMatcher builds the predicate for verb under the given strictness.
func NewMatcher(verb string, strictness Strictness) (Predicate, error) {
	if !verbPattern.MatchString(verb) {
		return nil, fmt.Errorf("%w: command verb %q", ErrInvalidDeclaration, verb)
	}
	token := Token(verb)
	if strictness == MatchExact {
		return func(ev Event) bool {
			return CommandOf(ev.Text()) == token
		}, nil
	}
	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeclaration, err)
	}
	return func(ev Event) bool {
		text := ev.Text()
		return text != "" && pattern.MatchString(text)
	}, nil
}
