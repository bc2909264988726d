package rpc

import (
	"fmt"
)

// Command is a named, versioned, bidirectional message type: a fixed ordered
// list of typed arguments, a fixed ordered list of typed response fields,
// and a closed set of declared error codes.
type Command struct {
	Name string

	// Since is the minimum protocol version that carries this command.
	// Older racks never see it offered.
	Since int

	Arguments []Field
	Response  []Field

	// Errors is the closed set of wire error codes this command may
	// legitimately fail with. Anything else from a peer is a protocol
	// violation.
	Errors []string
}

// Declares reports whether code belongs to the command's declared error set.
func (c *Command) Declares(code string) bool {
	if code == codeUnhandled {
		return true
	}
	for _, e := range c.Errors {
		if e == code {
			return true
		}
	}
	return false
}

// Registry holds the command schemas both peers agree on. Unknown commands
// are rejected at dispatch time.
type Registry struct {
	commands map[string]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds a command schema. Duplicate names are a programming error.
func (r *Registry) Register(cmd *Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("command has no name")
	}
	if _, dup := r.commands[cmd.Name]; dup {
		return fmt.Errorf("command %q already registered", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// MustRegister is Register for static command tables.
func (r *Registry) MustRegister(cmds ...*Command) *Registry {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the schema for name, or nil when unknown.
func (r *Registry) Lookup(name string) *Command {
	return r.commands[name]
}

// SupportedBy returns the names of every command available at the given
// protocol version.
func (r *Registry) SupportedBy(version int) []string {
	var names []string
	for name, cmd := range r.commands {
		if cmd.Since <= version {
			names = append(names, name)
		}
	}
	return names
}
