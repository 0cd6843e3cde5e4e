package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/luma/respmux/protocol"
)

// Flags alter how a command is routed and completed.
type Flags uint32

const (
	// FireAndForget completes the caller as soon as the command is written. The
	// reply is read and discarded.
	FireAndForget Flags = 1 << iota

	// DemandPrimary only routes to a primary.
	DemandPrimary

	// PreferReplica routes to a replica when one is connected, else the primary.
	PreferReplica

	// DemandReplica only routes to a replica.
	DemandReplica

	// NoRedirect surfaces MOVED and ASK replies instead of following them.
	NoRedirect

	// Internal marks commands the library issues itself, such as heartbeats.
	Internal

	// PreferPrimary is the default routing preference.
	PreferPrimary Flags = 0

	roleMask = DemandPrimary | PreferReplica | DemandReplica
)

func (f Flags) Has(flag Flags) bool {
	return f&flag == flag && flag != 0
}

// Role returns only the routing preference bits.
func (f Flags) Role() Flags {
	return f & roleMask
}

// WithRole replaces the routing preference bits.
func (f Flags) WithRole(role Flags) Flags {
	return f&^roleMask | role&roleMask
}

func (f Flags) String() string {
	var parts []string

	names := []struct {
		flag Flags
		name string
	}{
		{FireAndForget, "FireAndForget"},
		{DemandPrimary, "DemandPrimary"},
		{PreferReplica, "PreferReplica"},
		{DemandReplica, "DemandReplica"},
		{NoRedirect, "NoRedirect"},
		{Internal, "Internal"},
	}

	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}

	if len(parts) == 0 {
		return "PreferPrimary"
	}

	return strings.Join(parts, "|")
}

// DefaultDB targets whatever database the connection is using.
const DefaultDB = -1

// Command is one request. It must not be modified once submitted; use the With
// methods to derive a changed copy.
type Command struct {
	Name string
	DB   int
	Args [][]byte

	Flags Flags

	// KeyIndex is the index into Args of the key used for routing, or -1.
	KeyIndex int

	Processor Processor
}

// New builds a command, converting each argument to its wire form. Arguments
// may be []byte, string, integers, floats, bools or fmt.Stringer.
//
// The first argument is taken as the routing key unless WithKey says otherwise.
func New(name string, args ...interface{}) *Command {
	c := &Command{
		Name:      strings.ToUpper(name),
		DB:        DefaultDB,
		Args:      make([][]byte, len(args)),
		KeyIndex:  -1,
		Processor: Raw,
	}

	for i, arg := range args {
		c.Args[i] = ToArg(arg)
	}

	if len(args) > 0 {
		c.KeyIndex = 0
	}

	return c
}

// Keyless builds a command that routes to any node.
func Keyless(name string, args ...interface{}) *Command {
	c := New(name, args...)
	c.KeyIndex = -1
	return c
}

// ToArg converts a value to a binary safe argument.
func ToArg(arg interface{}) []byte {
	switch v := arg.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10)
	case uint64:
		return strconv.AppendUint(nil, v, 10)
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64)
	case bool:
		if v {
			return []byte("1")
		}
		return []byte("0")
	case nil:
		return []byte{}
	case fmt.Stringer:
		return []byte(v.String())
	}

	return []byte(fmt.Sprint(arg))
}

func (c *Command) clone() *Command {
	cp := *c
	return &cp
}

func (c *Command) WithFlags(flags Flags) *Command {
	cp := c.clone()
	cp.Flags = flags
	return cp
}

func (c *Command) WithDB(db int) *Command {
	cp := c.clone()
	cp.DB = db
	return cp
}

// WithKey marks Args[i] as the routing key. -1 makes the command keyless.
func (c *Command) WithKey(i int) *Command {
	cp := c.clone()
	cp.KeyIndex = i
	return cp
}

func (c *Command) WithProcessor(p Processor) *Command {
	cp := c.clone()
	cp.Processor = p
	return cp
}

// Key returns the routing key, or nil when the command is keyless.
func (c *Command) Key() []byte {
	if c.KeyIndex < 0 || c.KeyIndex >= len(c.Args) {
		return nil
	}

	return c.Args[c.KeyIndex]
}

// AppendTo appends the wire encoding of the command to dst.
func (c *Command) AppendTo(dst []byte) []byte {
	args := make([][]byte, 0, len(c.Args)+1)
	args = append(args, []byte(c.Name))
	args = append(args, c.Args...)

	return protocol.AppendCommand(dst, args...)
}

// Process turns a reply into the command's result. Error frames always become
// a *ServerError, anything else is handed to the command's Processor.
func (c *Command) Process(f protocol.Frame) (interface{}, error) {
	if f.IsError() {
		return nil, ParseServerError(f)
	}

	p := c.Processor
	if p == nil {
		p = Raw
	}

	return p.Process(f, c)
}

func (c *Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)

	for _, a := range c.Args {
		if len(a) > 32 {
			parts = append(parts, strconv.Quote(string(a[:32]))+"...")
			continue
		}
		parts = append(parts, strconv.Quote(string(a)))
	}

	return strings.Join(parts, " ")
}
