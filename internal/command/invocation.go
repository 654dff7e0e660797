package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ArgKind distinguishes how an argument is checked before execution.
type ArgKind int

const (
	KindFlag ArgKind = iota
	KindPath
	KindValue
)

// Arg is one typed element of a tool's argv.
type Arg struct {
	Kind  ArgKind
	Value string
}

// Flag is a dash-prefixed option such as "-m" or "--save_tensor".
func Flag(name string) Arg { return Arg{Kind: KindFlag, Value: name} }

// Path is a filesystem location consumed or produced by the tool.
func Path(p string) Arg { return Arg{Kind: KindPath, Value: p} }

// Value is a literal operand.
func Value(v string) Arg { return Arg{Kind: KindValue, Value: v} }

// Int is an integer operand.
func Int(n int) Arg { return Arg{Kind: KindValue, Value: strconv.Itoa(n)} }

// Float is a floating point operand formatted without trailing zeros.
func Float(f float64) Arg {
	return Arg{Kind: KindValue, Value: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Invocation describes a single external tool run. Arguments are passed to
// the process verbatim; no shell is involved.
type Invocation struct {
	Tool string
	Args []Arg
	Dir  string
}

// New builds an invocation for tool with args.
func New(tool string, args ...Arg) Invocation {
	return Invocation{Tool: tool, Args: args}
}

// In sets the working directory.
func (inv Invocation) In(dir string) Invocation {
	inv.Dir = dir
	return inv
}

// Argv returns the string form of the arguments.
func (inv Invocation) Argv() []string {
	out := make([]string, len(inv.Args))
	for i, arg := range inv.Args {
		out[i] = arg.Value
	}
	return out
}

// String renders the invocation for trace lines. Arguments containing
// whitespace are quoted.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, inv.Tool)
	for _, arg := range inv.Args {
		if arg.Value == "" || strings.ContainsAny(arg.Value, " \t\n\"'") {
			parts = append(parts, strconv.Quote(arg.Value))
			continue
		}
		parts = append(parts, arg.Value)
	}
	return strings.Join(parts, " ")
}

// Validate rejects descriptors that could not be executed as intended.
func (inv Invocation) Validate() error {
	tool := strings.TrimSpace(inv.Tool)
	if tool == "" {
		return errors.New("tool name is empty")
	}
	if tool != inv.Tool || strings.ContainsAny(tool, " \t\n") {
		return fmt.Errorf("tool name %q contains whitespace", inv.Tool)
	}
	for i, arg := range inv.Args {
		if strings.ContainsRune(arg.Value, 0) {
			return fmt.Errorf("argument %d contains a NUL byte", i)
		}
		switch arg.Kind {
		case KindFlag:
			if !strings.HasPrefix(arg.Value, "-") || len(arg.Value) < 2 {
				return fmt.Errorf("argument %d: flag %q must start with '-'", i, arg.Value)
			}
		case KindPath:
			if strings.TrimSpace(arg.Value) == "" {
				return fmt.Errorf("argument %d: empty path", i)
			}
			if strings.HasPrefix(arg.Value, "-") {
				return fmt.Errorf("argument %d: path %q would be read as a flag", i, arg.Value)
			}
		case KindValue:
		default:
			return fmt.Errorf("argument %d: unknown kind %d", i, arg.Kind)
		}
	}
	return nil
}
