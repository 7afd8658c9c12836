package console

import (
	"strings"

	"github.com/go-faster/errors"
)

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrInvalidPort     = errors.New("invalid port")
	ErrInvalidHex      = errors.New("invalid hex")
)

// Command is one parsed console line: the first word and the raw rest of
// the line.
type Command struct {
	Name string
	Arg  string
}

// ParseLine splits line at the first space. It reports false for lines
// without a command.
func ParseLine(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, false
	}
	name, arg, _ := strings.Cut(line, " ")
	return Command{Name: name, Arg: arg}, true
}

func (c Command) HasArg() bool {
	return strings.TrimSpace(c.Arg) != ""
}

// Node returns the destination of an @<node> command.
func (c Command) Node() (string, bool) {
	if len(c.Name) > 1 && c.Name[0] == '@' {
		return c.Name[1:], true
	}
	return "", false
}

const usage = `@<node> <command>     : send command to <node>
send <command>        : broadcast command to all nodes
port <p>              : set UDP port (default: 12719)
hwcfg <node> [<file>] : send hardware config to node
stats                 : show traffic counters
exit                  : terminate
`
