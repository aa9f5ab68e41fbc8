// Package protocol defines the lockstep command language: the three wire
// verbs, their textual replies and the per-session state machine.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Verb is a wire command verb. Verbs are case-sensitive.
type Verb string

const (
	VerbGet   Verb = "GET"
	VerbPut   Verb = "PUT"
	VerbClose Verb = "CLOSE"
)

// Replies sent by the server.
const (
	ReplyFound         = "FOUND"
	ReplyBye           = "BYE"
	ReplyInvalidFormat = "Invalid Command Format."
	ReplyServerError   = "Server Error"
	ReplyServerBusy    = "Server Busy"
)

var (
	// ErrEmpty indicates a command line with no tokens.
	ErrEmpty = errors.New("empty command")
	// ErrUnknownVerb indicates a verb other than GET, PUT or CLOSE.
	ErrUnknownVerb = errors.New("unknown verb")
	// ErrArgCount indicates the wrong number of arguments for the verb.
	ErrArgCount = errors.New("wrong argument count")
)

// Command is one parsed command line.
type Command struct {
	Verb Verb
	// Arg is the file name for GET and PUT and empty for CLOSE.
	Arg string
}

// ParseCommand tokenizes line on whitespace and validates it.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmpty
	}

	verb := Verb(fields[0])
	args := fields[1:]
	switch verb {
	case VerbClose:
		if len(args) != 0 {
			return Command{}, fmt.Errorf("%w: %s takes no argument", ErrArgCount, verb)
		}
		return Command{Verb: verb}, nil
	case VerbGet, VerbPut:
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%w: %s takes exactly one file name", ErrArgCount, verb)
		}
		return Command{Verb: verb, Arg: args[0]}, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownVerb, fields[0])
	}
}

// IsCommand reports whether p is a well-formed command line.
func IsCommand(p []byte) bool {
	_, err := ParseCommand(string(p))
	return err == nil
}

// NewCommand builds a command. A file name containing whitespace would not
// survive tokenization and is rejected with ErrArgCount.
func NewCommand(verb Verb, arg string) (Command, error) {
	cmd := Command{Verb: verb, Arg: arg}
	if _, err := ParseCommand(cmd.String()); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// String renders the command as it appears on the wire.
func (c Command) String() string {
	if c.Arg == "" {
		return string(c.Verb)
	}
	return string(c.Verb) + " " + c.Arg
}

// Greeting is the text the server sends once a connection is accepted.
func Greeting(remoteAddr string) string {
	return fmt.Sprintf("Greetings %s.", remoteAddr)
}

// NotFound is the GET reply for a missing file.
func NotFound(name string) string {
	return fmt.Sprintf("File %s Not Found", name)
}
