package sink

import "strings"

// Pseudo commands that a Script can target besides real verbs.
const (
	// Greeting is the banner sent when a client connects.
	Greeting = "GREETING"

	// EndOfData is the reply after the terminating dot of DATA.
	EndOfData = "."
)

// Script overrides the sink's default behaviour.
type Script struct {
	// Replies maps an upper-case verb (or Greeting, EndOfData) to the reply
	// lines sent instead of the normal handling. Multi-line replies must
	// carry their own "250-" style continuation markers.
	Replies map[string][]string

	// Hang names the verb (or Greeting, EndOfData) at which the sink stops
	// answering and only drains input until the client goes away.
	Hang string

	// Capabilities are extra EHLO keywords advertised after the built-in ones.
	Capabilities []string
}

// Reply builds a Script that answers verb with the given lines.
func Reply(verb string, lines ...string) Script {
	return Script{Replies: map[string][]string{strings.ToUpper(verb): lines}}
}

func (s Script) reply(verb string) ([]string, bool) {
	lines, ok := s.Replies[verb]
	return lines, ok
}

func (s Script) hangs(verb string) bool {
	return s.Hang != "" && strings.EqualFold(s.Hang, verb)
}
