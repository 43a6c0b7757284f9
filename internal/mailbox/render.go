package mailbox

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Render formats msg as a single line of inert text for transports that
// type into an interactive session. The line starts with a shell comment
// marker, holds no control characters, and carries the content as a Go
// quoted string, so a receiving shell or REPL treats it as data.
func Render(msg Message) string {
	var b strings.Builder
	b.WriteString("# [switchboard] ")
	b.WriteString(string(msg.Type))
	if msg.IsEscalation() {
		b.WriteString(" ESCALATION")
	}
	fmt.Fprintf(&b, " from=%s id=%s", sanitize(msg.From), sanitize(msg.ID))
	if id := msg.Metadata[MetaVoteID]; id != "" {
		fmt.Fprintf(&b, " vote=%s", sanitize(id))
	}
	b.WriteString(": ")
	b.WriteString(strconv.Quote(sanitize(msg.Content)))
	return b.String()
}

// sanitize replaces line breaks and tabs with spaces and drops every other
// control or format character, including escape sequences.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		}
		return r
	}, s)
}
