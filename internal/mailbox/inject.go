package mailbox

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FormatDigest formats messages into a plain-text block grouped by type,
// suitable for pasting into an agent's context. Returns an empty string if
// there are no messages.
func FormatDigest(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	groups := make(map[MessageType][]Message)
	var typeOrder []MessageType
	for _, msg := range messages {
		if _, exists := groups[msg.Type]; !exists {
			typeOrder = append(typeOrder, msg.Type)
		}
		groups[msg.Type] = append(groups[msg.Type], msg)
	}

	var b strings.Builder
	b.WriteString("<switchboard-messages>\n")

	for i, mt := range typeOrder {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", mt)
		for _, msg := range groups[mt] {
			fmt.Fprintf(&b, "  From: %s (%s)\n", msg.From, msg.Timestamp.UTC().Format(time.RFC3339))
			fmt.Fprintf(&b, "  %s\n", sanitize(msg.Content))
			if len(msg.Metadata) > 0 {
				fmt.Fprintf(&b, "  Metadata: %s\n", formatMetadata(msg.Metadata))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("</switchboard-messages>")
	return b.String()
}

// FilterOptions controls which messages Filter keeps.
type FilterOptions struct {
	Types       []MessageType // Only include these types (empty = all)
	Since       time.Time     // Only messages after this time (zero = all)
	From        string        // Only messages from this sender (empty = all)
	MaxMessages int           // Keep at most this many, newest last (0 = unlimited)
}

// Filter applies opts to messages in order: type, since, from, then max
// messages (keeping the most recent).
func Filter(messages []Message, opts FilterOptions) []Message {
	var result []Message

	typeSet := make(map[MessageType]bool, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = true
	}

	for _, msg := range messages {
		if len(typeSet) > 0 && !typeSet[msg.Type] {
			continue
		}
		if !opts.Since.IsZero() && !msg.Timestamp.After(opts.Since) {
			continue
		}
		if opts.From != "" && msg.From != opts.From {
			continue
		}
		result = append(result, msg)
	}

	if opts.MaxMessages > 0 && len(result) > opts.MaxMessages {
		result = result[len(result)-opts.MaxMessages:]
	}
	return result
}

// formatMetadata formats a metadata map as a compact key=value string with
// sorted keys.
func formatMetadata(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+sanitize(m[k]))
	}
	return strings.Join(parts, ", ")
}
