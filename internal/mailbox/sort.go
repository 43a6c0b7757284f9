package mailbox

import "sort"

// sortMessages sorts messages chronologically by timestamp, keeping
// delivery order for equal timestamps.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
