// Package ack tracks messages that need confirmation from their recipient.
//
// SendWithAck sends through the messaging substrate and persists a
// PendingAck. The caller never blocks: a scheduler calls ProcessRetries,
// which resends overdue messages with exponential backoff
// (timeout, 2x, 4x, ...) and, once the retry limit is reached, broadcasts
// the message to every other agent tagged as an escalation.
//
// PendingAcks live in a shared directory so any agent process can record
// an acknowledgment:
//
//	<dir>/<hash>.json   pending record, replaced atomically
//	<dir>/<hash>.acked  acknowledgment marker, created exclusively
//
// A PendingAck moves through pending, retrying, escalated and
// acknowledged; see ValidTransitions.
package ack
