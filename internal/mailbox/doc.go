// Package mailbox is the messaging substrate agents use to talk to each
// other: point-to-point sends and broadcasts that are rate limited,
// authenticated and logged.
//
// # Pipeline
//
// [Substrate.Send] validates the sender and recipient ids, consults the
// per-sender [RateLimiter], builds and signs a [Message] with [Signer],
// resolves the recipient through a [Directory], hands a rendered copy to a
// [Transport], and appends the outcome to a [DeliveryLog]. The substrate
// never retries; the ack package layers retries and escalation on top.
//
// [Substrate.Broadcast] signs one message and fans it out to every known
// agent in parallel, returning a [BroadcastResult] with one entry per
// recipient so partial delivery is always visible.
//
// # Authentication
//
// Messages carry an HMAC-SHA256 tag over sender, recipient, type, content
// and timestamp. [Substrate.Accept] verifies it on the receiving side with
// a constant-time comparison. Unsigned messages are rejected unless the
// signer was created with allowUnsigned.
//
// # Transports
//
// [Render] turns a message into a single inert line for transports that
// type into an interactive session (see the tmux package). [FileTransport]
// instead appends the structured message to a per-agent JSONL inbox,
// which [FileTransport.Watch] follows with fsnotify:
//
//	.switchboard/inbox/
//	    agent-a.jsonl
//	    agent-b.jsonl
//
// # Thread Safety
//
// [Substrate], [RateLimiter], [DeliveryLog] and [FileTransport] are safe for
// concurrent use. Log and inbox lines are written with O_APPEND so writers
// in separate processes do not interleave.
package mailbox
