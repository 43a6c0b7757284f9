// Package event provides a synchronous publish/subscribe bus for
// coordination events.
//
// Components publish events as side effects of their operations (a lock
// changing hands, a message escalating, a vote closing) so that observers
// such as the CLI's verbose mode or tests can react without the components
// depending on each other.
//
// Event types follow a "category.action" convention:
//
//   - lock.acquired, lock.released, lock.reclaimed, lock.conflict
//   - message.sent, message.rejected, message.broadcast
//   - ack.received, ack.retried, ack.escalated
//   - vote.opened, vote.cast, vote.closed
//
// Example:
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeLockReclaimed, func(e event.Event) {
//	    le := e.(event.LockEvent)
//	    fmt.Printf("reclaimed %s from %s\n", le.Target, le.Holder)
//	})
//
// Handlers run synchronously on the publisher's goroutine. A panicking
// handler is recovered and logged; remaining handlers still run.
package event
