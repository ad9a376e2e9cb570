package interfaces

import "campuschat/pkg/types"

// Sink is the outbound mailbox of one live connection.
// ARCHITECTURAL DISCOVERY: components push events into mailboxes and never
// touch the transport, so the core is testable without a socket
type Sink interface {
	// ID returns the connection ID the mailbox belongs to
	ID() string

	// Enqueue queues an event without blocking; it fails when the mailbox
	// is full or the connection is closed
	Enqueue(event types.Event) error
}
