// Package transport defines the publish/subscribe abstraction the
// Sheriff and deputies communicate over. It is deliberately opaque about
// delivery: spec.md §1 treats the transport as an external collaborator,
// so this package only fixes the shape every implementation must offer.
package transport

import "github.com/ashuang/procman/internal/protocol"

// Bus is a typed publish/subscribe channel multiplexer. A single Bus
// instance carries all four procman channels (PM_INFO, PM_ORDERS,
// PM_DISCOVER, PM_OUTPUT); Subscribe filters by channel name.
type Bus interface {
	// Publish sends msg on the given channel. Publish never blocks
	// indefinitely: slow or absent subscribers must not stall the
	// publisher (the Sheriff's 1Hz broadcaster and the deputy's
	// heartbeat both depend on this).
	Publish(channel string, msg *protocol.Message) error

	// Subscribe returns a channel of messages published on the given
	// transport channel from the moment of the call onward. Closing the
	// returned unsubscribe function stops delivery and releases the
	// receive channel.
	Subscribe(channel string) (msgs <-chan *protocol.Message, unsubscribe func())

	// Close releases all resources held by the bus.
	Close() error
}
