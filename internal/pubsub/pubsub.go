/**
 * @description
 * This package provides the ephemeral publish/subscribe capability and the
 * correlation channel built on top of it. Pub/sub here is strictly a
 * one-shot rendezvous between an outbound request and its asynchronous
 * response; it is never used as a durable log. Durable state lives in the
 * key-value store, which is a separate capability even when both are backed
 * by the same Redis server.
 */

package pubsub

import "context"

// Handler receives one published payload. Implementations of PubSub invoke
// it once per delivered message, on an unspecified goroutine.
type Handler func(payload []byte)

// PubSub is the transport contract for correlation channels.
//
// Implementations must honour the deferred-mailbox rule: a publish that no
// subscriber observes is buffered (one slot per channel, bounded lifetime)
// and delivered to the next subscriber on that channel, so a response that
// races ahead of its awaiting workflow is held rather than dropped.
type PubSub interface {
	// Subscribe attaches a handler and returns a subscription id. When
	// Subscribe returns, the subscription is live: any subsequent publish
	// on the channel will reach the handler.
	Subscribe(ctx context.Context, channel string, h Handler) (int, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Unsubscribe(ctx context.Context, channel string, id int) error
}
