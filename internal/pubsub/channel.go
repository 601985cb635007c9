/**
 * @description
 * The correlation channel: a request/response rendezvous keyed by a
 * business correlation id. A workflow listens first, then issues the
 * outbound request whose asynchronous result will be published on the same
 * channel name, and finally waits with a bounded timeout. The subscription
 * is released on every exit path.
 */

package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitTimeout is returned when no message is published on a correlation
// channel before the configured timeout elapses.
var ErrWaitTimeout = errors.New("pubsub: timed out waiting for response")

// Channel issues correlation waits over a PubSub transport.
type Channel struct {
	ps PubSub
}

func NewChannel(ps PubSub) *Channel {
	return &Channel{ps: ps}
}

// Pending is one live correlation wait. It must be closed exactly once;
// Wait and WaitWindow close it themselves.
type Pending struct {
	ps      PubSub
	channel string
	subID   int

	msgs chan []byte

	closeOnce sync.Once
	closeErr  error
}

// Listen subscribes to the channel and returns the pending wait. Callers
// must call Listen before issuing the outbound request that triggers the
// response; a response published before anyone listens is only survivable
// through the transport's mailbox, and that buffer is bounded in time.
func (c *Channel) Listen(ctx context.Context, channel string) (*Pending, error) {
	p := &Pending{
		ps:      c.ps,
		channel: channel,
		msgs:    make(chan []byte, 16),
	}
	id, err := c.ps.Subscribe(ctx, channel, func(payload []byte) {
		select {
		case p.msgs <- payload:
		default:
			// Buffer full: the wait has all the messages it can use.
		}
	})
	if err != nil {
		return nil, err
	}
	p.subID = id
	return p, nil
}

// Wait returns the first message published on the channel, resolving
// exactly once. On timeout it returns ErrWaitTimeout. The subscription is
// released before Wait returns, on every path.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	defer p.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-p.msgs:
		return msg, nil
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitWindow collects every message published during the window, in arrival
// order. It is used when several simultaneous resolution responses are
// acceptable. Zero messages inside the window is a timeout.
func (p *Pending) WaitWindow(ctx context.Context, window time.Duration) ([][]byte, error) {
	defer p.Close()

	timer := time.NewTimer(window)
	defer timer.Stop()

	var collected [][]byte
	for {
		select {
		case msg := <-p.msgs:
			collected = append(collected, msg)
		case <-timer.C:
			if len(collected) == 0 {
				return nil, ErrWaitTimeout
			}
			return collected, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the subscription. Idempotent.
func (p *Pending) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.ps.Unsubscribe(context.Background(), p.channel, p.subID)
	})
	return p.closeErr
}
