/**
 * @description
 * Redis-backed PubSub. The deferred mailbox uses the receiver count that
 * Redis PUBLISH returns: a publish nobody received is parked under a
 * short-lived mailbox key, and Subscribe drains that key (GETDEL) right
 * after the subscription is confirmed, closing the publish-before-subscribe
 * race without ever delivering the same buffered payload twice.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The Redis client library.
 */

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultMailboxTTL = 30 * time.Second

// RedisPubSub implements PubSub on a Redis server or cluster.
type RedisPubSub struct {
	client     redis.UniversalClient
	mailboxTTL time.Duration

	mu     sync.Mutex
	subs   map[string]map[int]*redisSubscription
	nextID int
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// NewRedisPubSub creates a pub/sub transport around an existing client.
func NewRedisPubSub(client redis.UniversalClient) *RedisPubSub {
	return &RedisPubSub{
		client:     client,
		mailboxTTL: defaultMailboxTTL,
		subs:       make(map[string]map[int]*redisSubscription),
	}
}

func mailboxKey(channel string) string {
	return "mailbox:" + channel
}

// Subscribe attaches a handler to the channel. The subscription is
// confirmed with the server before the mailbox is drained, so no publish
// can fall between the drain and the attach.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, h Handler) (int, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return 0, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	if r.subs[channel] == nil {
		r.subs[channel] = make(map[int]*redisSubscription)
	}
	r.subs[channel][id] = sub
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	// Drain a payload parked before this subscriber attached.
	buffered, err := r.client.GetDel(ctx, mailboxKey(channel)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("level=warn component=pubsub msg=\"mailbox drain failed\" channel=%s err=%v", channel, err)
	} else if err == nil {
		h(buffered)
	}

	return id, nil
}

// Publish delivers the payload to current subscribers, or parks it in the
// channel's mailbox when nobody is listening yet.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	receivers, err := r.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	if receivers == 0 {
		if err := r.client.Set(ctx, mailboxKey(channel), payload, r.mailboxTTL).Err(); err != nil {
			return fmt.Errorf("park %s: %w", channel, err)
		}
	}
	return nil
}

// Unsubscribe tears down one subscription. Safe to call after the
// subscription has already been closed.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string, id int) error {
	r.mu.Lock()
	sub, ok := r.subs[channel][id]
	if ok {
		delete(r.subs[channel], id)
		if len(r.subs[channel]) == 0 {
			delete(r.subs, channel)
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.ps.Close(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	<-sub.done
	return nil
}
