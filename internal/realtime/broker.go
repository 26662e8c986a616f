// Package realtime fans notifications out to connected users over redis
// pub/sub and streams them to browsers as server-sent events.
package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Subscription is a live feed of one user's notifications.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Broker publishes to and subscribes on per-user redis channels.
type Broker struct {
	rdb *redis.Client
}

func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Connect dials redis and checks the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func channel(userID uuid.UUID) string { return "notifications:" + userID.String() }

func (b *Broker) Publish(ctx context.Context, userID uuid.UUID, payload []byte) error {
	return b.rdb.Publish(ctx, channel(userID), payload).Err()
}

// Subscribe returns once the subscription is confirmed by redis.
func (b *Broker) Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	s := &redisSubscription{ps: ps, out: make(chan []byte, 16), done: make(chan struct{})}
	go s.forward()
	return s, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
