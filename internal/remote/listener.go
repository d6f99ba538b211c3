package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Update is one delivery from a room subscription. On a transport failure
// Games is empty and Err wraps ErrRemoteUnavailable.
type Update struct {
	Room  string
	Games []*game.Record
	Err   error
}

// resubscribeDelay is the pause after a transport error before the next receive.
const resubscribeDelay = 500 * time.Millisecond

// Listener holds at most one live subscription. Subscribing again replaces it.
type Listener struct {
	c *Client

	// startMu serializes start so a subscription is never orphaned
	startMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	pubsub *redis.PubSub
}

func (c *Client) NewListener() *Listener {
	l := &Listener{c: c}
	c.register(l)
	return l
}

// Close unsubscribes and detaches the listener from the client.
func (l *Listener) Close() {
	l.Unsubscribe()
	l.c.unregister(l)
}

// Subscribe delivers the room's full game list now and after every change.
// The previous subscription, if any, is torn down first.
func (l *Listener) Subscribe(ctx context.Context, room string, fn func(Update)) error {
	room = l.c.room(room)
	return l.start(ctx, room, func(ctx context.Context, gen uint64) {
		list, err := l.c.materialize(ctx, room)
		if err != nil {
			l.deliver(gen, func() { fn(Update{Room: room, Games: []*game.Record{}, Err: err}) })
			return
		}
		l.deliver(gen, func() { fn(Update{Room: room, Games: list}) })
	}, func(gen uint64, err error) {
		l.deliver(gen, func() { fn(Update{Room: room, Games: []*game.Record{}, Err: err}) })
	})
}

// SubscribeGame delivers one record now and after every change in its room.
// fn gets nil when the record does not exist remotely.
func (l *Listener) SubscribeGame(ctx context.Context, room, remoteID string, fn func(*game.Record, error)) error {
	room = l.c.room(room)
	if remoteID == "" {
		return fmt.Errorf("remote id required")
	}
	return l.start(ctx, room, func(ctx context.Context, gen uint64) {
		rec, err := l.c.fetchGame(ctx, room, remoteID)
		l.deliver(gen, func() { fn(rec, err) })
	}, func(gen uint64, err error) {
		l.deliver(gen, func() { fn(nil, err) })
	})
}

// Unsubscribe stops the active subscription. No-op if none is active.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	cancel, ps := l.cancel, l.pubsub
	l.cancel, l.pubsub = nil, nil
	l.gen++
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ps != nil {
		_ = ps.Close()
	}
}

// Active reports whether a subscription is running.
func (l *Listener) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Listener) start(ctx context.Context, room string, refresh func(context.Context, uint64), fail func(uint64, error)) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	l.Unsubscribe()
	l.mu.Lock()
	base := l.gen
	l.mu.Unlock()
	if err := l.c.guard(); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps := l.c.rdb.Subscribe(subCtx, channelGames(room))
	// wait for the subscription ack so no change slips between it and the first fetch
	if _, err := ps.Receive(subCtx); err != nil {
		cancel()
		_ = ps.Close()
		return fmt.Errorf("%w: subscribe: %w", ErrRemoteUnavailable, err)
	}

	l.mu.Lock()
	if l.gen != base {
		// Unsubscribe ran while we were subscribing, e.g. GoOffline
		l.mu.Unlock()
		cancel()
		_ = ps.Close()
		return fmt.Errorf("%w: subscription cancelled while starting", ErrRemoteUnavailable)
	}
	l.gen++
	gen := l.gen
	l.cancel, l.pubsub = cancel, ps
	l.mu.Unlock()

	l.c.logger.Debug("remote_subscribed", zap.String("room", room))
	go l.run(subCtx, gen, ps, refresh, fail)
	return nil
}

func (l *Listener) run(ctx context.Context, gen uint64, ps *redis.PubSub, refresh func(context.Context, uint64), fail func(uint64, error)) {
	refresh(ctx, gen)
	failed := false
	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if !failed {
				l.c.logger.Warn("remote_subscription_error", zap.Error(err))
			}
			failed = true
			fail(gen, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err))
			select {
			case <-ctx.Done():
				return
			case <-l.c.clock.After(resubscribeDelay):
			}
			continue
		}
		switch msg.(type) {
		case *redis.Message:
			refresh(ctx, gen)
		case *redis.Subscription:
			// resubscribed after a reconnect
			if failed {
				refresh(ctx, gen)
			}
		default:
			continue
		}
		failed = false
	}
}

// deliver runs fn only while gen is still the live subscription.
func (l *Listener) deliver(gen uint64, fn func()) {
	l.mu.Lock()
	live := l.gen == gen && l.cancel != nil
	l.mu.Unlock()
	if live {
		fn()
	}
}
