// Package tabsync broadcasts state deltas between views on the same device.
// It is the in-process counterpart of the peer transport: no network, no
// envelope, just fan-out of partial state to every subscribed tab.
package tabsync

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bedudley/swatch-it/internal/game"
)

// Channel is a same-device pub/sub bus for state deltas.
type Channel struct {
	mu     sync.Mutex
	subs   map[int]func(game.StateDelta)
	nextID int
	closed bool
}

// NewChannel creates an empty bus.
func NewChannel() *Channel {
	return &Channel{subs: make(map[int]func(game.StateDelta))}
}

// Broadcast delivers a delta to every subscriber. A panicking listener is
// logged and skipped; it cannot take down the sender.
func (c *Channel) Broadcast(d game.StateDelta) {
	c.mu.Lock()
	listeners := make([]func(game.StateDelta), 0, len(c.subs))
	if !c.closed {
		for _, fn := range c.subs {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Any("panic", r).Msg("tab sync listener panicked")
				}
			}()
			fn(d)
		}()
	}
}

// Subscribe registers a listener and returns its unsubscribe func.
func (c *Channel) Subscribe(fn func(game.StateDelta)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Close drops all subscribers. Further broadcasts are no-ops.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.subs = map[int]func(game.StateDelta){}
}
