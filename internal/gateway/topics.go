package gateway

import (
	"sort"

	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/protocol"
)

// subscribeEvents adds topics to the connection. The first topic opens a
// single bus subscription that later topics share.
func (c *client) subscribeEvents(topics []events.Topic, filter events.Filter) {
	c.mu.Lock()
	for _, t := range topics {
		c.topics[t] = filter
	}
	c.mu.Unlock()

	if c.eventsCancel == nil && len(topics) > 0 {
		ch, cancel := c.s.deps.Bus.Subscribe(c.s.cfg.EventBuffer, c.matchEvent)
		c.eventsCancel = cancel
		c.s.pumps.Go(func() { c.forward(ch) })
	}

	_ = c.Send(protocol.NewEventsSubscribed(topics, c.now()))
}

// unsubscribeEvents drops topics, or every topic when none are named.
func (c *client) unsubscribeEvents(topics []events.Topic) {
	c.mu.Lock()
	if len(topics) == 0 {
		topics = make([]events.Topic, 0, len(c.topics))
		for t := range c.topics {
			topics = append(topics, t)
		}
		sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	}
	for _, t := range topics {
		delete(c.topics, t)
	}
	empty := len(c.topics) == 0
	c.mu.Unlock()

	if empty {
		c.cancelEvents()
	}
	_ = c.Send(protocol.NewEventsUnsubscribed(topics, c.now()))
}

// cancelEvents closes the bus subscription. The bus lock is taken inside, so
// c.mu must not be held.
func (c *client) cancelEvents() {
	if c.eventsCancel != nil {
		c.eventsCancel()
		c.eventsCancel = nil
	}
}

// matchEvent runs under the bus read lock. Events scoped to a user reach
// only that user's connections.
func (c *client) matchEvent(e events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	filter, ok := c.topics[e.Topic]
	if !ok {
		return false
	}
	if e.Topic.Scoped() && (c.userID == "" || e.UserID != c.userID) {
		return false
	}
	return filter.Match(e)
}

func (c *client) forward(ch <-chan events.Event) {
	// Runs until the subscription is cancelled, even after a failed send.
	for e := range ch {
		_ = c.Send(protocol.NewEventPush(e, c.now()))
	}
}
