package main

import (
	"github.com/cskr/pubsub"
	"github.com/davecgh/go-spew/spew"

	"github.com/redpine-sec/citadel/server/env"
)

// event topics
const (
	EventTargetCreated     = "target_created"
	EventTargetRenamed     = "target_renamed"
	EventSessionCreated    = "session_created"
	EventSessionCheckIn    = "session_checkin"
	EventActionQueued      = "action_queued"
	EventActionComplete    = "action_complete"
	EventActionCancelled   = "action_cancelled"
	EventGroupActionQueued = "group_action_queued"
)

type event struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// eventBus fans events out to websocket subscribers. Delivery is
// fire-and-forget: a slow or absent subscriber never blocks or fails the
// state change that produced the event.
type eventBus struct {
	ps *pubsub.PubSub
}

func newEventBus() *eventBus {
	return &eventBus{
		ps: pubsub.New(10),
	}
}

// Emit publishes without blocking. Subscribers that cannot keep up miss
// events.
func (b *eventBus) Emit(topic string, payload interface{}) {
	if env.Debug {
		spew.Dump(topic, payload)
	}
	b.ps.TryPub(event{Topic: topic, Payload: payload}, topic)
}

func (b *eventBus) Sub(topics ...string) chan interface{} {
	return b.ps.Sub(topics...)
}

func (b *eventBus) Unsub(ch chan interface{}) {
	b.ps.Unsub(ch)
}
