/*
notify.go - Notification sink

PURPOSE:
  Every state transition emits a fire-and-forget event toward the
  notification collaborator. Delivery failure is logged and dropped; it
  must never roll back the transition that produced it.
*/
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventSubmitted          EventType = "request_submitted"
	EventFulfilmentSaved    EventType = "fulfilment_saved"
	EventFinalized          EventType = "fulfilment_finalized"
	EventApproved           EventType = "request_approved"
	EventFulfilmentSentBack EventType = "fulfilment_sent_back"
	EventDispatched         EventType = "request_dispatched"
	EventReceived           EventType = "request_received"
	EventCompleted          EventType = "request_completed"
	EventRejected           EventType = "request_rejected"
	EventChangeOpened       EventType = "change_request_opened"
	EventChangeResolved     EventType = "change_request_resolved"
	EventLowStock           EventType = "stock_low"
)

// Event is pushed into the sink at every transition. Target is an actor id
// or a role name, whichever the transition addresses.
type Event struct {
	Type    EventType
	Target  string
	Seq     RequestSeq
	Message string
	At      time.Time
}

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. It stands in for the
// real fan-out collaborator, which is outside the engine.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n *LogNotifier) Publish(_ context.Context, ev Event) error {
	n.Logger.Info().
		Str("event", string(ev.Type)).
		Str("target", ev.Target).
		Str("request", string(ev.Seq)).
		Str("message", ev.Message).
		Msg("notification")
	return nil
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) error { return nil }
