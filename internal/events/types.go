// Package events provides the progress broadcast service: a publish/fan-out
// primitive keyed by target id, with an optional Redis bridge so worker
// processes and gateway instances share one broadcast layer.
package events

import (
	"context"
	"time"
)

// ProgressEvent is the client-visible progress of one work unit. It is
// ephemeral, last-write-wins per target; the durable WorkUnit row can always
// reconstruct an equivalent event for late subscribers.
type ProgressEvent struct {
	TargetID   string    `json:"target_id"`
	WorkUnitID string    `json:"work_unit_id"`
	OwnerID    string    `json:"owner_id"`
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
}

// Handler receives events for a subscribed target. Handlers must not block;
// slow consumers buffer on their own side.
type Handler func(ProgressEvent)

// Bus is the fan-out primitive. Publish delivers to all currently registered
// subscribers of the event's target channel; subscribers that register later
// get nothing (the gateway bootstraps them from the durable store instead).
type Bus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, ev ProgressEvent) error
	Subscribe(targetID string, h Handler) string
	Unsubscribe(subscriptionID string)
	SubscriberCount() int
}
