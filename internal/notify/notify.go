// Package notify delivers lifecycle CloudEvents to the configured hook URLs
// with buffering, retry and a per-host circuit breaker.
package notify

import (
	"context"
	"errors"

	"agency/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and a delivery is dropped.
var ErrBufferFull = errors.New("notify buffer full, event dropped")

// Notifier fans an event out to every destination. Delivery is asynchronous.
type Notifier interface {
	// Notify queues one delivery per destination. Non-blocking.
	// Returns ErrBufferFull if any delivery could not be queued.
	Notify(event *cloudevent.CloudEvent) error

	// Stats returns current delivery statistics.
	Stats() Stats

	// Close attempts to deliver queued events until ctx is done.
	Close(ctx context.Context) error
}

// delivery is one event bound for one destination.
type delivery struct {
	payload     *cloudevent.CloudEvent
	destination string
	requeues    int // times requeued because the destination's circuit was open
}

// Stats holds delivery statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total deliveries queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
	OpenHosts     []string
}

// Nop discards events. It is used when no hook URLs are configured.
type Nop struct{}

func (Nop) Notify(*cloudevent.CloudEvent) error { return nil }
func (Nop) Stats() Stats                        { return Stats{} }
func (Nop) Close(context.Context) error         { return nil }
