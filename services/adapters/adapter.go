// Package adapters implements the four source adapter kinds: a push
// webhook receiver (fraud detection), pull pollers (social media, market
// condition), and a blockchain stream adapter. Every adapter shares a
// started/stopped/error/retryScheduled lifecycle contract and emits
// normalized events onto a shared sink.
package adapters

import (
	"time"

	"github.com/nftwatch/eventpipeline/domain/event"
)

// LifecycleKind names the four signals every adapter reports.
type LifecycleKind string

const (
	LifecycleStarted        LifecycleKind = "started"
	LifecycleStopped        LifecycleKind = "stopped"
	LifecycleError          LifecycleKind = "error"
	LifecycleRetryScheduled LifecycleKind = "retryScheduled"
)

// LifecycleSignal is one adapter lifecycle notification.
type LifecycleSignal struct {
	Adapter   string
	Kind      LifecycleKind
	Err       error
	Timestamp time.Time
}

// Sink receives normalized events emitted by an adapter. The pipeline
// orchestrator implements this.
type Sink interface {
	Ingest(evt *event.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(evt *event.Event)

func (f SinkFunc) Ingest(evt *event.Event) { f(evt) }
