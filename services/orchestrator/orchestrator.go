// Package orchestrator wires the classifier, prioritizer, router, queue
// manager, and dispatcher behind the pipeline's single entry point,
// ProcessEvent. It is stateless and re-entrant: the components
// it holds are themselves safe for concurrent use, so many goroutines may
// call ProcessEvent in parallel.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nftwatch/eventpipeline/domain/classifier"
	"github.com/nftwatch/eventpipeline/domain/event"
	"github.com/nftwatch/eventpipeline/domain/prioritizer"
	"github.com/nftwatch/eventpipeline/domain/router"
	ierrors "github.com/nftwatch/eventpipeline/infrastructure/errors"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/metrics"
	"github.com/nftwatch/eventpipeline/services/queue"
)

// QueueEnqueuer is the narrow interface the orchestrator needs from the
// queue manager.
type QueueEnqueuer interface {
	Enqueue(evt *event.Event, topic string) error
}

// EventDispatcher is the narrow interface the orchestrator needs from the
// dispatcher, used for direct (bypass-the-queue) notification delivery.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt *event.Event) error
}

// Orchestrator is the pipeline's wiring point.
type Orchestrator struct {
	classifier  *classifier.Classifier
	prioritizer *prioritizer.Prioritizer
	router      *router.Router
	queue       QueueEnqueuer
	dispatcher  EventDispatcher
	errs        *ierrors.Handler
	logger      *logging.Logger
	service     string
}

// New constructs an Orchestrator from its already-configured components.
func New(
	c *classifier.Classifier,
	p *prioritizer.Prioritizer,
	r *router.Router,
	q QueueEnqueuer,
	d EventDispatcher,
	errs *ierrors.Handler,
	logger *logging.Logger,
	service string,
) *Orchestrator {
	return &Orchestrator{
		classifier:  c,
		prioritizer: p,
		router:      r,
		queue:       q,
		dispatcher:  d,
		errs:        errs,
		logger:      logger,
		service:     service,
	}
}

// ProcessEvent runs evt through classify -> prioritize -> route, then, per
// the router's decision, enqueues it for later dispatch and/or dispatches a
// synthesized notification event directly, bypassing the queue.
//
// Classifier/prioritizer/router failures are deterministic given their
// inputs: they are recorded as processing_error and the event is
// abandoned without an implicit retry, since retrying a pure function
// against the same input can never succeed.
func (o *Orchestrator) ProcessEvent(ctx context.Context, evt *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.recordProcessingError(evt, fmt.Errorf("panic processing event %s: %v", evt.ID, r))
		}
	}()

	start := time.Now()

	classification := o.classifier.Classify(evt)

	if !evt.HasPriority() {
		o.prioritizer.Prioritize(evt)
	}

	decision := o.router.Route(evt, time.Now())

	if metrics.Enabled() {
		metrics.Global().RecordEventIngested(o.service, string(evt.Source), string(evt.Kind), time.Since(start))
	}

	var firstErr error

	if decision.ShouldUpdate {
		topic := queue.TopicForSource(evt.Source)
		if err := o.queue.Enqueue(evt, topic); err != nil {
			firstErr = o.recordQueueError(evt, err)
		}
	}

	if decision.ShouldNotify {
		notif := o.synthesizeNotification(evt, decision.NotificationPriority)
		if err := o.dispatcher.Dispatch(ctx, notif); err != nil && firstErr == nil {
			firstErr = o.recordProcessingError(evt, fmt.Errorf("notification dispatch: %w", err))
		}
	}

	if o.logger != nil && classification.Urgency == classifier.UrgencyHigh {
		o.logger.WithFields(map[string]interface{}{
			"eventId":  evt.ID,
			"category": string(classification.Category),
			"impact":   classification.ImpactScore,
		}).Info("high_urgency_event_processed")
	}

	return firstErr
}

// synthesizeNotification builds the "notification_<kind>" event dispatched
// directly to handlers when the router's ShouldNotify gate fires.
func (o *Orchestrator) synthesizeNotification(src *event.Event, priority int) *event.Event {
	notif := &event.Event{
		ID:         src.ID + ":notify",
		Kind:       event.NotificationKind(src.Kind),
		EntityType: src.EntityType,
		EntityID:   src.EntityID,
		Source:     src.Source,
		Timestamp:  time.Now().UnixMilli(),
		ReceivedAt: src.ReceivedAt,
		Data: event.NotificationPayload{
			SourceEventID: src.ID,
		},
	}
	notif.SetPriority(clampPriority(priority))
	return notif
}

func clampPriority(p int) int {
	if p > 10 {
		return 10
	}
	if p < 0 {
		return 0
	}
	return p
}

func (o *Orchestrator) recordQueueError(evt *event.Event, cause error) error {
	wrapped := fmt.Errorf("queue_full: %w", cause)
	if o.errs != nil {
		id := o.errs.HandleError(wrapped, map[string]interface{}{
			"eventId":    evt.ID,
			"entityType": string(evt.EntityType),
			"entityId":   evt.EntityID,
		})
		o.recordErrorMetric(id)
	}
	if o.logger != nil {
		o.logger.WithFields(map[string]interface{}{"eventId": evt.ID}).Warn("enqueue_failed")
	}
	return wrapped
}

func (o *Orchestrator) recordProcessingError(evt *event.Event, cause error) error {
	wrapped := fmt.Errorf("processing_error: %w", cause)
	if o.errs != nil {
		id := o.errs.HandleError(wrapped, map[string]interface{}{
			"eventId":    evt.ID,
			"entityType": string(evt.EntityType),
			"entityId":   evt.EntityID,
		})
		o.recordErrorMetric(id)
	}
	if o.logger != nil {
		o.logger.WithFields(map[string]interface{}{"eventId": evt.ID}).Error("process_event_failed")
	}
	return wrapped
}

func (o *Orchestrator) recordErrorMetric(errorID string) {
	if !metrics.Enabled() || o.errs == nil {
		return
	}
	rec, ok := o.errs.Record(errorID)
	if !ok {
		return
	}
	metrics.Global().RecordError(o.service, string(rec.Category), string(rec.Severity))
}
