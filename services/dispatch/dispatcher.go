// Package dispatch implements the dispatcher: it looks up every handler
// registration matching an event, invokes sync handlers in-line (in
// priority order, blocking the caller) and async handlers concurrently,
// and reports a timeout for any fan-out that overruns its deadline.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nftwatch/eventpipeline/domain/event"
	"github.com/nftwatch/eventpipeline/domain/handler"
	ierrors "github.com/nftwatch/eventpipeline/infrastructure/errors"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/metrics"
)

// DefaultFanOutTimeout is the default deadline for an entire async fan-out.
const DefaultFanOutTimeout = 5 * time.Second

// Config is the dispatcher's tunable surface.
type Config struct {
	FanOutTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{FanOutTimeout: DefaultFanOutTimeout}
}

// Dispatcher fans an event out to every matching handler registration.
type Dispatcher struct {
	cfg      Config
	registry *handler.Registry
	errs     *ierrors.Handler
	logger   *logging.Logger
	service  string
}

func New(cfg Config, registry *handler.Registry, errs *ierrors.Handler, logger *logging.Logger, service string) *Dispatcher {
	if cfg.FanOutTimeout <= 0 {
		cfg.FanOutTimeout = DefaultFanOutTimeout
	}
	return &Dispatcher{cfg: cfg, registry: registry, errs: errs, logger: logger, service: service}
}

// Register adds a handler registration and returns its id.
func (d *Dispatcher) Register(reg event.Registration) string {
	return d.registry.Register(reg)
}

// Unregister revokes a handler registration.
func (d *Dispatcher) Unregister(id string) bool {
	return d.registry.Unregister(id)
}

// HandlerResult records one handler invocation's outcome.
type HandlerResult struct {
	Handler string
	OK      bool
	Err     error
}

// Result collects every handler's outcome for one dispatched event.
type Result struct {
	Results []HandlerResult
}

// AllFailed reports whether every invoked handler errored. A dispatch with
// no matching handlers did not fail.
func (r Result) AllFailed() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, hr := range r.Results {
		if hr.OK {
			return false
		}
	}
	return true
}

// Dispatch invokes every matching handler for evt. Sync handlers run
// in-line, highest-priority first (most-specific first among equal
// priority); async handlers run
// concurrently, bounded by the configured fan-out timeout. A failing
// handler is reported to the error ledger but does not fail its peers;
// only a dispatch where every handler fails returns an error, escalating
// the event to the queue manager's retry path.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *event.Event) error {
	matches := d.registry.Match(evt)
	if len(matches) == 0 {
		return nil
	}

	result := Result{Results: make([]HandlerResult, 0, len(matches))}
	var async []event.Registration
	for _, reg := range matches {
		if reg.Mode != event.ModeSync {
			async = append(async, reg)
			continue
		}
		calcStart := time.Now()
		err := reg.Handler.Handle(ctx, evt)
		d.recordCalculation(evt, calcStart)
		if d.logger != nil {
			d.logger.LogHandlerDispatch(ctx, reg.Name, time.Since(calcStart), err)
		}
		if err != nil {
			err = fmt.Errorf("sync handler %s: %w", reg.Name, err)
			d.recordFailure(evt, err)
		}
		result.Results = append(result.Results, HandlerResult{Handler: reg.Name, OK: err == nil, Err: err})
	}

	result.Results = append(result.Results, d.fanOutAsync(ctx, evt, async)...)

	if result.AllFailed() {
		return fmt.Errorf("dispatch of %s: all %d handlers failed", evt.ID, len(result.Results))
	}

	d.recordEndToEnd(evt)
	return nil
}

// fanOutAsync runs every async registration concurrently under the fan-out
// deadline. A handler still running at the deadline is reported as a
// timeout failure; its goroutine is left to observe ctx cancellation and
// exit on its own.
func (d *Dispatcher) fanOutAsync(ctx context.Context, evt *event.Event, regs []event.Registration) []HandlerResult {
	if len(regs) == 0 {
		return nil
	}

	fanCtx, cancel := context.WithTimeout(ctx, d.cfg.FanOutTimeout)
	defer cancel()

	type indexed struct {
		idx int
		err error
	}
	resCh := make(chan indexed, len(regs))

	for i, reg := range regs {
		go func(idx int, reg event.Registration) {
			calcStart := time.Now()
			err := reg.Handler.Handle(fanCtx, evt)
			d.recordCalculation(evt, calcStart)
			if d.logger != nil {
				d.logger.LogHandlerDispatch(fanCtx, reg.Name, time.Since(calcStart), err)
			}
			if err != nil {
				err = fmt.Errorf("async handler %s: %w", reg.Name, err)
				d.recordFailure(evt, err)
			}
			resCh <- indexed{idx: idx, err: err}
		}(i, reg)
	}

	outcomes := make(map[int]error, len(regs))
collect:
	for range regs {
		select {
		case r := <-resCh:
			outcomes[r.idx] = r.err
		case <-fanCtx.Done():
			break collect
		}
	}

	// A handler may have finished in the same instant the deadline fired;
	// credit anything already buffered before declaring timeouts.
drain:
	for {
		select {
		case r := <-resCh:
			outcomes[r.idx] = r.err
		default:
			break drain
		}
	}

	results := make([]HandlerResult, 0, len(regs))
	for i, reg := range regs {
		err, finished := outcomes[i]
		if !finished {
			err = fmt.Errorf("timeout_error: handler %s exceeded fan-out deadline %s", reg.Name, d.cfg.FanOutTimeout)
			d.recordFailure(evt, err)
		}
		results = append(results, HandlerResult{Handler: reg.Name, OK: err == nil, Err: err})
	}
	return results
}

func (d *Dispatcher) recordCalculation(evt *event.Event, start time.Time) {
	if metrics.Enabled() {
		metrics.Global().RecordUpdateCalculation(d.service, string(evt.Kind), time.Since(start))
	}
}

func (d *Dispatcher) recordEndToEnd(evt *event.Event) {
	if evt.ReceivedAt.IsZero() {
		return
	}
	if metrics.Enabled() {
		metrics.Global().RecordEndToEndLatency(d.service, string(evt.Source), time.Since(evt.ReceivedAt))
	}
}

func (d *Dispatcher) recordFailure(evt *event.Event, err error) {
	if d.errs == nil {
		return
	}
	ctx := map[string]interface{}{
		"eventId":    evt.ID,
		"entityType": string(evt.EntityType),
		"entityId":   evt.EntityID,
	}
	if evt.Priority != nil {
		ctx["priority"] = *evt.Priority
	}
	errID := d.errs.HandleError(err, ctx)
	if d.logger != nil {
		d.logger.WithFields(map[string]interface{}{"errorId": errID, "eventId": evt.ID}).Warn("dispatch_failed")
	}
}

// RegistrationCount reports how many handlers are currently registered.
func (d *Dispatcher) RegistrationCount() int {
	return d.registry.Len()
}
