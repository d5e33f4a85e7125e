// Command pipeline runs the event pipeline service: it wires every
// ingestion adapter, the classifier/prioritizer/router, the queue manager
// and dispatcher, the error handler, the performance monitor, the capacity
// manager, and the operational HTTP gateway into one running process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nftwatch/eventpipeline/domain/classifier"
	"github.com/nftwatch/eventpipeline/domain/event"
	"github.com/nftwatch/eventpipeline/domain/handler"
	"github.com/nftwatch/eventpipeline/domain/prioritizer"
	"github.com/nftwatch/eventpipeline/domain/router"
	"github.com/nftwatch/eventpipeline/infrastructure/config"
	"github.com/nftwatch/eventpipeline/infrastructure/durablequeue"
	ierrors "github.com/nftwatch/eventpipeline/infrastructure/errors"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/metrics"
	"github.com/nftwatch/eventpipeline/infrastructure/runtime"
	"github.com/nftwatch/eventpipeline/infrastructure/state"
	"github.com/nftwatch/eventpipeline/services/adapters"
	"github.com/nftwatch/eventpipeline/services/capacity"
	"github.com/nftwatch/eventpipeline/services/dispatch"
	"github.com/nftwatch/eventpipeline/services/gateway"
	"github.com/nftwatch/eventpipeline/services/monitor"
	"github.com/nftwatch/eventpipeline/services/orchestrator"
	"github.com/nftwatch/eventpipeline/services/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(runtime.ResolveString("", "PIPELINE_CONFIG_PATH", ""))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	metrics.Init(cfg.ServiceName)

	errs := ierrors.NewHandler(logger)

	registry := handler.NewRegistry()
	disp := dispatch.New(dispatch.DefaultConfig(), registry, errs, logger, cfg.ServiceName)
	qMgr := queue.NewManager(toQueueConfig(cfg.Queue), disp, logger, cfg.ServiceName)

	cls := classifier.New()
	qMgr.SetBatchOrderer(cls.OrderByDependencies)

	// Optional Redis-backed durability for the per-topic FIFOs: admitted
	// events survive a process restart and are replayed on startup.
	var durableBackend durablequeue.Backend
	if addr := runtime.ResolveString("", "QUEUE_DURABLE_REDIS_ADDR", ""); addr != "" {
		durableBackend = durablequeue.NewRedisBackend(durablequeue.RedisConfig{Addr: addr})
		qMgr.SetDurableBackend(durableBackend)
	}

	capacityCfg := toCapacityConfig(cfg.Capacity)
	persistedState, err := state.NewPersistentState(state.DefaultConfig())
	if err != nil {
		return fmt.Errorf("initializing capacity state store: %w", err)
	}
	capacityCfg.Persist = persistedState
	capMgr := capacity.New(capacityCfg, qMgr, logger)
	mon := monitor.New(toMonitorConfig(cfg.Monitor), logger, cfg.ServiceName)
	mon.OnAlert(func(a monitor.Alert) {
		logger.WithFields(map[string]interface{}{
			"metric": a.Metric, "kind": a.Kind, "severity": a.Severity, "value": a.Value,
		}).Warn("performance_alert")
	})

	routerCfg := toRouterConfig(cfg.Router, runtime.ResolveBool(false, "ROUTER_DETERMINISTIC_MODE"))
	pipeline := orchestrator.New(
		cls,
		prioritizer.New(toPrioritizerConfig(cfg.Prioritizer)),
		router.New(routerCfg, time.Now().UnixNano()),
		qMgr,
		disp,
		errs,
		logger,
		cfg.ServiceName,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if durableBackend != nil {
		if err := qMgr.ReplayDurable(ctx); err != nil {
			logger.WithError(err).Error("durable_queue_replay_failed")
		}
	}

	sink := adapters.SinkFunc(func(evt *event.Event) {
		if err := pipeline.ProcessEvent(ctx, evt); err != nil {
			logger.WithFields(map[string]interface{}{"eventId": evt.ID}).WithError(err).Warn("event_processing_failed")
		}
	})

	webhookAdapter := adapters.NewWebhookAdapter(adapters.DefaultWebhookConfig(), sink, errs, logger)
	neoSource, err := adapters.NewNeo3Source(ctx, runtime.ResolveString("", "NEO_RPC_ENDPOINT", "http://seed1.neo.org:10332"))
	if err != nil {
		logger.WithError(err).Fatal("neo_rpc_client_init_failed")
	}
	blockchainAdapter := adapters.NewBlockchainAdapter(
		adapters.DefaultBlockchainConfig(),
		neoSource,
		sink, errs, logger,
	)

	socialPoller := adapters.NewPollerAdapter("social_media_poller",
		adapters.PollerConfig{
			Source: event.SourceSocialMedia,
			Metrics: []adapters.MetricSpec{
				{Metric: "mentionVolume", Kind: event.KindSocialMentionFrequency, Rule: adapters.ThresholdPercent, Threshold: 50},
				{Metric: "sentimentScore", Kind: event.KindSocialSentimentShift, Rule: adapters.ThresholdSigma, Threshold: 3, HistoryWindow: 10},
			},
		},
		[]adapters.Provider{noopProvider{name: "social_listening"}},
		watchlist, sink, errs, logger,
	)

	marketPoller := adapters.NewPollerAdapter("market_condition_poller",
		adapters.PollerConfig{
			Source: event.SourceMarketCondition,
			Metrics: []adapters.MetricSpec{
				{Metric: "floorPrice", Kind: event.KindMarketFloorPriceChange, Rule: adapters.ThresholdPercent, Threshold: 10},
				{Metric: "volume", Kind: event.KindMarketVolumeAnomaly, Rule: adapters.ThresholdSigma, Threshold: 3, HistoryWindow: 10},
			},
		},
		[]adapters.Provider{noopProvider{name: "market_data"}},
		watchlist, sink, errs, logger,
	)

	for _, a := range []interface{ OnLifecycle(func(adapters.LifecycleSignal)) }{webhookAdapter, blockchainAdapter, socialPoller, marketPoller} {
		a.OnLifecycle(logAdapterLifecycle(logger))
	}

	gw := gateway.New(errs, mon, capMgr, qMgr, registry, logger)
	webhookAdapter.RegisterRoutes(gw.Router())

	httpAddr := runtime.ResolveString("", "PIPELINE_HTTP_ADDR", ":8080")
	httpServer := &http.Server{Addr: httpAddr, Handler: gw.Router()}

	capMgr.Start(ctx)
	mon.Start(ctx, resourceSnapshot(capMgr, qMgr))
	webhookAdapter.Start()
	blockchainAdapter.Start(ctx)
	socialPoller.Start(ctx)
	marketPoller.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.WithFields(map[string]interface{}{"addr": httpAddr}).Info("gateway_listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("gateway_server_failed")
		}
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "shutting_down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	webhookAdapter.Stop()
	blockchainAdapter.Stop()
	socialPoller.Stop()
	marketPoller.Stop()
	mon.Stop()
	_ = capMgr.Stop(shutdownCtx)
	_ = qMgr.Close(shutdownCtx)
	if durableBackend != nil {
		_ = durableBackend.Close(shutdownCtx)
	}

	wg.Wait()
	return nil
}

func logAdapterLifecycle(logger *logging.Logger) func(adapters.LifecycleSignal) {
	return func(sig adapters.LifecycleSignal) {
		entry := logger.WithFields(map[string]interface{}{"adapter": sig.Adapter, "signal": string(sig.Kind)})
		if sig.Err != nil {
			entry.WithError(sig.Err).Warn("adapter_lifecycle")
			return
		}
		entry.Info("adapter_lifecycle")
	}
}

// resourceSnapshot samples process CPU/memory utilization and aggregate
// queue state for both the performance monitor's threshold/anomaly/trend
// evaluation and the capacity manager's auto-scaling rules.
func resourceSnapshot(capMgr *capacity.Manager, qMgr *queue.Manager) func() map[string]float64 {
	return func() map[string]float64 {
		cpuPct := 0.0
		if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
			cpuPct = percentages[0]
		}

		memPct := 0.0
		if vm, err := mem.VirtualMemory(); err == nil {
			memPct = vm.UsedPercent
		}

		depth := 0
		throughput := 0.0
		for _, snap := range qMgr.TopicStats() {
			depth += snap.Depth
			throughput += snap.ThroughputEPS
		}

		snapshot := map[string]float64{
			"cpu_utilization":    cpuPct,
			"memory_utilization": memPct,
			"queue_depth":        float64(depth),
			"queue_throughput":   throughput,
		}

		if metrics.Enabled() {
			metrics.Global().SetResourceUtilization(cpuPct, memPct, 0)
		}

		capMgr.ObserveSnapshot(snapshot)
		return snapshot
	}
}
