package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/rpcclient"

	"github.com/nftwatch/eventpipeline/domain/event"
	"github.com/nftwatch/eventpipeline/infrastructure/cache"
	ierrors "github.com/nftwatch/eventpipeline/infrastructure/errors"
	"github.com/nftwatch/eventpipeline/infrastructure/logging"
	"github.com/nftwatch/eventpipeline/infrastructure/resilience"
)

// ChainEvent is the normalized shape a ChainEventSource yields, one per
// on-chain transfer/sale/mint/contract-update notification.
type ChainEvent struct {
	Kind            event.Kind
	ContractAddress string
	TokenID         string
	FromAddress     string
	ToAddress       string
	Value           float64
	BlockHeight     uint32
	Confirmations   int
	TxHash          string
}

// ChainEventSource streams chain events starting from a block height.
// Applications may substitute any chain client satisfying this interface;
// Neo3Source below is the default, backed by nspcc-dev/neo-go's rpcclient.
type ChainEventSource interface {
	// PollFromHeight returns every chain event observed since fromHeight,
	// and the next height to resume from.
	PollFromHeight(ctx context.Context, fromHeight uint32) ([]ChainEvent, uint32, error)
}

// Neo3Source implements ChainEventSource against a Neo N3 RPC endpoint
// using the reference neo-go JSON-RPC client.
type Neo3Source struct {
	client *rpcclient.Client
}

// NewNeo3Source dials endpoint and initializes the neo-go RPC client. The
// caller's context governs only the dial/handshake; PollFromHeight takes its
// own context per call.
func NewNeo3Source(ctx context.Context, endpoint string) (*Neo3Source, error) {
	client, err := rpcclient.New(ctx, endpoint, rpcclient.Options{})
	if err != nil {
		return nil, fmt.Errorf("dial neo rpc endpoint: %w", err)
	}
	if err := client.Init(); err != nil {
		return nil, fmt.Errorf("init neo rpc client: %w", err)
	}
	return &Neo3Source{client: client}, nil
}

// PollFromHeight walks every block between fromHeight and the chain tip,
// emitting one ChainEvent per transaction. Applications needing richer
// classification (transfer vs. sale vs. mint) can decorate this with
// GetApplicationLog-based notification parsing; the adapter emits every
// chain event unconditionally either way.
func (s *Neo3Source) PollFromHeight(ctx context.Context, fromHeight uint32) ([]ChainEvent, uint32, error) {
	height, err := s.client.GetBlockCount()
	if err != nil {
		return nil, fromHeight, fmt.Errorf("get block count: %w", err)
	}
	if height <= fromHeight {
		return nil, fromHeight, nil
	}

	var events []ChainEvent
	for h := fromHeight; h < height; h++ {
		blk, err := s.client.GetBlockByIndex(h)
		if err != nil {
			return events, h, fmt.Errorf("get block %d: %w", h, err)
		}
		for _, tx := range blk.Transactions {
			events = append(events, ChainEvent{
				Kind:          event.KindNFTTransfer,
				TxHash:        tx.Hash().StringLE(),
				BlockHeight:   h,
				Confirmations: int(height - h),
			})
		}
	}
	return events, height, nil
}

// BlockchainConfig is the blockchain adapter's tunable surface.
type BlockchainConfig struct {
	PollInterval time.Duration
	StartHeight  uint32
	MaxRetries   int
}

func DefaultBlockchainConfig() BlockchainConfig {
	return BlockchainConfig{PollInterval: 5 * time.Second, MaxRetries: 3}
}

// BlockchainAdapter consumes a ChainEventSource and emits one normalized
// event per chain event, with no thresholding: every chain event is
// material.
type BlockchainAdapter struct {
	cfg    BlockchainConfig
	source ChainEventSource
	sink   Sink
	errs   *ierrors.Handler
	logger *logging.Logger
	name   string

	onLifecycle func(LifecycleSignal)

	height   uint32
	stopCh   chan struct{}
	wg       sync.WaitGroup
	failures int

	// dedup guards against a redelivered transaction when PollFromHeight's
	// returned next-height overlaps the previous call's range (reorg/retry).
	dedup *cache.DedupCache

	// breaker trips after a run of consecutive RPC failures so a dead Neo
	// node doesn't get hammered every poll interval; pollOnce still counts
	// ErrCircuitOpen toward cfg.MaxRetries like any other failure.
	breaker *resilience.CircuitBreaker
}

func NewBlockchainAdapter(cfg BlockchainConfig, source ChainEventSource, sink Sink, errs *ierrors.Handler, logger *logging.Logger) *BlockchainAdapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &BlockchainAdapter{
		cfg: cfg, source: source, sink: sink, errs: errs, logger: logger, name: "blockchain",
		height: cfg.StartHeight, stopCh: make(chan struct{}),
		dedup:   cache.NewDedupCache("blockchain:tx:", 10*cfg.PollInterval),
		breaker: resilience.New(resilience.StrictSourceCBConfig(logger)),
	}
}

func (a *BlockchainAdapter) OnLifecycle(fn func(LifecycleSignal)) { a.onLifecycle = fn }

func (a *BlockchainAdapter) emit(kind LifecycleKind, err error) {
	if a.onLifecycle == nil {
		return
	}
	a.onLifecycle(LifecycleSignal{Adapter: a.name, Kind: kind, Err: err, Timestamp: time.Now()})
}

func (a *BlockchainAdapter) Start(ctx context.Context) {
	a.emit(LifecycleStarted, nil)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.pollOnce(ctx)
			}
		}
	}()
}

func (a *BlockchainAdapter) pollOnce(ctx context.Context) {
	var events []ChainEvent
	var next uint32
	err := a.breaker.Execute(ctx, func() error {
		var pollErr error
		events, next, pollErr = a.source.PollFromHeight(ctx, a.height)
		return pollErr
	})
	if err != nil {
		a.failures++
		if a.failures > a.cfg.MaxRetries {
			if a.errs != nil {
				a.errs.HandleError(fmt.Errorf("dependency_error: blockchain source exhausted retries: %w", err),
					map[string]interface{}{"adapter": a.name})
			}
			a.emit(LifecycleError, err)
			a.failures = 0
			return
		}
		a.emit(LifecycleRetryScheduled, err)
		return
	}
	a.failures = 0
	a.height = next

	for _, ce := range events {
		if a.dedup.Seen(ctx, ce.TxHash) {
			continue
		}
		if a.logger != nil {
			a.logger.LogChainEvent(ctx, ce.TxHash, string(ce.Kind), nil)
		}
		a.sink.Ingest(a.normalize(ce))
	}
}

func (a *BlockchainAdapter) normalize(ce ChainEvent) *event.Event {
	return &event.Event{
		ID:         ce.TxHash,
		Kind:       ce.Kind,
		EntityType: event.EntityNFT,
		EntityID:   ce.TokenID,
		Source:     event.SourceBlockchain,
		Timestamp:  time.Now().UnixMilli(),
		Data: event.BlockchainPayload{
			TransactionHash: ce.TxHash,
			FromAddress:     ce.FromAddress,
			ToAddress:       ce.ToAddress,
			TokenID:         ce.TokenID,
			ContractAddress: ce.ContractAddress,
			Value:           ce.Value,
			BlockHeight:     ce.BlockHeight,
			Confirmations:   ce.Confirmations,
		},
		ReceivedAt: time.Now(),
	}
}

func (a *BlockchainAdapter) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.emit(LifecycleStopped, nil)
}
