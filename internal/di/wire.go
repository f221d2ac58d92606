//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/internal/handler/api"
	"UpDownTrader/pkg/config"
	xhttp "UpDownTrader/pkg/http"
	"UpDownTrader/pkg/metrics"
	"UpDownTrader/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideMetrics,
		wire.Bind(new(repository.Metrics), new(*metrics.Recorder)),
		ProvideLogger,
		ProvideTracer,

		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideClickHouseClient,
		ProvideCache,
		ProvideCacheCloser,

		// Repositories
		ProvideStateStore,
		ProvideAuditStore,
		ProvideEventSink,

		// Core services
		ProvideBus,
		ProvideRegistry,
		ProvideMarketState,
		ProvideAggregator,
		ProvideSignalGenerator,
		ProvideRiskManager,
		ProvideGate,
		ProvidePolymarket,
		ProvideEngine,

		// Feeds
		ProvideBinanceStream,
		ProvideTickPipeline,
		ProvideMarketCollector,
		ProvideBookPoller,

		// Use cases
		ProvideSettlementSweeper,
		ProvideDecisionPipeline,
		ProvideAuditRecorder,
		ProvideControl,
		ProvideCommandHandler,
		ProvideBacktester,

		// Control plane
		ProvideRateLimiter,
		ProvideControlHandler,
		wire.Bind(new(xhttp.Handler), new(*api.ControlHandler)),

		// Application server
		wire.Struct(new(server.Components), "*"),
		ProvideApp,
	)
	return &server.App{}, nil
}
