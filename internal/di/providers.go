package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"UpDownTrader/internal/domain/repository"
	"UpDownTrader/internal/handler/api"
	mid "UpDownTrader/internal/middleware"
	internalrepo "UpDownTrader/internal/repository"
	"UpDownTrader/internal/service/binance"
	"UpDownTrader/internal/service/polymarket"
	"UpDownTrader/internal/service/ratelimit"
	"UpDownTrader/internal/services/authorization"
	"UpDownTrader/internal/services/fees"
	"UpDownTrader/internal/services/health"
	"UpDownTrader/internal/services/indicators"
	"UpDownTrader/internal/services/market"
	"UpDownTrader/internal/services/risk"
	"UpDownTrader/internal/services/signal"
	"UpDownTrader/internal/services/trading"
	"UpDownTrader/internal/usecase"
	"UpDownTrader/pkg/cache"
	pkgch "UpDownTrader/pkg/clickhouse"
	"UpDownTrader/pkg/config"
	"UpDownTrader/pkg/eventbus"
	pkgkafka "UpDownTrader/pkg/kafka"
	"UpDownTrader/pkg/logger"
	"UpDownTrader/pkg/metrics"
	"UpDownTrader/pkg/server"
	"UpDownTrader/pkg/tracing"
)

// ProvideLogger builds the root logger. With Kafka enabled, repeated warnings and
// errors are aggregated and shipped to "<prefix>.logs".
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if producer != nil {
		l.AddCollector(&logger.CollectionConfig{
			TimeInterval:   cfg.Kafka.LogFlushInterval,
			CountThreshold: 100,
			Topic:          "logs",
			Publisher:      producer,
		})
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

func ProvideTracer(cfg *config.Config) (*tracing.Tracer, error) {
	t, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return t, nil
}

func ProvideBus(cfg *config.Config, rec *metrics.Recorder, l *logger.Logger) *eventbus.Bus {
	return eventbus.New(
		eventbus.WithMailboxSize(cfg.Bus.MailboxSize),
		eventbus.WithLogger(l),
		eventbus.WithObserver(rec),
	)
}

func ProvideRegistry() *health.Registry {
	return health.NewRegistry()
}

// newTracker registers a lifecycle tracker for one long-running component.
func newTracker(name string, cfg *config.Config, reg *health.Registry, bus *eventbus.Bus, m repository.Metrics, l *logger.Logger) *health.Tracker {
	t := health.NewTracker(name,
		health.WithFailureThreshold(cfg.Health.FailureThreshold),
		health.WithPublisher(bus),
		health.WithMetrics(m),
		health.WithLogger(l),
	)
	reg.Register(t)
	return t
}

func ProvideMarketState() *market.State {
	return market.NewState()
}

func ProvideAggregator(cfg *config.Config) *indicators.Aggregator {
	ic := indicators.DefaultConfig()
	ic.MinBars = cfg.Signal.MinBars
	return indicators.NewAggregator(ic)
}

// ProvideCache returns Redis when enabled and the in-memory cache otherwise, so risk
// state and proposal locks always have a home.
func ProvideCache(cfg *config.Config) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(cache.WithMemoryCleanup(time.Minute)), nil
	}
	c, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(10, 2, 3*time.Second),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return c, nil
}

func ProvideCacheCloser(c cache.Service) io.Closer {
	if cl, ok := c.(io.Closer); ok {
		return cl
	}
	return nil
}

func ProvideStateStore(c cache.Service) *internalrepo.CacheStateStore {
	return internalrepo.NewCacheStateStore(c)
}

func ProvideSignalGenerator(cfg *config.Config, bus *eventbus.Bus, m repository.Metrics, l *logger.Logger) (*signal.Generator, error) {
	gen, err := signal.NewGenerator(cfg.Signal,
		signal.WithPublisher(bus),
		signal.WithMetrics(m),
		signal.WithLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("signal generator: %w", err)
	}
	return gen, nil
}

func ProvideRiskManager(cfg *config.Config, store *internalrepo.CacheStateStore, bus *eventbus.Bus, m repository.Metrics, l *logger.Logger) *risk.Manager {
	return risk.NewManager(cfg.Risk, cfg.Engine.InitialBalance,
		risk.WithStateStore(store),
		risk.WithPublisher(bus),
		risk.WithMetrics(m),
		risk.WithLogger(l),
	)
}

func ProvideGate(
	cfg *config.Config,
	rm *risk.Manager,
	store *internalrepo.CacheStateStore,
	reg *health.Registry,
	bus *eventbus.Bus,
	m repository.Metrics,
	l *logger.Logger,
) (*authorization.Gate, error) {
	gc, err := authorization.ConfigFrom(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorization: %w", err)
	}
	return authorization.NewGate(gc,
		authorization.WithRisk(rm),
		authorization.WithLocker(store),
		authorization.WithHealth(reg),
		authorization.WithPublisher(bus),
		authorization.WithMetrics(m),
		authorization.WithLogger(l),
	), nil
}

// ProvidePolymarket builds the CLOB client used for book polling and, in live mode,
// order placement.
func ProvidePolymarket(cfg *config.Config, l *logger.Logger) *polymarket.Client {
	pm := cfg.Feeds.Polymarket
	live := cfg.Engine.Live
	opts := []polymarket.Option{polymarket.WithLogger(l)}
	if live.SignerURL != "" {
		opts = append(opts, polymarket.WithSigner(
			polymarket.NewRemoteSigner(live.SignerURL, live.ChainID, live.Address, live.OrderTimeout),
		))
	}
	return polymarket.New(polymarket.Config{
		Hosts:       append([]string(nil), pm.Hosts...),
		OrderHost:   live.Host,
		MarketID:    pm.MarketID,
		Title:       pm.Title,
		UpTokenID:   pm.UpTokenID,
		DownTokenID: pm.DownTokenID,
		Window:      pm.Window,
		Timeout:     pm.Timeout,
		Retries:     pm.Retries,
		Credentials: polymarket.Credentials{
			Address:    live.Address,
			APIKey:     live.APIKey,
			Secret:     live.APISecret,
			Passphrase: live.APIPassphrase,
		},
	}, opts...)
}

// ProvideEngine selects the simulation or live executor from engine.type.
func ProvideEngine(
	cfg *config.Config,
	pm *polymarket.Client,
	rm *risk.Manager,
	state *market.State,
	bus *eventbus.Bus,
	tracer *tracing.Tracer,
	m repository.Metrics,
	l *logger.Logger,
) (*trading.Engine, error) {
	ec := trading.Config{
		InitialBalance: cfg.Engine.InitialBalance,
		MinTradeAmount: cfg.Risk.MinTradeAmount,
		Expiry:         cfg.Engine.Expiry,
		Fees: fees.Schedule{
			Buy:  fees.Range{Min: cfg.Fees.BuyMin, Max: cfg.Fees.BuyMax},
			Sell: fees.Range{Min: cfg.Fees.SellMin, Max: cfg.Fees.SellMax},
		},
		Filter: trading.Filter{
			Enabled:        cfg.Fees.FilterEnabled,
			MaxSpread:      cfg.Fees.MaxSpread,
			MinProfitRatio: cfg.Fees.MinProfitRatio,
		},
		AutoStart: cfg.Engine.AutoStart,
	}

	var exec trading.Executor = trading.SimExecutor{}
	if cfg.Engine.Type == "live" {
		live := cfg.Engine.Live
		creds := polymarket.Credentials{Address: live.Address, APIKey: live.APIKey, Secret: live.APISecret, Passphrase: live.APIPassphrase}
		if !creds.Valid() {
			return nil, fmt.Errorf("live engine: %w", polymarket.ErrNoCredentials)
		}
		exec = trading.NewLiveExecutor(pm, live.OrderTimeout, l)
		ec.Ceilings = trading.Ceilings{PerTrade: live.MaxPerTrade, Total: live.MaxTotal}
		ec.RequireToken = true
	}

	return trading.NewEngine(ec, exec, rm, state,
		trading.WithPublisher(bus),
		trading.WithTracer(tracer),
		trading.WithMetrics(m),
		trading.WithLogger(l),
	), nil
}

func ProvideBinanceStream(cfg *config.Config, l *logger.Logger) *binance.Client {
	b := cfg.Feeds.Binance
	return binance.New(binance.Config{
		URLs:           append([]string(nil), b.URLs...),
		Symbol:         b.Symbol,
		BarInterval:    b.BarInterval,
		PingInterval:   b.PingInterval,
		ReconnectDelay: b.ReconnectDelay,
		MaxBackoff:     b.MaxBackoff,
		BufferSize:     b.BufferSize,
		MaxTicksPerSec: b.MaxTicksPerSec,
	}, l)
}

// ProvideTickPipeline builds the middleware between the market stream and the bus.
func ProvideTickPipeline(cfg *config.Config, agg *indicators.Aggregator, state *market.State, bus *eventbus.Bus, m repository.Metrics, l *logger.Logger) *mid.TickPipeline {
	return mid.NewTickPipeline(agg, state, bus,
		mid.WithMaxRPS(cfg.Feeds.Binance.MaxTicksPerSec),
		mid.WithBufferSize(cfg.Feeds.Binance.BufferSize),
		mid.WithMetrics(m),
		mid.WithLogger(l),
	)
}

// ProvideMarketCollector returns nil when the Binance feed is disabled.
func ProvideMarketCollector(
	cfg *config.Config,
	stream *binance.Client,
	pipe *mid.TickPipeline,
	reg *health.Registry,
	bus *eventbus.Bus,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.MarketCollector {
	if !cfg.Feeds.Binance.Enabled {
		return nil
	}
	tracker := newTracker("binance", cfg, reg, bus, m, l)
	return usecase.NewMarketCollector(stream, pipe, tracker, m, l)
}

// ProvideBookPoller returns nil when the Polymarket feed is disabled.
func ProvideBookPoller(
	cfg *config.Config,
	pm *polymarket.Client,
	state *market.State,
	reg *health.Registry,
	bus *eventbus.Bus,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.BookPoller {
	if !cfg.Feeds.Polymarket.Enabled {
		return nil
	}
	tracker := newTracker("polymarket", cfg, reg, bus, m, l)
	return usecase.NewBookPoller(pm, state, bus, tracker, cfg.Feeds.Polymarket.PollInterval, m, l)
}

func ProvideSettlementSweeper(
	cfg *config.Config,
	engine *trading.Engine,
	state *market.State,
	reg *health.Registry,
	bus *eventbus.Bus,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.SettlementSweeper {
	tracker := newTracker("settlement", cfg, reg, bus, m, l)
	return usecase.NewSettlementSweeper(engine, state, tracker, cfg.Engine.SettleInterval, l)
}

func ProvideDecisionPipeline(
	cfg *config.Config,
	agg *indicators.Aggregator,
	gen *signal.Generator,
	rm *risk.Manager,
	gate *authorization.Gate,
	engine *trading.Engine,
	state *market.State,
	bus *eventbus.Bus,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.DecisionPipeline {
	return usecase.NewDecisionPipeline(usecase.DecisionConfig{
		MaxMarketAge:         cfg.Signal.MaxMarketAge,
		DefensiveMode:        cfg.Signal.DefensiveMode,
		DefensiveAfterLosses: cfg.Signal.DefensiveAfterLosses,
	}, agg, gen, rm, gate, engine, state, bus, m, l)
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideAuditStore initializes the audit schema. Without ClickHouse there is no store.
func ProvideAuditStore(ch *pkgch.Client, l *logger.Logger) (repository.AuditStore, error) {
	if ch == nil {
		return nil, nil
	}
	store := internalrepo.NewCHAuditStore(ch, l)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

// ProvideKafkaProducer creates a Kafka producer, or nil when disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithTopicPrefix(cfg.Kafka.TopicPrefix),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

func ProvideEventSink(producer *pkgkafka.Producer) repository.EventSink {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaEventSink(producer)
}

// ProvideAuditRecorder returns nil when neither ClickHouse nor Kafka is enabled.
func ProvideAuditRecorder(store repository.AuditStore, sink repository.EventSink, m repository.Metrics, l *logger.Logger) *usecase.AuditRecorder {
	if store == nil && sink == nil {
		return nil
	}
	return usecase.NewAuditRecorder(usecase.AuditConfig{}, store, sink, m, l)
}

func ProvideControl(
	engine *trading.Engine,
	gate *authorization.Gate,
	rm *risk.Manager,
	gen *signal.Generator,
	reg *health.Registry,
	bus *eventbus.Bus,
	l *logger.Logger,
) *usecase.Control {
	return usecase.NewControl(engine, gate, rm, gen, reg, bus, l)
}

// ProvideKafkaConsumer creates the command consumer, or nil unless both Kafka and the
// consumer are enabled.
func ProvideKafkaConsumer(cfg *config.Config, l *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideCommandHandler handles chat-bot commands on "<prefix>.commands".
func ProvideCommandHandler(cfg *config.Config, control *usecase.Control, m repository.Metrics, l *logger.Logger) *usecase.CommandHandler {
	return usecase.NewCommandHandler(pkgkafka.TopicName(cfg.Kafka.TopicPrefix, "commands"), control, m, l)
}

func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.Server.ControlRPS, int(cfg.Server.ControlBurst))
}

// ProvideBacktester replays the bars the live aggregator retains.
func ProvideBacktester(cfg *config.Config, agg *indicators.Aggregator, l *logger.Logger) *usecase.Backtester {
	return usecase.NewBacktester(cfg, agg, l)
}

func ProvideControlHandler(control *usecase.Control, backtests *usecase.Backtester, limiter *ratelimit.Limiter, l *logger.Logger) *api.ControlHandler {
	return api.NewControlHandler(control, backtests, limiter, l)
}

// ProvideApp creates the application server.
func ProvideApp(c server.Components) *server.App {
	return server.New(c)
}
