package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"UpDownTrader/internal/services/authorization"
	"UpDownTrader/internal/services/health"
	"UpDownTrader/internal/services/trading"
	"UpDownTrader/internal/usecase"
	pkgch "UpDownTrader/pkg/clickhouse"
	"UpDownTrader/pkg/config"
	"UpDownTrader/pkg/eventbus"
	xhttp "UpDownTrader/pkg/http"
	pkgkafka "UpDownTrader/pkg/kafka"
	"UpDownTrader/pkg/logger"
	"UpDownTrader/pkg/tracing"
)

// Components is everything the App runs. Optional infrastructure is nil when disabled.
type Components struct {
	Config   *config.Config
	Logger   *logger.Logger
	Bus      *eventbus.Bus
	Registry *health.Registry
	Gate     *authorization.Gate
	Engine   *trading.Engine

	Collector *usecase.MarketCollector
	Poller    *usecase.BookPoller
	Sweeper   *usecase.SettlementSweeper
	Decisions *usecase.DecisionPipeline
	Audit     *usecase.AuditRecorder
	Commands  *usecase.CommandHandler
	Handler   xhttp.Handler

	Consumer   *pkgkafka.Consumer
	Producer   *pkgkafka.Producer
	ClickHouse *pkgch.Client
	Cache      io.Closer
	Tracer     *tracing.Tracer
}

// App encapsulates the entire application lifecycle.
type App struct {
	c    Components
	cfg  *config.Config
	log  *logger.Logger
	http *xhttp.Server

	unsubs []func()
	wg     sync.WaitGroup
}

func New(c Components) *App {
	log := c.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &App{c: c, cfg: c.Config, log: log.Component("app")}
}

// Run starts every component and blocks until SIGINT/SIGTERM or a fatal server error.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext is Run with an externally controlled lifetime.
func (a *App) RunContext(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// the audit recorder outlives the other loops so the drained bus still reaches it
	auditCtx, cancelAudit := context.WithCancel(context.Background())
	defer cancelAudit()

	if a.c.Audit != nil {
		a.unsubs = append(a.unsubs, a.c.Audit.Subscribe(a.c.Bus))
		a.goRun(auditCtx, a.c.Audit.Run)
	}
	a.unsubs = append(a.unsubs, a.c.Decisions.Subscribe(a.c.Bus))

	a.goRun(runCtx, a.c.Gate.Run)
	a.goRun(runCtx, a.c.Sweeper.Run)
	a.goRun(runCtx, func(ctx context.Context) {
		a.c.Registry.Watch(ctx, a.cfg.Health.WatchInterval, a.cfg.Health.HeartbeatTimeout)
	})
	if a.c.Poller != nil {
		a.goRun(runCtx, a.c.Poller.Run)
	}

	if a.c.Collector != nil {
		if err := a.c.Collector.Start(runCtx); err != nil {
			a.log.Error("market stream start failed", logger.Error(err))
			cancel()
			cancelAudit()
			a.wg.Wait()
			a.shutdown()
			return fmt.Errorf("market stream: %w", err)
		}
		a.log.Info("market collector started", logger.String("symbol", a.cfg.Feeds.Binance.Symbol))
	}

	if a.c.Consumer != nil && a.c.Commands != nil {
		a.c.Consumer.WithConsumerHook(pkgkafka.TraceHook())
		a.c.Consumer.RegisterHandler(a.c.Commands)
		go func() {
			if err := a.c.Consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", logger.Error(err))
			}
		}()
		a.log.Info("command consumer started", logger.String("topic", a.c.Commands.Topic()))
	}

	a.http = xhttp.NewServer(a.c.Handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithLogger(a.c.Logger),
	)
	if err := a.http.Start(); err != nil {
		a.log.Error("http server start error", logger.Error(err))
		a.http = nil
		a.teardown(cancel, cancelAudit)
		return fmt.Errorf("http server: %w", err)
	}

	a.log.Info("trader running",
		logger.String("engine", a.cfg.Engine.Type),
		logger.String("mode", a.cfg.Signal.Mode),
		logger.String("authorization", a.cfg.Authorization.Mode),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case runErr = <-a.http.Errors():
		a.log.Error("http server failed, shutting down", logger.Error(runErr))
	}

	a.teardown(cancel, cancelAudit)
	return runErr
}

// teardown stops intake, settles what is still open, drains the bus into the audit
// recorder and finally releases clients.
func (a *App) teardown(cancel, cancelAudit context.CancelFunc) {
	cancel()
	a.stopLoops()
	a.settle()
	a.drainBus()
	cancelAudit()
	a.wg.Wait()
	a.shutdown()
}

func (a *App) goRun(ctx context.Context, fn func(context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(ctx)
	}()
}

// stopLoops halts intake: no new bars, no new commands, no new trades.
func (a *App) stopLoops() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.c.Collector != nil {
		if err := a.c.Collector.Shutdown(ctx); err != nil {
			a.log.Warn("collector stop error", logger.Error(err))
		}
	}
	if a.c.Consumer != nil {
		if err := a.c.Consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", logger.Error(err))
		}
	}
	a.c.Engine.Stop()
}

// settle force-settles whatever is still open against the latest sample.
func (a *App) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	settled, err := a.c.Sweeper.Final(ctx)
	if err != nil {
		a.log.Warn("final settlement incomplete", logger.Error(err), logger.Int("settled", len(settled)))
		return
	}
	if len(settled) > 0 {
		a.log.Info("open positions settled on shutdown", logger.Int("count", len(settled)))
	}
}

func (a *App) drainBus() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Bus.DrainTimeout)
	defer cancel()
	if err := a.c.Bus.Close(ctx); err != nil {
		a.log.Warn("event bus drain incomplete", logger.Error(err))
	}
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
}

// shutdown stops the HTTP server and releases infrastructure clients.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.http != nil {
		if err := a.http.Stop(ctx); err != nil {
			a.log.Error("http shutdown error", logger.Error(err))
		}
	}
	if a.c.Logger != nil {
		// flushes the last aggregated batch while the producer is still open
		a.c.Logger.RemoveCollector()
	}

	if a.c.Producer != nil {
		if err := a.c.Producer.Close(); err != nil {
			a.log.Warn("kafka producer close error", logger.Error(err))
		}
	}
	if a.c.ClickHouse != nil {
		if err := a.c.ClickHouse.Close(); err != nil {
			a.log.Warn("clickhouse close error", logger.Error(err))
		}
	}
	if a.c.Cache != nil {
		if err := a.c.Cache.Close(); err != nil {
			a.log.Warn("cache close error", logger.Error(err))
		}
	}
	if a.c.Tracer != nil {
		if err := a.c.Tracer.Shutdown(ctx); err != nil {
			a.log.Warn("tracer shutdown error", logger.Error(err))
		}
	}

	a.log.Info("shutdown complete", logger.Duration("grace", a.cfg.Server.ShutdownTimeout))
}
