package usecase

import (
	"context"
	"errors"
	"sync"

	drepo "UpDownTrader/internal/domain/repository"
	mid "UpDownTrader/internal/middleware"
	"UpDownTrader/internal/services/health"
	"UpDownTrader/pkg/logger"
)

var errStreamClosed = errors.New("stream closed")

// MarketCollector reads the underlying feed and hands every event to the tick pipeline.
// Stream failures degrade the tracker and trigger a reconnect to the next endpoint.
type MarketCollector struct {
	stream  drepo.MarketStream
	pipe    *mid.TickPipeline
	tracker *health.Tracker
	metrics drepo.Metrics
	log     *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMarketCollector(stream drepo.MarketStream, pipe *mid.TickPipeline, tracker *health.Tracker, metrics drepo.Metrics, log *logger.Logger) *MarketCollector {
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &MarketCollector{
		stream:  stream,
		pipe:    pipe,
		tracker: tracker,
		metrics: metrics,
		log:     log.Component("market_collector"),
	}
}

// IsConnected returns true if the market stream is connected.
func (c *MarketCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

// Start connects and subscribes synchronously, then consumes in the background until
// ctx is cancelled.
func (c *MarketCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		_ = c.tracker.Fault(err)
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		_ = c.tracker.Fault(err)
		return err
	}
	_ = c.tracker.Ready()
	_ = c.tracker.Run()

	ctx, c.cancel = context.WithCancel(ctx)
	c.pipe.Start(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
	return nil
}

func (c *MarketCollector) loop(ctx context.Context) {
	for {
		evCh, errCh := c.stream.Read(ctx)
		err := c.consume(ctx, evCh, errCh)
		if ctx.Err() != nil {
			return
		}
		c.metrics.RecordError("stream")
		c.tracker.RecordFailure(err)
		c.log.Warn("stream interrupted", logger.Error(err))

		for {
			rerr := c.stream.Reconnect(ctx)
			if rerr == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.tracker.RecordFailure(rerr)
			c.log.Warn("reconnect failed", logger.Error(rerr))
		}
		c.log.Info("stream reconnected")
	}
}

// consume returns when the stream fails or ctx ends.
func (c *MarketCollector) consume(ctx context.Context, evCh <-chan drepo.StreamEvent, errCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return err
			}
		case ev, ok := <-evCh:
			if !ok {
				return errStreamClosed
			}
			if err := c.pipe.Process(ctx, ev); err != nil {
				c.log.Debug("pipeline refused event", logger.String("kind", string(ev.Kind)), logger.Error(err))
				continue
			}
			c.tracker.RecordSuccess()
		}
	}
}

// Shutdown stops the pipeline, closes the stream and waits for the consumer loop.
func (c *MarketCollector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.pipe.Stop()
	err := c.stream.Close()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	_ = c.tracker.Stop("shutdown")
	return err
}
