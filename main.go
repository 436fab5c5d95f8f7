package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade-session/internal/events"
	"trade-session/internal/export"
	"trade-session/internal/gateway"
	"trade-session/internal/marketdata"
	"trade-session/internal/monitor"
	"trade-session/internal/order"
	"trade-session/internal/reconciliation"
	"trade-session/internal/session"
	"trade-session/internal/state"
	"trade-session/pkg/config"
	"trade-session/pkg/logging"
)

const monitorInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closer.Close()
	log.Printf("starting session client_id=%d gateway=%s subscriptions=%d", cfg.Gateway.ClientID, cfg.Gateway.Addr(), len(cfg.Subscriptions))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := events.NewDispatcher(cfg.Dispatch.QueueSize)
	subscribeLogging(dispatcher)
	go dispatcher.Run(ctx)

	metrics := monitor.NewSessionMetrics()
	mon := &monitor.Monitor{Metrics: metrics, Dropped: dispatcher.Dropped, Interval: monitorInterval}
	mon.Start(ctx)

	client := gateway.NewClient(cfg.Gateway, time.Local)
	sess := session.New(cfg, client, dispatcher, metrics)

	var exporter *export.Exporter
	if cfg.Export.Enabled {
		exporter, err = export.Open(ctx, cfg.Export, cfg.Gateway.ClientID)
		if err != nil {
			log.Fatalf("export: %v", err)
		}
		sess.SetTradeSink(exporter)
	}

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("gateway connect: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, sess) }()

	if err := sess.Start(ctx); err != nil {
		log.Fatalf("session start: %v", err)
	}

	go func() {
		for be := range sess.Errors() {
			log.Printf("broker: %v", be)
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("shutting down")
	case err := <-runErr:
		if err != nil {
			log.Printf("gateway: %v", err)
		}
	}
	stop()
	_ = client.Close()

	if exporter != nil {
		if err := exporter.ExportBars(sess.Snapshots()); err != nil {
			log.Printf("export bars: %v", err)
		}
		if err := exporter.Close(); err != nil {
			log.Printf("export close: %v", err)
		}
	}
	log.Print(monitor.Format(mon.Snapshot()))
}

// subscribeLogging attaches a log consumer to every notification topic.
func subscribeLogging(d *events.Dispatcher) {
	d.Subscribe(events.TopicPriceUpdated, func(p any) {
		v := p.(session.PriceView)
		msg := "no swing"
		if c := v.Signals.Current; c != nil {
			msg = c.Direction.String()
		}
		log.Printf("px: %s %s bars=%d levels=%d current=%s", v.Instrument.Symbol, v.Timeframe, len(v.Bars), len(v.Signals.Levels), msg)
	})
	d.Subscribe(events.TopicMarketPrice, func(p any) {
		t := p.(marketdata.MarketTick)
		log.Printf("px: %s last=%g", t.Symbol, t.Price)
	})
	d.Subscribe(events.TopicTradesUpdated, func(p any) {
		for _, t := range p.([]reconciliation.TradeTable) {
			if row, ok := t.Summary(); ok {
				log.Printf("trades: %s rows=%d position=%g cum_pnl=%.2f", t.Symbol, len(t.Rows), t.Position, row.CumPnL)
			}
		}
	})
	d.Subscribe(events.TopicPortfolio, func(p any) {
		pf := p.(state.Portfolio)
		log.Printf("portfolio: positions=%d open_orders=%d", len(pf.Positions), len(pf.OpenOrders))
	})
	d.Subscribe(events.TopicOrderFilled, func(p any) {
		n := p.(order.FillNotice)
		log.Printf("filled: order=%d %s %s %g @ %g", n.OrderID, n.Symbol, n.Side, n.Quantity, n.AvgPrice)
	})
	d.Subscribe(events.TopicBrokerError, func(any) {})
}
