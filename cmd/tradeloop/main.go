package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"tradeloop/internal/bus"
	"tradeloop/internal/config"
	"tradeloop/internal/confirm"
	"tradeloop/internal/httpapi"
	"tradeloop/internal/ids"
	"tradeloop/internal/logging"
	"tradeloop/internal/market"
	"tradeloop/internal/nodes"
	"tradeloop/internal/notify"
	"tradeloop/internal/policy"
	"tradeloop/internal/provider"
	"tradeloop/internal/runner"
	"tradeloop/internal/state"
	"tradeloop/internal/store"
)

func main() {
	dbgF := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Error(ctx, "configuration load failed", "err", err.Error())
		os.Exit(1)
	}
	if cfg.OTLPEndpoint != "" {
		// The SDK exporter reads the standard variable at startup.
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	}

	clock := ids.NewClock()
	s, err := store.Open(ctx, cfg.DatabaseURL, clock)
	if err != nil {
		logging.Error(ctx, "store open failed", "path", cfg.DatabaseURL, "err", err.Error())
		os.Exit(1)
	}
	defer s.Close()

	var sink bus.Sink
	if cfg.RedisURL != "" {
		redisSink, err := bus.NewRedisSink(ctx, cfg.RedisURL)
		if err != nil {
			logging.Error(ctx, "redis sink init failed", "err", err.Error())
			os.Exit(1)
		}
		defer redisSink.Close(ctx)
		sink = redisSink
	}
	b := bus.New(s, sink)

	source := marketSource()
	paper := provider.NewPaper(s, source, clock)
	providers := map[state.ExecutionMode]provider.BrokerProvider{
		state.ModePaper:  paper,
		state.ModeReplay: provider.NewReplay(s),
	}
	var reconciler httpapi.Reconciler
	// The live provider needs exchange credentials; without them LIVE
	// confirmations are refused upstream, so the provider stays unwired.

	deps := &nodes.Deps{
		Store:     s,
		Bus:       b,
		Config:    cfg,
		Market:    source,
		Policy:    policy.New(cfg, s.TenantKillSwitch),
		Providers: providers,
		Clock:     clock,
	}
	r := runner.New(deps, cfg.ExecutionTimeout)
	if cfg.PushoverToken != "" && cfg.PushoverUser != "" {
		r.SetNotifier(notify.NewPushover(cfg.PushoverToken, cfg.PushoverUser))
	}
	gate := confirm.New(s, cfg, r, clock)
	api := httpapi.New(cfg, s, b, gate, r, reconciler)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info(ctx, "http server listening", "addr", cfg.HTTPAddr)
		errc <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "http server failed", "err", err.Error())
		}
	case sig := <-stop:
		logging.Info(ctx, "shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn(ctx, "graceful shutdown failed", "err", err.Error())
		}
	}
}

// marketSource selects the live exchange client or, for offline development,
// a deterministic fixture seeded with a couple of liquid pairs.
func marketSource() market.DataSource {
	if base := os.Getenv("MARKET_DATA_URL"); base != "" {
		return market.NewHTTPSource(base)
	}
	return market.NewFixtureSource(
		map[string]float64{"BTC-USD": 50000, "ETH-USD": 2000, "SOL-USD": 150},
		map[string]float64{"BTC-USD": 0.03, "ETH-USD": 0.01, "SOL-USD": 0.02},
	)
}
