package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/qlandys/FusionTerminal-sub000/internal/book"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange/binance"
	"github.com/qlandys/FusionTerminal-sub000/internal/exchange/mexc"
	"github.com/qlandys/FusionTerminal-sub000/internal/infra"
	"github.com/qlandys/FusionTerminal-sub000/internal/ladder"
	"github.com/qlandys/FusionTerminal-sub000/internal/storage"
	"github.com/qlandys/FusionTerminal-sub000/internal/tick"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	symbol := flag.String("symbol", "", "override feed symbol")
	exchangeName := flag.String("exchange", "", "override feed exchange")
	proxyStr := flag.String("proxy", "", "override proxy string")
	record := flag.Bool("record", false, "force trade recording on")
	flag.Parse()

	if *configPath == "" {
		*configPath = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Feed.Symbol = strings.ToUpper(*symbol)
	}
	if *exchangeName != "" {
		cfg.Feed.Exchange = *exchangeName
	}
	if *proxyStr != "" {
		cfg.Proxy = *proxyStr
	}
	if *record {
		cfg.Record.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := infra.NewLogger(cfg)
	infra.PrintBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *infra.Config, logger *slog.Logger) error {
	reg := infra.InitMetrics(logger)

	proxy, err := infra.ParseProxy(cfg.Proxy)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	rest, err := exchange.NewRestClient(proxy, logger)
	if err != nil {
		return fmt.Errorf("rest client: %w", err)
	}

	proto, err := buildProtocol(cfg)
	if err != nil {
		return err
	}

	// tick size is load-bearing for everything downstream; no feed without it
	resolveCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	inst, err := proto.ResolveInstrument(resolveCtx, rest)
	cancel()
	if err != nil {
		return fmt.Errorf("resolve instrument %s: %w", cfg.Feed.Symbol, err)
	}
	codec, err := tick.NewCodec(inst.TickSize)
	if err != nil {
		return fmt.Errorf("tick size %v: %w", inst.TickSize, err)
	}
	proto.UseCodec(codec)
	logger.Info("instrument resolved",
		"symbol", inst.Symbol, "tick_size", inst.TickSize, "exact", codec.Exact())

	bk := book.New(codec)
	pub := ladder.NewPublisher(bk, ladder.Config{
		Symbol:   cfg.Feed.Symbol,
		Levels:   cfg.Feed.LadderLevels,
		Throttle: time.Duration(cfg.Feed.ThrottleMS) * time.Millisecond,
	}, logger)

	tradeSinks := []exchange.TradeSink{pub}

	var rec *storage.Recorder
	var snaps *storage.SnapshotManager
	if cfg.Record.Enabled {
		unlock, err := infra.CreateLockFile(cfg.Record.Path)
		if err != nil {
			return fmt.Errorf("recorder: %w", err)
		}
		defer unlock()
		rec, err = storage.NewRecorder(cfg.Record.Path, cfg.Feed.Symbol, cfg.Feed.Exchange, logger)
		if err != nil {
			return fmt.Errorf("recorder: %w", err)
		}
		defer rec.Close()
		tradeSinks = append(tradeSinks, rec)
		snapDir := strings.TrimSuffix(cfg.Record.Path, filepath.Ext(cfg.Record.Path)) + ".snapshots"
		snaps = storage.NewSnapshotManager(snapDir, 5)
	}

	adapter := exchange.NewAdapter(proto, rest, bk, proxy, pub, exchange.AdapterConfig{
		CacheLevels:    cfg.Feed.CacheLevels,
		ResyncInterval: time.Duration(cfg.Feed.ResyncIntervalSec) * time.Second,
	}, logger, tradeSinks...)

	if rec != nil {
		adapter.OnResync = func(reason string) {
			if err := rec.RecordResync(context.Background(), reason, time.Now().UnixMilli()); err != nil {
				logger.Warn("resync audit failed", "err", err)
			}
			if err := snaps.Capture(bk, cfg.Feed.Symbol, cfg.Feed.Exchange, reason, cfg.Feed.LadderLevels); err != nil {
				logger.Warn("book snapshot failed", "err", err)
			}
		}
	}

	var fanout *ladder.Server
	if cfg.Downstream.Listen != "" {
		fanout = ladder.NewServer(cfg.Downstream.Listen, pub, logger)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return adapter.Run(ctx) })
	g.Go(func() error { return pub.Run(ctx) })
	if rec != nil {
		g.Go(func() error { return rec.Run(ctx) })
	}
	if fanout != nil {
		g.Go(func() error { return fanout.Run(ctx) })
	}
	if cfg.Debug.Listen != "" {
		g.Go(func() error { return serveDebug(ctx, cfg.Debug.Listen, reg, logger) })
	}
	g.Go(func() error { return streamOutput(ctx, pub, fanout) })
	g.Go(func() error {
		readControl(ctx, os.Stdin, pub, logger)
		return nil
	})

	logger.Info("bookfeed running",
		"exchange", cfg.Feed.Exchange, "symbol", cfg.Feed.Symbol,
		"levels", cfg.Feed.LadderLevels)

	return g.Wait()
}

func buildProtocol(cfg *infra.Config) (exchange.Protocol, error) {
	switch cfg.Feed.Exchange {
	case infra.ExchangeBinance:
		return binance.New(binance.Config{
			Symbol:        cfg.Feed.Symbol,
			SnapshotDepth: cfg.Feed.SnapshotDepth,
		}), nil
	case infra.ExchangeBinanceFutures:
		return binance.New(binance.Config{
			Symbol:        cfg.Feed.Symbol,
			Futures:       true,
			SnapshotDepth: cfg.Feed.SnapshotDepth,
		}), nil
	case infra.ExchangeMexc:
		return mexc.New(mexc.Config{
			Symbol:        cfg.Feed.Symbol,
			SnapshotDepth: cfg.Feed.SnapshotDepth,
		}), nil
	case infra.ExchangeMexcJSON:
		return mexc.New(mexc.Config{
			Symbol:        cfg.Feed.Symbol,
			JSON:          true,
			SnapshotDepth: cfg.Feed.SnapshotDepth,
		}), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Feed.Exchange)
	}
}

// streamOutput copies publisher lines to stdout, batching flushes, and
// mirrors every line to the fan-out server when one is running.
func streamOutput(ctx context.Context, pub *ladder.Publisher, fanout *ladder.Server) error {
	w := bufio.NewWriterSize(os.Stdout, 64<<10)
	emit := func(line []byte) error {
		if fanout != nil {
			fanout.Broadcast(line)
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	}

	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return ctx.Err()
		case line := <-pub.Out():
			if err := emit(line); err != nil {
				return err
			}
			for drained := false; !drained; {
				select {
				case line := <-pub.Out():
					if err := emit(line); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

// readControl feeds command lines from in into the publisher. A closed input
// just ends control input, it does not stop the feed. The scanner runs in its
// own goroutine because a read on an idle terminal never returns; shutdown
// must not wait for it.
func readControl(ctx context.Context, in io.Reader, pub *ladder.Publisher, logger *slog.Logger) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-lines:
			if !ok {
				return
			}
			line := strings.TrimSpace(text)
			if line == "" {
				continue
			}
			if err := pub.HandleCommand([]byte(line)); err != nil {
				logger.Warn("control", "err", err)
			}
		}
	}
}

func serveDebug(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	r := mux.NewRouter()
	r.Handle("/metrics", infra.MetricsHandler(reg))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("debug server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
