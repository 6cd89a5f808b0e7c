// Busworker runs a JavaScript handler module against a message bus.
//
// Usage:
//
//	busworker [flags]
//	busworker -config /path/to/busworker.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/busworker"
	"github.com/cryguy/busworker/internal/config"
	"github.com/cryguy/busworker/internal/journal"
	"github.com/cryguy/busworker/internal/logging"
	"github.com/cryguy/busworker/internal/tracing"
)

// version is set at build time via ldflags.
var version = "dev"

const (
	serviceName     = "busworker"
	shutdownTimeout = 30 * time.Second
	pruneInterval   = time.Hour
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/busworker.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("busworker %s (%s)\n", version, busworker.Backend)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "busworker: loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	log.Info().
		Str("version", version).
		Str("backend", busworker.Backend).
		Str("config", cfg.Source).
		Msg("busworker starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("busworker failed")
		os.Exit(1)
	}
	log.Info().Msg("busworker stopped")
}

// run starts the bus and blocks until ctx is cancelled, then disposes it.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	source, err := os.ReadFile(cfg.Handlers.Module)
	if err != nil {
		return fmt.Errorf("reading handler module: %w", err)
	}

	opts := []busworker.Option{busworker.WithLogger(log)}
	var jrn *journal.Journal
	if cfg.Journal.Enabled {
		jrn, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer jrn.Close()
		opts = append(opts, busworker.WithRecorder(jrn))
	}

	bus, err := open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := bus.Dispose(dctx); err != nil {
			log.Warn().Err(err).Msg("dispose")
		}
	}()

	if err := bus.LoadModule(ctx, string(source)); err != nil {
		return fmt.Errorf("loading %s: %w", cfg.Handlers.Module, err)
	}
	for _, s := range cfg.Handlers.Subscriptions {
		if _, err := bus.Subscribe(ctx, s.Exchange, s.RoutingKey, s.Export, s.Timeouts()); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", s.Exchange, s.RoutingKey, err)
		}
	}
	for _, r := range cfg.Handlers.Resources {
		if _, err := bus.ProvideResource(ctx, r.RoutingKey, r.Export, r.Timeouts()); err != nil {
			return fmt.Errorf("provide resource %s: %w", r.RoutingKey, err)
		}
	}
	log.Info().Int("registrations", len(bus.Registrations())).Msg("handlers registered")

	g, gctx := errgroup.WithContext(ctx)
	if jrn != nil && cfg.Journal.Retention > 0 {
		g.Go(func() error {
			prune(gctx, jrn, cfg.Journal.Retention, log)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func open(ctx context.Context, cfg *config.Config, opts []busworker.Option) (*busworker.EventBus, error) {
	switch cfg.Engine {
	case config.EngineMemory:
		return busworker.NewInMemory(cfg.Bridge, opts...)
	case config.EngineAMQP:
		return busworker.Dial(ctx, cfg.AMQP, cfg.Bridge, opts...)
	default:
		return nil, errors.New("unknown engine " + cfg.Engine)
	}
}

// prune drops journal entries older than retention every pruneInterval.
func prune(ctx context.Context, j *journal.Journal, retention time.Duration, log zerolog.Logger) {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		n, err := j.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("pruning journal")
		} else if n > 0 {
			log.Debug().Int64("removed", n).Msg("journal pruned")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
