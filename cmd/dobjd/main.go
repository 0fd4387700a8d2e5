// Command dobjd serves distributed objects to framed CBOR sessions, and
// optionally answers cross-domain policy requests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-dobj/config"
	"github.com/joeycumines/go-dobj/conmgr"
	"github.com/joeycumines/go-dobj/dobj"
	"github.com/joeycumines/go-dobj/policy"
	"github.com/joeycumines/go-dobj/session"
	"github.com/joeycumines/logiface"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const statsInterval = time.Minute

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("dobjd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	logger, err := cfg.Log.NewLogger(stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Crit().Err(err).Log("dobjd: exiting after failure")
		return 1
	}
	logger.Info().Log("dobjd: stopped")
	return 0
}

func serve(ctx context.Context, cfg config.Config, logger *logiface.Logger[logiface.Event]) error {
	meters := sdkmetric.NewMeterProvider()
	defer func() { _ = meters.Shutdown(context.Background()) }()

	objects, err := dobj.New(dobj.WithLogger(logger), dobj.WithMeterProvider(meters))
	if err != nil {
		return err
	}
	root, err := objects.RegisterObject(dobj.NewDObject(map[string]any{
		"name":    "root",
		"started": time.Now().Unix(),
	}))
	if err != nil {
		return err
	}

	sessions, err := session.New(objects, cfg.Conmgr(),
		session.WithLogger(logger),
		session.WithMeterProvider(meters),
		session.WithMaxFrameSize(cfg.MaxFrameSize),
		session.WithRequestRate(rate.Limit(cfg.RequestRate), cfg.RequestBurst),
	)
	if err != nil {
		return err
	}
	if err := sessions.Listen(); err != nil {
		return err
	}

	var policies *policy.Server
	if cfg.Policy.Enabled {
		policies, err = policy.New(cfg.PolicyServer(), policy.WithLogger(logger), policy.WithMeterProvider(meters))
		if err != nil {
			return err
		}
		if err := policies.Listen(); err != nil {
			logger.Err().Err(err).Log("dobjd: policy responder disabled")
			policies.Shutdown()
			policies = nil
		}
	}

	stats := objects.NewInterval(func() {
		st, cs := objects.Stats(), sessions.Stats()
		logger.Info().
			Int("objects", st.Objects).
			Uint64("applied", st.Applied).
			Uint64("rejected", st.Rejected).
			Int("connections", cs.Connections).
			Int("sessions", sessions.Sessions()).
			Uint64("bytes_in", cs.BytesIn).
			Uint64("bytes_out", cs.BytesOut).
			Log("dobjd: stats")
	})
	if err := stats.Schedule(statsInterval, true); err != nil {
		return err
	}

	logger.Info().
		Uint64("root", uint64(root)).
		Any("addrs", sessions.Addrs()).
		Log("dobjd: serving")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return objects.Run(context.Background())
	})
	g.Go(func() error {
		return ignoreCanceled(sessions.Run(gctx))
	})
	if policies != nil {
		g.Go(func() error {
			return ignoreCanceled(policies.Run(gctx))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sessions.Shutdown()
		<-sessions.Done()
		if policies != nil {
			policies.Shutdown()
			<-policies.Done()
		}
		stats.Cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := objects.Shutdown(shutdownCtx); err != nil {
			logger.Warning().Err(err).Log("dobjd: graceful shutdown timed out")
			objects.HarshShutdown()
		}
		return nil
	})
	return g.Wait()
}

// ignoreCanceled drops the errors of a server stopped before or by
// shutdown.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, conmgr.ErrManagerClosed) {
		return nil
	}
	return err
}
