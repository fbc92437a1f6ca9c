package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"go.uber.org/multierr"

	"github.com/omniviewdev/resclient/pkg/v1/resource"
	"github.com/omniviewdev/resclient/pkg/v1/resource/wsconn"
)

const ResWatchVersion = "0.1.0"

const usage = `Watch RES resources and print their events.

Usage:
    reswatch [--config=<path>] [--url=<url>] [--debug] <rid>...
    reswatch -h | --help
    reswatch --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML client configuration.
    --url=<url>        Gateway URL, e.g. ws://localhost:8080. Overrides the configuration.
    --debug            Log every frame sent and received.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], ResWatchVersion)
	if err != nil {
		panic(err)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts docopt.Opts) (err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	rids, _ := opts["<rid>"].([]string)

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdown, err := newTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, shutdown(context.Background()))
	}()

	transport, err := wsconn.New(cfg.URL,
		wsconn.WithLogger(logger),
		wsconn.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		return err
	}

	clientOpts := []resource.Option{
		resource.WithConfig(cfg),
		resource.WithLogger(logger),
		resource.WithTracerProvider(tp),
	}
	client := resource.NewClient(transport, clientOpts...)
	defer client.Disconnect()

	p := newPrinter(os.Stdout)
	client.AddListener(p)
	if err := watch(ctx, client, p, rids); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func loadConfig(opts docopt.Opts) (resource.Config, error) {
	cfg := resource.DefaultConfig()
	if path, _ := opts.String("--config"); path != "" {
		var err error
		if cfg, err = resource.LoadConfig(path); err != nil {
			return resource.Config{}, err
		}
	}
	if url, _ := opts.String("--url"); url != "" {
		cfg.URL = url
	}
	if debug, _ := opts.Bool("--debug"); debug {
		cfg.Debug = true
	}
	if cfg.URL == "" {
		return resource.Config{}, fmt.Errorf("no gateway url: set --url or url in the configuration")
	}
	return cfg, nil
}

// watch fetches every rid, prints it and prints its events from then on.
// All rids are attempted; the errors are combined.
func watch(ctx context.Context, client *resource.Client, p *printer, rids []string) error {
	var errs error
	for _, rid := range rids {
		r, err := client.Get(ctx, rid)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("get %s: %w", rid, err))
			continue
		}
		p.Resource(r)
		if _, err := client.ResourceOn(rid, p.Event); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listen %s: %w", rid, err))
		}
	}
	return errs
}
