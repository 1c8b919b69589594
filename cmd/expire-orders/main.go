// Package main выполняет один обход зависших заказов из командной строки.
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

	"go.uber.org/zap"

	"github.com/mmeshcher/orderflow/internal/config"
	"github.com/mmeshcher/orderflow/internal/repository"
	"github.com/mmeshcher/orderflow/internal/scheduler"
	"github.com/mmeshcher/orderflow/internal/session"
)

type options struct {
	dryRun  bool
	timeout int
	verbose bool
	dsn     string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("expire-orders", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.dryRun, "dry-run", false, "report candidates without cancelling them")
	fs.IntVar(&opts.timeout, "timeout", 0, "cancellation timeout in minutes, overrides ORDER_CANCEL_TIMEOUT_MINUTES")
	fs.BoolVar(&opts.verbose, "verbose", false, "list every order")
	fs.StringVar(&opts.dsn, "d", "", "database URI, overrides DATABASE_URI")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.timeout < 0 {
		return opts, fmt.Errorf("timeout must not be negative, got %d", opts.timeout)
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	zcfg := zap.NewProductionConfig()
	if opts.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.ParseEnv()
	if err != nil {
		sugar.Errorw("configuration error", "error", err.Error())
		return 1
	}
	if opts.dsn != "" {
		cfg.DatabaseURI = opts.dsn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Errorw("database initialization error", "error", err.Error())
		return 1
	}
	defer repo.Close()

	var schedOpts []scheduler.Option
	if cfg.RedisAddr != "" {
		client, err := session.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			sugar.Errorw("redis initialization error", "error", err.Error())
			return 1
		}
		defer client.Close()
		schedOpts = append(schedOpts, scheduler.WithLease(session.NewStore(client, "orderflow").Lease("expire-orders")))
	}

	sched := scheduler.New(repo, repo, scheduler.Config{
		Timeout:       cfg.CancelTimeout(),
		ExpirePending: cfg.ExpirePending,
	}, logger, schedOpts...)

	report, err := sched.Sweep(ctx, scheduler.SweepOptions{
		DryRun:  opts.dryRun,
		Timeout: time.Duration(opts.timeout) * time.Minute,
	})
	if errors.Is(err, scheduler.ErrSweepInProgress) {
		fmt.Fprintln(stdout, "another sweep is in progress, nothing done")
		return 0
	}
	if err != nil {
		sugar.Errorw("sweep failed", "error", err.Error())
		return 1
	}

	printReport(stdout, report, opts.verbose)
	return 0
}

func printReport(w io.Writer, report *scheduler.SweepReport, verbose bool) {
	listed := report.Cancelled
	if report.DryRun {
		fmt.Fprintf(w, "dry run: %d orders would be cancelled (timeout %s)\n", len(report.Candidates), report.Timeout)
		listed = report.Candidates
	} else {
		fmt.Fprintf(w, "cancelled %d orders (timeout %s), skipped %d, failed %d\n",
			report.CancelledCount(), report.Timeout, report.Skipped, report.Failed)
	}

	if !verbose {
		return
	}
	for _, c := range listed {
		fmt.Fprintf(w, "  %s  %-10s  %-5s  %s  idle %s\n",
			c.Number, c.Status, c.PaymentMethod, c.Amount.StringFixed(2), c.Age.Round(time.Second))
	}
}
