package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recordstore/internal/config"
	"recordstore/internal/lock"
	"recordstore/internal/metrics"
	"recordstore/internal/metrics/datadog"
	"recordstore/internal/metrics/prompush"
	"recordstore/internal/service"
	"recordstore/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "recordstore/internal/storage/all"
)

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

// appDeps are the side-effecting steps of startup, replaceable in tests.
type appDeps struct {
	loadConfig  func(path string) (config.Config, error)
	newLogger   func(config.Log) (*zap.Logger, error)
	initMetrics func(ctx context.Context, m config.Metrics, log *zap.Logger) (func(), error)
	openStore   func(ctx context.Context, s config.Storage) (storage.Gateway, error)
	openLocker  func(ctx context.Context, l config.Lock) (lock.Locker, func() error, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		newLogger:   newLogger,
		initMetrics: initMetrics,
		openStore: func(ctx context.Context, s config.Storage) (storage.Gateway, error) {
			return storage.Open(ctx, storage.Config{Kind: s.Kind, DSN: s.DSN, MaxConns: s.MaxConns})
		},
		openLocker: func(ctx context.Context, l config.Lock) (lock.Locker, func() error, error) {
			return lock.Open(ctx, lock.Options{Kind: l.Kind, RedisAddr: l.RedisAddr, TTL: l.TTL.Duration})
		},
	}
}

// runMain executes one command and returns the process exit code: 0 on
// success, 2 for usage errors, 1 for everything else.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	a := &app{deps: deps, stdout: stdout, stderr: stderr}
	defer a.close()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(os.Stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	if isUsageError(err) {
		fmt.Fprintln(stderr, "run 'recordstore --help' for usage")
		return 2
	}
	return 1
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, v ...any) error { return usageError{fmt.Errorf(format, v...)} }

// usageArgs marks positional argument failures as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func isUsageError(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "required flag")
}

// app carries what every command needs once setup has run.
type app struct {
	deps       appDeps
	stdout     io.Writer
	stderr     io.Writer
	configPath string

	log     *zap.Logger
	svc     *service.Service
	closers []func()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "recordstore",
		Short: "Multi-tenant tabular record store",
		Long: "Load JSON, TSV and PFB data into collections of typed record tables, " +
			"then query, describe and export them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// cobra checks required flags only after this hook.
			if err := cmd.ValidateRequiredFlags(); err != nil {
				return usageError{err}
			}
			if cmd.Annotations[skipSetup] != "" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("RECORDSTORE_CONFIG"),
		"config file (.json, .yaml); defaults to an in-memory sqlite store")

	root.AddCommand(
		a.collectionCmd(),
		a.importCmd(),
		a.describeCmd(),
		a.typesCmd(),
		a.queryCmd(),
		a.getCmd(),
		a.exportCmd(),
		a.deleteTypeCmd(),
		a.probeCmd(),
	)
	return root
}

// setup loads and validates the config, then builds the logger, metrics,
// store, lock and service in that order. Anything opened is released by
// close, even when a later step fails.
func (a *app) setup(ctx context.Context) error {
	cfg := config.Default()
	if strings.TrimSpace(a.configPath) != "" {
		var err error
		if cfg, err = a.deps.loadConfig(a.configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintf(a.stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return errors.New("invalid configuration")
	}

	log, err := a.deps.newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, func() { _ = log.Sync() })

	cleanup, err := a.deps.initMetrics(ctx, cfg.Metrics, log)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	gw, err := a.deps.openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, gw.Close)

	locker, closeLock, err := a.deps.openLocker(ctx, cfg.Lock)
	if err != nil {
		return fmt.Errorf("open lock: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := closeLock(); err != nil {
			log.Warn("close lock", zap.Error(err))
		}
	})

	a.svc = service.New(gw, service.Options{
		Logger:         log,
		Locker:         locker,
		BatchSize:      cfg.Write.BatchSize,
		EagerReconcile: !*cfg.Write.ReconcileOnDemand,
	})
	log.Debug("ready",
		zap.String("storage", cfg.Storage.Kind),
		zap.String("lock", cfg.Lock.Kind),
		zap.String("metrics", cfg.Metrics.Backend),
	)
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// metricsBackend is a metrics.Backend whose buffered data is sent on Close.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// pushBackend pushes once, at Close.
type pushBackend struct{ *prompush.Backend }

func (b pushBackend) Close() error { return b.Flush() }

var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (metricsBackend, error) {
		b, err := prompush.NewBackend(job, url)
		if err != nil {
			return nil, err
		}
		return pushBackend{b}, nil
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics wires the configured backend into the metrics package. The
// returned cleanup is never nil; it flushes and logs flush failures.
func initMetrics(ctx context.Context, m config.Metrics, log *zap.Logger) (func(), error) {
	var (
		b   metricsBackend
		err error
	)
	switch m.Backend {
	case "", "none":
		return func() {}, nil

	case "pushgateway":
		// Pushgateway URL: config → env → default.
		url := m.PushgatewayURL
		if url == "" {
			url = os.Getenv("PUSHGATEWAY_URL")
		}
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err = newPushBackend(m.Job, url)
		if err != nil {
			return nil, fmt.Errorf("pushgateway: %w", err)
		}
		log.Info("metrics enabled", zap.String("backend", m.Backend), zap.String("url", url), zap.String("job", m.Job))

	case "datadog":
		// The backend flushes on its own every FlushEvery and once more on
		// Close, so long imports produce a time series rather than one point.
		tags := append(append([]string(nil), m.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName:    m.Job,
			Tags:       tags,
			FlushEvery: m.FlushEvery.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("datadog: %w", err)
		}
		log.Info("metrics enabled", zap.String("backend", m.Backend), zap.String("job", m.Job), zap.Strings("tags", tags))

	default:
		return nil, fmt.Errorf("unknown metrics backend %q", m.Backend)
	}

	setMetricsBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			log.Warn("metrics: close error", zap.String("backend", m.Backend), zap.Error(err))
		}
	}, nil
}
