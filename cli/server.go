package cli

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"time"

	"github.com/coder/serpent"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/gallatin/accesslog"
	"github.com/coder/gallatin/buildinfo"
	"github.com/coder/gallatin/cli/clilog"
	"github.com/coder/gallatin/dispatcher"
	"github.com/coder/gallatin/filter"
	"github.com/coder/gallatin/netconn"
	"github.com/coder/gallatin/proxy"
	"github.com/coder/gallatin/session"
)

type serverConfig struct {
	address            string
	bindAddressOrdinal int64
	port               int64
	maxClients         int64
	receiveBufferSize  byteSize
	inactivityTimeout  time.Duration
	connectTimeout     time.Duration
	maxPendingBytes    byteSize

	filtersEnabled bool
	filterRules    string

	accessLogJSONL         string
	accessLogSQLite        string
	accessLogFlushInterval time.Duration

	prometheusAddress string

	logHuman   string
	logJSON    string
	verbose    bool
	logFilters []string
}

func (c *serverConfig) options() serpent.OptionSet {
	return serpent.OptionSet{
		{
			Flag:        "address",
			Env:         "GALLATIN_ADDRESS",
			Default:     "0.0.0.0",
			Description: "IP address the proxy listens on.",
			Value:       serpent.StringOf(&c.address),
		},
		{
			Flag:        "bind-address-ordinal",
			Env:         "GALLATIN_BIND_ADDRESS_ORDINAL",
			Default:     "0",
			Description: "Listen on the Nth non-loopback IPv4 address of this host instead of --address. 0 uses --address.",
			Value:       serpent.Int64Of(&c.bindAddressOrdinal),
		},
		{
			Flag:        "port",
			Env:         "GALLATIN_PORT",
			Default:     "8080",
			Description: "TCP port the proxy listens on.",
			Value:       serpent.Int64Of(&c.port),
		},
		{
			Flag:        "max-clients",
			Env:         "GALLATIN_MAX_CLIENTS",
			Default:     strconv.Itoa(proxy.DefaultMaxClients),
			Description: "Maximum number of concurrent client connections. Extra connections are closed on accept.",
			Value:       serpent.Int64Of(&c.maxClients),
		},
		{
			Flag:        "receive-buffer-size",
			Env:         "GALLATIN_RECEIVE_BUFFER_SIZE",
			Default:     humanize.IBytes(netconn.DefaultBufferSize),
			Description: "Size of each socket read.",
			Value:       &c.receiveBufferSize,
		},
		{
			Flag:        "inactivity-timeout",
			Env:         "GALLATIN_INACTIVITY_TIMEOUT",
			Default:     proxy.DefaultInactivityTimeout.String(),
			Description: "Close sessions that saw no traffic for this long. 0 disables the check.",
			Value:       serpent.DurationOf(&c.inactivityTimeout),
		},
		{
			Flag:        "connect-timeout",
			Env:         "GALLATIN_CONNECT_TIMEOUT",
			Default:     dispatcher.DefaultConnectTimeout.String(),
			Description: "How long to wait for a destination server to accept a connection.",
			Value:       serpent.DurationOf(&c.connectTimeout),
		},
		{
			Flag:        "max-pending-bytes",
			Env:         "GALLATIN_MAX_PENDING_BYTES",
			Default:     humanize.IBytes(session.DefaultMaxPendingBytes),
			Description: "Client data buffered while a destination server is being connected.",
			Value:       &c.maxPendingBytes,
		},
		{
			Flag:        "filters-enabled",
			Env:         "GALLATIN_FILTERS_ENABLED",
			Description: "Enable filtering even if the rules file leaves it off.",
			Value:       serpent.BoolOf(&c.filtersEnabled),
		},
		{
			Flag:        "filter-rules",
			Env:         "GALLATIN_FILTER_RULES",
			Description: "Path to a YAML file with filter rules.",
			Value:       serpent.StringOf(&c.filterRules),
		},
		{
			Flag:        "access-log-jsonl",
			Env:         "GALLATIN_ACCESS_LOG_JSONL",
			Description: "Write access log entries as JSON lines to this file. The file is rotated by size.",
			Value:       serpent.StringOf(&c.accessLogJSONL),
		},
		{
			Flag:        "access-log-sqlite",
			Env:         "GALLATIN_ACCESS_LOG_SQLITE",
			Description: "Write access log entries to this SQLite database.",
			Value:       serpent.StringOf(&c.accessLogSQLite),
		},
		{
			Flag:        "access-log-flush-interval",
			Env:         "GALLATIN_ACCESS_LOG_FLUSH_INTERVAL",
			Default:     accesslog.DefaultFlushInterval.String(),
			Description: "How often buffered access log entries are written.",
			Value:       serpent.DurationOf(&c.accessLogFlushInterval),
		},
		{
			Flag:        "prometheus-address",
			Env:         "GALLATIN_PROMETHEUS_ADDRESS",
			Description: "Serve Prometheus metrics on this address, e.g. 127.0.0.1:2112.",
			Value:       serpent.StringOf(&c.prometheusAddress),
		},
		{
			Flag:        "log-human",
			Env:         "GALLATIN_LOGGING_HUMAN",
			Default:     "/dev/stderr",
			Description: "Output human-readable logs to a given file.",
			Value:       serpent.StringOf(&c.logHuman),
		},
		{
			Flag:        "log-json",
			Env:         "GALLATIN_LOGGING_JSON",
			Description: "Output JSON logs to a given file.",
			Value:       serpent.StringOf(&c.logJSON),
		},
		{
			Flag:          "verbose",
			FlagShorthand: "v",
			Env:           "GALLATIN_VERBOSE",
			Description:   "Output debug-level logs.",
			Value:         serpent.BoolOf(&c.verbose),
		},
		{
			Flag:        "log-filter",
			Env:         "GALLATIN_LOG_FILTER",
			Description: "Filter debug logs by matching against a given regex. Use .* to match all debug logs.",
			Value:       serpent.StringArrayOf(&c.logFilters),
		},
	}
}

func (c *serverConfig) logBuilder() *clilog.Builder {
	opts := []clilog.Option{
		clilog.WithHuman(c.logHuman),
		clilog.WithJSON(c.logJSON),
		clilog.WithFilter(c.logFilters...),
	}
	if c.verbose {
		opts = append(opts, clilog.WithVerbose())
	}
	return clilog.New(opts...)
}

func (r *RootCmd) server() *serpent.Command {
	cfg := &serverConfig{}
	return &serpent.Command{
		Use:     "server",
		Short:   "Run the proxy",
		Options: cfg.options(),
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), StopSignals...)
			defer stop()

			logger, closeLog, err := cfg.logBuilder().Build(inv.Stdout, inv.Stderr)
			if err != nil {
				return xerrors.Errorf("build logger: %w", err)
			}
			defer closeLog()

			return r.runServer(ctx, logger, cfg)
		},
	}
}

func (r *RootCmd) runServer(ctx context.Context, logger slog.Logger, cfg *serverConfig) error {
	if cfg.port < 0 || cfg.port > 65535 {
		return xerrors.Errorf("invalid port %d", cfg.port)
	}
	address, err := proxy.ResolveBindAddress(cfg.address, int(cfg.bindAddressOrdinal))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := proxy.NewMetrics(reg)

	rules := filter.DefaultRules()
	if cfg.filterRules != "" {
		rules, err = filter.LoadRules(r.fs(), cfg.filterRules)
		if err != nil {
			return err
		}
	}
	if cfg.filtersEnabled {
		rules.Enabled = true
	}

	var sinks []accesslog.Sink
	if cfg.accessLogJSONL != "" {
		sinks = append(sinks, accesslog.NewJSONLSink(cfg.accessLogJSONL, 100, 3))
	}
	if cfg.accessLogSQLite != "" {
		sink, err := accesslog.OpenSQLite(ctx, cfg.accessLogSQLite)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return err
		}
		sinks = append(sinks, sink)
	}
	var accessLog accesslog.Writer = accesslog.Nop
	if len(sinks) > 0 {
		manager := accesslog.New(accesslog.Options{
			Sinks:         sinks,
			Logger:        logger,
			FlushInterval: cfg.accessLogFlushInterval,
		})
		defer func() {
			if err := manager.Close(); err != nil {
				logger.Warn(context.Background(), "close access log", slog.Error(err))
			}
		}()
		accessLog = manager
	}

	listenAddr := net.JoinHostPort(address, strconv.FormatInt(cfg.port, 10))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return xerrors.Errorf("listen on %s: %w", listenAddr, err)
	}

	logger.Info(ctx, "starting gallatin proxy",
		slog.F("version", buildinfo.Version()),
		slog.F("address", ln.Addr().String()),
		slog.F("max_clients", cfg.maxClients),
		slog.F("inactivity_timeout", cfg.inactivityTimeout),
		slog.F("max_pending", humanize.IBytes(uint64(cfg.maxPendingBytes))),
		slog.F("filters_enabled", rules.Enabled),
	)

	srv := proxy.New(proxy.Options{
		Logger:            logger,
		Filter:            rules.ProxyFilter(logger, metrics.FilterVerdicts),
		AccessLog:         accessLog,
		Metrics:           metrics,
		MaxClients:        cfg.maxClients,
		InactivityTimeout: cfg.inactivityTimeout,
		BufferSize:        cfg.receiveBufferSize.Int(),
		ConnectTimeout:    cfg.connectTimeout,
		MaxPendingBytes:   cfg.maxPendingBytes.Int(),
	})

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Serve(egCtx, ln)
	})
	if cfg.prometheusAddress != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.prometheusAddress,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			logger.Info(egCtx, "serving prometheus metrics", slog.F("address", cfg.prometheusAddress))
			err := metricsSrv.ListenAndServe()
			if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("serve metrics: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err = eg.Wait()
	logger.Info(context.Background(), "gallatin proxy stopped")
	return err
}
