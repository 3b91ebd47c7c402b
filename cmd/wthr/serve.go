package main

import (
	stderrors "errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/wthr/internal/admin"
	"github.com/vango-dev/wthr/internal/config"
	"github.com/vango-dev/wthr/internal/errors"
	"github.com/vango-dev/wthr/internal/logging"
	"github.com/vango-dev/wthr/pkg/forecast"
	"github.com/vango-dev/wthr/pkg/geo"
	"github.com/vango-dev/wthr/pkg/server"
)

type serveOptions struct {
	configPath      string
	interval        time.Duration
	sendTimeout     time.Duration
	resolveTimeout  time.Duration
	generateTimeout time.Duration
	maxConnections  int
	backlog         int
	metricsAddr     string
	fixedLocation   string
	ipinfoToken     string
	logLevel        string
	logFormat       string
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "Path to config file (default ./"+config.ConfigFileName+" if present)")
	f.DurationVar(&o.interval, "interval", 0, "Broadcast interval (default 24h)")
	f.DurationVar(&o.sendTimeout, "send-timeout", 0, "Per-client send timeout")
	f.DurationVar(&o.resolveTimeout, "resolve-timeout", 0, "Geolocation lookup timeout")
	f.DurationVar(&o.generateTimeout, "generate-timeout", 0, "Forecast generation timeout per client")
	f.IntVar(&o.maxConnections, "max-connections", 0, "Maximum registered clients (0 = unlimited)")
	f.IntVar(&o.backlog, "backlog", 0, "Listen queue length")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "Address for /metrics and /healthz (empty = disabled)")
	f.StringVar(&o.fixedLocation, "fixed-location", "", "Skip geolocation and use this lat,lon for every client")
	f.StringVar(&o.ipinfoToken, "ipinfo-token", "", "ipinfo.io access token")
	f.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&o.logFormat, "log-format", "", "Log format: text, json")
}

// apply overlays explicitly set flags onto cfg.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("interval") {
		cfg.Interval = config.Duration(o.interval)
	}
	if f.Changed("send-timeout") {
		cfg.SendTimeout = config.Duration(o.sendTimeout)
	}
	if f.Changed("resolve-timeout") {
		cfg.ResolveTimeout = config.Duration(o.resolveTimeout)
	}
	if f.Changed("generate-timeout") {
		cfg.GenerateTimeout = config.Duration(o.generateTimeout)
	}
	if f.Changed("max-connections") {
		cfg.MaxConnections = o.maxConnections
	}
	if f.Changed("backlog") {
		cfg.Backlog = o.backlog
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if f.Changed("fixed-location") {
		cfg.FixedLocation = o.fixedLocation
	}
	if f.Changed("ipinfo-token") {
		cfg.IPInfoToken = o.ipinfoToken
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
}

func runServe(cmd *cobra.Command, port string, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return errors.New("W102").Wrap(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := server.NewMetrics(server.WithRegistry(reg))

	srv := server.New(cfg.ServerConfig(port),
		newResolver(cmd, cfg, logger),
		forecast.NewProvider(forecast.NewClient(cfg.ForecastConfig(), forecast.WithLogger(logger))),
		server.WithLogger(logger),
		server.WithMetrics(metrics))

	if err := srv.Listen(); err != nil {
		return listenError(err)
	}
	success(cmd, "Listening on %s", srv.Addr())
	info(cmd, "Broadcasting every %s", cfg.Interval.Std())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ctx); err != nil {
			return errors.New("W203").Wrap(err)
		}
		return nil
	})
	if cfg.MetricsAddr != "" {
		adm := admin.NewServer(cfg.MetricsAddr, admin.NewHandler(reg, srv.Registry()), logger)
		info(cmd, "Metrics on %s", cfg.MetricsAddr)
		g.Go(func() error {
			if err := adm.Run(ctx); err != nil {
				return errors.New("W205").Wrap(err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	success(cmd, "Shut down cleanly")
	return nil
}

func newResolver(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) server.LocationResolver {
	if loc, ok := cfg.Location(); ok {
		warn(cmd, "Geolocation disabled; every client gets %s", loc)
		return geo.Fixed{Location: loc}
	}
	return geo.NewClient(cfg.GeoConfig(), geo.WithLogger(logger))
}

// listenError maps a Listen failure to its coded error.
func listenError(err error) error {
	switch {
	case stderrors.Is(err, server.ErrInvalidPort):
		return errors.New("W201").Wrap(err)
	case stderrors.Is(err, server.ErrBind):
		return errors.New("W202").Wrap(err)
	case stderrors.Is(err, server.ErrUnsupportedPlatform):
		return errors.New("W204").Wrap(err)
	}
	return errors.FromError(err, "W102")
}
