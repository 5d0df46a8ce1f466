package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/ivory/rpc"
	"gosuda.org/ivory/rpc/metrics"
	"gosuda.org/ivory/rpc/utils/wsstream"
)

var rootCmd = &cobra.Command{
	Use:          "ivory-server",
	Short:        "Lightweight multiplexed RPC server",
	SilenceUsage: true,
	RunE:         runServer,
}

var (
	flagConfig         string
	flagAddress        string
	flagTransport      string
	flagWSPath         string
	flagMaxConnections int64
	flagMaxFrameSize   string
	flagBackoffUnit    time.Duration
	flagMetricsListen  string
	flagLogLevel       string
)

func init() {
	defaults := defaultConfig()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", os.Getenv("IVORY_CONFIG"), "YAML config file; flags override it (env: IVORY_CONFIG)")
	flags.StringVar(&flagAddress, "address", envOrDefault("IVORY_ADDRESS", defaults.Address), "listen address (env: IVORY_ADDRESS)")
	flags.StringVar(&flagTransport, "transport", envOrDefault("IVORY_TRANSPORT", defaults.Transport), "byte stream transport: tcp or ws (env: IVORY_TRANSPORT)")
	flags.StringVar(&flagWSPath, "ws-path", envOrDefault("IVORY_WS_PATH", defaults.WSPath), "HTTP path of the websocket endpoint (env: IVORY_WS_PATH)")
	flags.Int64Var(&flagMaxConnections, "max-connections", envInt64("IVORY_MAX_CONNECTIONS", 0), "maximum concurrent connections, 0 for no bound (env: IVORY_MAX_CONNECTIONS)")
	flags.StringVar(&flagMaxFrameSize, "max-frame-size", envOrDefault("IVORY_MAX_FRAME_SIZE", ""), "largest accepted frame body, e.g. 16MiB (env: IVORY_MAX_FRAME_SIZE)")
	flags.DurationVar(&flagBackoffUnit, "backoff-unit", defaults.BackoffUnit, "base delay between accept retries")
	flags.StringVar(&flagMetricsListen, "metrics-listen", envOrDefault("IVORY_METRICS_LISTEN", ""), "serve Prometheus metrics on this address (env: IVORY_METRICS_LISTEN)")
	flags.StringVar(&flagLogLevel, "log-level", envOrDefault("IVORY_LOG_LEVEL", defaults.LogLevel), "log level (env: IVORY_LOG_LEVEL)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

// resolveConfig layers the config file under the flags that were set.
func resolveConfig(cmd *cobra.Command) (*ServerConfig, error) {
	cfg := defaultConfig()
	if flagConfig != "" {
		loaded, err := LoadConfig(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}

	flags := cmd.Flags()
	override := func(name string, apply func()) {
		if flagConfig == "" || flags.Changed(name) {
			apply()
		}
	}
	override("address", func() { cfg.Address = flagAddress })
	override("transport", func() { cfg.Transport = flagTransport })
	override("ws-path", func() { cfg.WSPath = flagWSPath })
	override("max-connections", func() { cfg.MaxConnections = flagMaxConnections })
	override("max-frame-size", func() { cfg.MaxFrameSize = flagMaxFrameSize })
	override("backoff-unit", func() { cfg.BackoffUnit = flagBackoffUnit })
	override("metrics-listen", func() { cfg.MetricsListen = flagMetricsListen })
	override("log-level", func() { cfg.LogLevel = flagLogLevel })

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	maxFrame, _ := cfg.maxFrameBytes()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	var srv *rpc.Server
	mux := newServiceMux(started, func() int64 { return srv.CurrentConnections() })

	observers := rpc.MultiObserver{rpc.LogObserver{}}
	var httpServers []*http.Server
	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observers = append(observers, metrics.New(metrics.WithRegistry(reg)))

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		httpServers = append(httpServers, metricsSrv)
		go func() {
			log.Info().Str("addr", cfg.MetricsListen).Msg("[server] metrics http")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("[server] metrics http error")
			}
		}()
	}

	builder := rpc.NewServerBuilder().
		Address(cfg.Address).
		MaxConnections(cfg.MaxConnections).
		MaxFrameSize(maxFrame).
		BackoffUnit(cfg.BackoffUnit).
		Dispatcher(mux).
		Observer(observers)

	if cfg.Transport == transportWS {
		wsSrv, ln, err := listenWebSocket(cfg.Address, cfg.WSPath)
		if err != nil {
			return err
		}
		httpServers = append(httpServers, wsSrv)
		builder.Listener(ln)
	}

	srv, err = builder.Build()
	if err != nil {
		return err
	}

	log.Info().
		Str("address", cfg.Address).
		Str("transport", cfg.Transport).
		Strs("services", mux.Paths()).
		Msg("[server] starting")
	serveErr := srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range httpServers {
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("[server] http server shutdown error")
		}
	}

	if serveErr != nil {
		return serveErr
	}
	log.Info().Msg("[server] shutdown complete")
	return nil
}

// listenWebSocket binds address and serves websocket upgrades on path. The
// returned listener yields one connection per upgrade.
func listenWebSocket(address, path string) (*http.Server, *wsstream.Listener, error) {
	tcpLn, err := net.Listen("tcp", address)
	if err != nil {
		return nil, nil, &rpc.BindError{Addr: address, Err: err}
	}
	wsLn := wsstream.NewListener(tcpLn.Addr())

	httpMux := http.NewServeMux()
	httpMux.Handle(path, wsLn)
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{Handler: httpMux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", tcpLn.Addr().String()).Str("path", path).Msg("[server] websocket endpoint")
		if err := httpSrv.Serve(tcpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("[server] websocket http error")
		}
	}()
	return httpSrv, wsLn, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ignoring %s=%q: %v\n", key, v, err)
		return fallback
	}
	return n
}
