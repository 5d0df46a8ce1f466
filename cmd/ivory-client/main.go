package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gosuda.org/ivory/rpc"
	"gosuda.org/ivory/rpc/metadata"
	"gosuda.org/ivory/rpc/utils/wsstream"
)

var rootCmd = &cobra.Command{
	Use:          "ivory-client",
	Short:        "Command line client for ivory RPC servers",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var (
	flagAddress     string
	flagTransport   string
	flagWSURL       string
	flagCodec       string
	flagCompression string
	flagTimeout     time.Duration
	flagLogLevel    string
	flagMeta        []string

	flagCount       int
	flagRequests    int
	flagConcurrency int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddress, "address", envOrDefault("IVORY_ADDRESS", rpc.DefaultAddress), "server address (env: IVORY_ADDRESS)")
	flags.StringVar(&flagTransport, "transport", envOrDefault("IVORY_TRANSPORT", "tcp"), "tcp or ws (env: IVORY_TRANSPORT)")
	flags.StringVar(&flagWSURL, "ws-url", envOrDefault("IVORY_WS_URL", ""), "websocket URL, defaults to ws://ADDRESS/rpc (env: IVORY_WS_URL)")
	flags.StringVar(&flagCodec, "codec", metadata.DefaultCodec, "frame codec: codec.protobuf or codec.json")
	flags.StringVar(&flagCompression, "compression", metadata.DefaultCompression, "payload compression")
	flags.DurationVar(&flagTimeout, "timeout", 5*time.Second, "per call timeout")
	flags.StringVar(&flagLogLevel, "log-level", envOrDefault("IVORY_LOG_LEVEL", "warn"), "log level (env: IVORY_LOG_LEVEL)")

	callCmd := &cobra.Command{
		Use:   "call SERVICE [PAYLOAD]",
		Short: "Send a request and print the response payload",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCall,
	}
	callCmd.Flags().StringSliceVar(&flagMeta, "meta", nil, "custom metadata as key=value, repeatable")

	notifyCmd := &cobra.Command{
		Use:   "notify SERVICE [PAYLOAD]",
		Short: "Send a notification",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runNotify,
	}
	notifyCmd.Flags().StringSliceVar(&flagMeta, "meta", nil, "custom metadata as key=value, repeatable")

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round trip time",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}
	pingCmd.Flags().IntVar(&flagCount, "count", 3, "number of pings")

	benchCmd := &cobra.Command{
		Use:   "bench SERVICE [PAYLOAD]",
		Short: "Issue concurrent requests over one connection",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runBench,
	}
	benchCmd.Flags().IntVar(&flagRequests, "requests", 10000, "total requests")
	benchCmd.Flags().IntVar(&flagConcurrency, "concurrency", 64, "requests in flight")

	rootCmd.AddCommand(callCmd, notifyCmd, pingCmd, benchCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*rpc.Client, error) {
	opts := []rpc.ClientOption{rpc.WithCodec(flagCodec), rpc.WithCompression(flagCompression)}

	switch flagTransport {
	case "tcp":
		return rpc.Dial(ctx, flagAddress, opts...)
	case "ws":
		url := flagWSURL
		if url == "" {
			url = "ws://" + flagAddress + "/rpc"
		}
		conn, err := wsstream.Dial(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		c, err := rpc.NewClient(conn, opts...)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", flagTransport)
	}
}

func parseMeta(pairs []string) (metadata.MD, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(metadata.MD, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", pair)
		}
		if metadata.IsReserved(k) {
			return nil, fmt.Errorf("metadata %q: %s is reserved", pair, k)
		}
		md[k] = v
	}
	return md, nil
}

func payloadArg(args []string) []byte {
	if len(args) < 2 {
		return nil
	}
	return []byte(args[1])
}

func runCall(cmd *cobra.Command, args []string) error {
	md, err := parseMeta(flagMeta)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := client.Call(ctx, args[0], payloadArg(args), md)
	var se *rpc.StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("%s failed with status %d: %s", args[0], se.Code, se.Message)
	}
	if err != nil {
		return err
	}
	for k, v := range reply.Metadata.Custom() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", k, v)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(reply.Payload))
	return nil
}

func runNotify(cmd *cobra.Command, args []string) error {
	md, err := parseMeta(flagMeta)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Notify(args[0], payloadArg(args), md); err != nil {
		return err
	}
	// A ping round trip guarantees the notification left the socket before close.
	_, err = client.Ping(ctx)
	return err
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout*time.Duration(max(flagCount, 1)))
	defer cancel()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	for i := range flagCount {
		rtt, err := client.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pong from %s: seq=%d time=%s\n", flagAddress, i, rtt)
		if i+1 < flagCount {
			time.Sleep(time.Second)
		}
	}
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	if flagRequests <= 0 || flagConcurrency <= 0 {
		return errors.New("requests and concurrency must be positive")
	}
	ctx := cmd.Context()
	dialCtx, cancel := context.WithTimeout(ctx, flagTimeout)
	client, err := connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	payload := payloadArg(args)
	var next, failed atomic.Int64
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flagConcurrency)
	for range flagConcurrency {
		g.Go(func() error {
			for next.Add(1) <= int64(flagRequests) {
				callCtx, cancel := context.WithTimeout(gctx, flagTimeout)
				_, err := client.Call(callCtx, args[0], payload, nil)
				cancel()
				if err == nil {
					continue
				}
				var se *rpc.StatusError
				if errors.As(err, &se) {
					failed.Add(1)
					continue
				}
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	elapsed := time.Since(started)
	rate := float64(flagRequests) / elapsed.Seconds()
	fmt.Fprintf(cmd.OutOrStdout(), "%s requests in %s (%s req/s), %s failed, %s payload\n",
		humanize.Comma(int64(flagRequests)),
		elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(rate, 0),
		humanize.Comma(failed.Load()),
		humanize.IBytes(uint64(len(payload))),
	)
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
