package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openosaka/atriumctl/capture"
	"github.com/openosaka/atriumctl/client"
	"github.com/openosaka/atriumctl/config"
	"github.com/openosaka/atriumctl/console"
	"github.com/openosaka/atriumctl/listener"
	"github.com/openosaka/atriumctl/metrics"
)

var rootCmd = &cobra.Command{
	Use:           "atriumctl",
	Short:         "Send commands to atrium nodes and print what they report",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Print messages from a capture file written with --record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dump(args[0], cmd.OutOrStdout())
	},
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	port := config.NewPort(cfg.Port)
	m := metrics.New()
	out := console.NewSyncWriter(stdout)

	c, err := client.NewClient(ctx,
		client.WithPort(port),
		client.WithBroadcastHost(cfg.Broadcast),
		client.WithMetrics(m),
		client.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	listenerOpts := []listener.Option{
		listener.WithPort(port),
		listener.WithOutput(out),
		listener.WithReadTimeout(cfg.RecvTimeout),
		listener.WithMetrics(m),
		listener.WithLogger(logger),
	}
	if cfg.RecordPath != "" {
		w, err := capture.Create(cfg.RecordPath)
		if err != nil {
			return err
		}
		defer w.Close()
		listenerOpts = append(listenerOpts, listener.WithRecorder(w))
	}
	l := listener.New(listenerOpts...)
	l.Start(ctx)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, cfg.CORSOrigins, logger); err != nil {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	con := console.New(c,
		console.WithPort(port),
		console.WithListener(l),
		console.WithMetrics(m),
		console.WithOutput(out),
		console.WithSendDelay(cfg.SendDelay),
		console.WithLogger(logger),
	)
	return con.Run(ctx, in)
}

func dump(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open capture file")
	}
	defer f.Close()

	r := capture.NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		via := ""
		if rec.Broadcast {
			via = " broadcast"
		}
		fmt.Fprintf(out, "%s%s %s (%s):\n%s\n\n", rec.Time.Format("2006-01-02 15:04:05.000"), via, rec.Host, rec.Source, rec.Payload)
	}
}

func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := &config.Config{}
	var err error
	if cfg.Port, err = fs.GetUint16("port"); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		return nil, errors.New("--port must be between 1 and 65535")
	}
	if cfg.Broadcast, err = fs.GetString("broadcast"); err != nil {
		return nil, err
	}
	if cfg.SendDelay, err = fs.GetDuration("send-delay"); err != nil {
		return nil, err
	}
	if cfg.RecvTimeout, err = fs.GetDuration("recv-timeout"); err != nil {
		return nil, err
	}
	if cfg.RecvTimeout <= 0 {
		return nil, errors.New("--recv-timeout must be positive")
	}
	if cfg.LogLevel, err = fs.GetString("log-level"); err != nil {
		return nil, err
	}
	if cfg.RecordPath, err = fs.GetString("record"); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr, err = fs.GetString("metrics-addr"); err != nil {
		return nil, err
	}
	if cfg.CORSOrigins, err = fs.GetString("cors-origins"); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	defaults := config.Load()

	rootCmd.PersistentFlags().String("log-level", defaults.LogLevel, "Log level: debug, info, warn or error")

	fs := rootCmd.Flags()
	fs.Uint16("port", defaults.Port, "UDP port of the nodes")
	fs.String("broadcast", defaults.Broadcast, "Broadcast address used by send")
	fs.Duration("send-delay", defaults.SendDelay, "Pause after every send")
	fs.Duration("recv-timeout", defaults.RecvTimeout, "Listener wake-up interval")
	fs.String("record", defaults.RecordPath, "Append received messages to this capture file")
	fs.String("metrics-addr", defaults.MetricsAddr, "Serve /metrics, /stats and /healthz on this address")
	fs.String("cors-origins", defaults.CORSOrigins, "Comma separated origins allowed to read the metrics endpoint")

	rootCmd.AddCommand(dumpCmd)
}

func main() {
	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := rootCmd.ExecuteContextC(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}
