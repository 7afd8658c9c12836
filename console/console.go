// Package console implements the interactive command loop that drives
// nodes.
package console

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"

	"github.com/openosaka/atriumctl/client"
	"github.com/openosaka/atriumctl/config"
	"github.com/openosaka/atriumctl/metrics"
)

const (
	prompt               = ">> "
	serviceLookupTimeout = 2 * time.Second
	maxLineSize          = 1 << 20
)

// Sender delivers messages to nodes. Implementations count their own
// failures in metrics; the console does not count them again.
type Sender interface {
	Send(ctx context.Context, node string, msg *client.Message) error
	Broadcast(ctx context.Context, msg *client.Message) error
}

// PortResolver maps service names to port numbers. *net.Resolver
// implements it.
type PortResolver interface {
	LookupPort(ctx context.Context, network, service string) (int, error)
}

type Stopper interface {
	Stop()
}

type mode int

const (
	modeCommand mode = iota
	// modeHexEntry collects hardware configuration hex until an empty line.
	modeHexEntry
)

type Console struct {
	sender    Sender
	port      *config.Port
	resolver  PortResolver
	listener  Stopper
	metrics   *metrics.Metrics
	out       io.Writer
	sendDelay time.Duration
	logger    *slog.Logger

	mode   mode
	hwNode string
	hwHex  strings.Builder
}

type options struct {
	port      *config.Port
	resolver  PortResolver
	listener  Stopper
	metrics   *metrics.Metrics
	out       io.Writer
	sendDelay time.Duration
	logger    *slog.Logger
}

type Option func(*options)

func WithPort(port *config.Port) Option {
	return func(o *options) {
		o.port = port
	}
}

func WithPortResolver(r PortResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithListener hands the listener's lifecycle to the console; it is
// stopped on exit and at end of input.
func WithListener(l Stopper) Option {
	return func(o *options) {
		o.listener = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.out = w
	}
}

// WithSendDelay sets the pause after each successful send, so slow nodes
// are not flooded.
func WithSendDelay(d time.Duration) Option {
	return func(o *options) {
		o.sendDelay = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func New(sender Sender, opt ...Option) *Console {
	opts := &options{
		resolver:  net.DefaultResolver,
		out:       os.Stdout,
		sendDelay: config.DefaultSendDelay,
		logger:    slog.Default(),
	}
	for _, o := range opt {
		o(opts)
	}
	if opts.port == nil {
		opts.port = config.NewPort(config.DefaultPort)
	}
	if opts.metrics == nil {
		opts.metrics = metrics.New()
	}

	return &Console{
		sender:    sender,
		port:      opts.port,
		resolver:  opts.resolver,
		listener:  opts.listener,
		metrics:   opts.metrics,
		out:       opts.out,
		sendDelay: opts.sendDelay,
		logger:    opts.logger,
	}
}

// Run reads commands from in until exit, end of input or cancellation of
// ctx. The listener is stopped before Run returns.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	defer c.shutdown()

	done := make(chan struct{})
	defer close(done)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		if c.mode == modeCommand {
			fmt.Fprint(c.out, prompt)
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					c.logger.Error("failed to read input", slog.Any("error", err))
				}
				if c.mode == modeHexEntry {
					c.logger.Warn("end of input, hardware config not sent", slog.String("node", c.hwNode))
				}
				fmt.Fprintln(c.out)
				return nil
			}
			if quit := c.HandleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// HandleLine processes one input line and reports whether the console
// should terminate.
func (c *Console) HandleLine(ctx context.Context, line string) bool {
	if c.mode == modeHexEntry {
		c.report(c.hexLine(ctx, line))
		return false
	}

	cmd, ok := ParseLine(line)
	if !ok {
		return false
	}
	quit, err := c.dispatch(ctx, cmd)
	c.report(err)
	return quit
}

func (c *Console) dispatch(ctx context.Context, cmd Command) (bool, error) {
	switch cmd.Name {
	case "exit":
		return true, nil
	case "help":
		fmt.Fprint(c.out, usage)
		return false, nil
	case "stats":
		c.printStats()
		return false, nil
	case "port", "send", "hwcfg":
	default:
		if _, ok := cmd.Node(); !ok {
			return false, errors.Wrap(ErrUnknownCommand, cmd.Name)
		}
	}

	if !cmd.HasArg() {
		return false, errors.Wrap(ErrMissingArgument, cmd.Name)
	}

	switch cmd.Name {
	case "port":
		return false, c.setPort(ctx, strings.TrimSpace(cmd.Arg))
	case "send":
		return false, c.send(ctx, func() error {
			return c.sender.Broadcast(ctx, client.NewCommand(cmd.Arg))
		})
	case "hwcfg":
		return false, c.hwcfg(ctx, cmd.Arg)
	}

	node, _ := cmd.Node()
	return false, c.send(ctx, func() error {
		return c.sender.Send(ctx, node, client.NewCommand(cmd.Arg))
	})
}

func (c *Console) setPort(ctx context.Context, arg string) error {
	if _, err := strconv.Atoi(arg); err == nil {
		port, err := config.ParsePort(arg)
		if err != nil {
			return errors.Wrap(ErrInvalidPort, arg)
		}
		c.port.Store(port)
		c.logger.Debug("port changed", slog.Int("port", int(port)))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, serviceLookupTimeout)
	defer cancel()
	n, err := c.resolver.LookupPort(ctx, "udp", arg)
	if err != nil {
		return errors.Wrapf(err, "resolving service %s", arg)
	}
	if n < 1 || n > 65535 {
		return errors.Wrap(ErrInvalidPort, arg)
	}
	c.port.Store(uint16(n))
	fmt.Fprintf(c.out, "service %s is on port %d\n", arg, n)
	return nil
}

func (c *Console) hwcfg(ctx context.Context, arg string) error {
	node, path, _ := strings.Cut(strings.TrimSpace(arg), " ")
	path = strings.TrimSpace(path)

	if path == "" {
		c.mode = modeHexEntry
		c.hwNode = node
		c.hwHex.Reset()
		fmt.Fprintln(c.out, "please input config hex, end with empty line")
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read hardware config")
	}
	return c.pushConfig(ctx, node, client.NewHardwareConfig(client.WithConfigData(data)))
}

func (c *Console) hexLine(ctx context.Context, line string) error {
	s := strings.Join(strings.Fields(line), "")
	if s != "" {
		if _, err := hex.DecodeString(s); err != nil {
			return errors.Wrapf(ErrInvalidHex, "line ignored: %v", err)
		}
		c.hwHex.WriteString(s)
		return nil
	}

	node, hexdata := c.hwNode, c.hwHex.String()
	c.mode = modeCommand
	c.hwNode = ""
	c.hwHex.Reset()
	return c.pushConfig(ctx, node, client.NewHardwareConfig(client.WithConfigHex(hexdata)))
}

func (c *Console) pushConfig(ctx context.Context, node string, msg *client.Message) error {
	c.logger.Info("sending hardware config",
		slog.String("node", node),
		slog.String("size", humanize.Bytes(uint64(len(msg.Payload)))))
	return c.send(ctx, func() error {
		return c.sender.Send(ctx, node, msg)
	})
}

// sendError is a failure the client has already counted.
type sendError struct {
	error
}

func (e sendError) Unwrap() error { return e.error }

// send runs fn and pauses afterwards if it succeeded.
func (c *Console) send(ctx context.Context, fn func() error) error {
	if err := fn(); err != nil {
		return sendError{err}
	}
	if c.sendDelay <= 0 {
		return nil
	}
	t := time.NewTimer(c.sendDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil
}

func (c *Console) printStats() {
	s := c.metrics.Snapshot()
	fmt.Fprintf(c.out, "port:       %d\n", c.port.Load())
	fmt.Fprintf(c.out, "unicast:    %s commands\n", humanize.Comma(int64(s.Unicast)))
	fmt.Fprintf(c.out, "broadcast:  %s commands\n", humanize.Comma(int64(s.Broadcast)))
	fmt.Fprintf(c.out, "hwcfg:      %s pushes\n", humanize.Comma(int64(s.HWConfig)))
	fmt.Fprintf(c.out, "sent:       %s\n", humanize.Bytes(s.SentBytes))
	fmt.Fprintf(c.out, "received:   %s messages\n", humanize.Comma(int64(s.Received)))
	fmt.Fprintf(c.out, "suppressed: %s messages\n", humanize.Comma(int64(s.Suppressed)))
	fmt.Fprintf(c.out, "errors:     %s\n", humanize.Comma(int64(s.Errors)))
}

func (c *Console) report(err error) {
	if err == nil {
		return
	}
	var se sendError
	if !errors.As(err, &se) {
		c.metrics.Error("command")
	}
	fmt.Fprintf(c.out, "error: %v\n", err)
}

func (c *Console) shutdown() {
	if c.listener != nil {
		c.listener.Stop()
	}
}
