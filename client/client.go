package client

import (
	"context"
	"log/slog"
	"net"

	"github.com/go-faster/errors"

	"github.com/openosaka/atriumctl/config"
	"github.com/openosaka/atriumctl/internal/udpsock"
	"github.com/openosaka/atriumctl/metrics"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client sends commands to nodes. It owns one socket for unicast and one
// broadcast-enabled socket; neither is safe for concurrent senders beyond
// what net.UDPConn itself guarantees.
type Client struct {
	port          *config.Port
	broadcastHost string
	resolver      *net.Resolver
	metrics       *metrics.Metrics
	logger        Logger

	unicastConn   *net.UDPConn
	broadcastConn *net.UDPConn
}

type options struct {
	port          *config.Port
	broadcastHost string
	resolver      *net.Resolver
	metrics       *metrics.Metrics
	logger        Logger
}

func newOptions() *options {
	return &options{
		broadcastHost: config.DefaultBroadcast,
		resolver:      net.DefaultResolver,
		logger:        slog.Default(),
	}
}

type Option func(*options)

// WithPort shares the live port with the client. Every send reads it.
func WithPort(port *config.Port) Option {
	return func(o *options) {
		o.port = port
	}
}

func WithBroadcastHost(host string) Option {
	return func(o *options) {
		o.broadcastHost = host
	}
}

func WithResolver(r *net.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func NewClient(ctx context.Context, options ...Option) (*Client, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}
	if opts.port == nil {
		opts.port = config.NewPort(config.DefaultPort)
	}
	if opts.metrics == nil {
		opts.metrics = metrics.New()
	}

	unicastConn, err := udpsock.Listen(ctx, "0.0.0.0:0", udpsock.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open unicast socket")
	}
	broadcastConn, err := udpsock.Listen(ctx, "0.0.0.0:0", udpsock.Options{Broadcast: true})
	if err != nil {
		unicastConn.Close()
		return nil, errors.Wrap(err, "open broadcast socket")
	}

	return &Client{
		port:          opts.port,
		broadcastHost: opts.broadcastHost,
		resolver:      opts.resolver,
		metrics:       opts.metrics,
		logger:        opts.logger,
		unicastConn:   unicastConn,
		broadcastConn: broadcastConn,
	}, nil
}

func (c *Client) Close() error {
	err1 := c.unicastConn.Close()
	err2 := c.broadcastConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Send unicasts msg to node on the current port. The node is resolved on
// every call.
func (c *Client) Send(ctx context.Context, node string, msg *Message) error {
	addr, err := c.resolve(ctx, node, c.port.Load())
	if err != nil {
		c.metrics.Error("resolve")
		return err
	}
	return c.write(c.unicastConn, addr, msg, msg.kind)
}

// Broadcast sends msg to every node listening on the current port.
func (c *Client) Broadcast(ctx context.Context, msg *Message) error {
	addr, err := c.resolve(ctx, c.broadcastHost, c.port.Load())
	if err != nil {
		c.metrics.Error("resolve")
		return err
	}
	return c.write(c.broadcastConn, addr, msg, metrics.KindBroadcast)
}

func (c *Client) write(conn *net.UDPConn, addr *net.UDPAddr, msg *Message, kind string) error {
	n, err := conn.WriteToUDP(msg.Payload, addr)
	if err != nil {
		c.metrics.Error("send")
		return errors.Wrapf(err, "send to %s", addr)
	}
	c.metrics.Sent(kind, n)
	c.logger.Debug("sent datagram", slog.String("to", addr.String()), slog.String("kind", kind), slog.Int("n", n))
	return nil
}

func (c *Client) resolve(ctx context.Context, host string, port uint16) (*net.UDPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}
	ips, err := c.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("resolve %s: no IPv4 address", host)
	}
	return &net.UDPAddr{IP: ips[0], Port: int(port)}, nil
}
