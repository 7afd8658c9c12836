// Package listener prints messages that nodes send on their own accord.
package listener

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/openosaka/atriumctl/capture"
	"github.com/openosaka/atriumctl/config"
	"github.com/openosaka/atriumctl/internal/udpsock"
	"github.com/openosaka/atriumctl/metrics"
)

const (
	maxDatagramSize = 64 * 1024
	lookupTimeout   = 2 * time.Second
)

// Recorder receives a copy of every printed message.
type Recorder interface {
	Write(r *capture.Record) error
}

type AddrLookupFunc func(ctx context.Context, addr string) ([]string, error)

type Listener struct {
	port        *config.Port
	out         io.Writer
	readTimeout time.Duration
	backoff     time.Duration
	lookupAddr  AddrLookupFunc
	recorder    Recorder
	metrics     *metrics.Metrics
	logger      *slog.Logger

	localSet   bool
	local      []net.IP
	broadcasts []net.IP

	bound atomic.Uint32

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type options struct {
	port        *config.Port
	out         io.Writer
	readTimeout time.Duration
	backoff     time.Duration
	lookupAddr  AddrLookupFunc
	recorder    Recorder
	metrics     *metrics.Metrics
	logger      *slog.Logger
	localSet    bool
	local       []net.IP
}

func newOptions() *options {
	return &options{
		out:         os.Stdout,
		readTimeout: config.DefaultRecvTimeout,
		backoff:     time.Second,
		lookupAddr:  net.DefaultResolver.LookupAddr,
		logger:      slog.Default(),
	}
}

type Option func(*options)

func WithPort(port *config.Port) Option {
	return func(o *options) {
		o.port = port
	}
}

func WithOutput(w io.Writer) Option {
	return func(o *options) {
		o.out = w
	}
}

// WithReadTimeout sets how often the receive loop wakes up to check for
// cancellation and port changes.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// WithRetryBackoff sets the pause before rebinding after a socket error.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		o.backoff = d
	}
}

func WithAddrLookup(fn AddrLookupFunc) Option {
	return func(o *options) {
		o.lookupAddr = fn
	}
}

// WithLocalAddrs replaces the addresses whose messages are suppressed.
// Without it they are resolved from the host name when the listener
// starts.
func WithLocalAddrs(ips []net.IP) Option {
	return func(o *options) {
		o.localSet = true
		o.local = ips
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func New(options ...Option) *Listener {
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

	return &Listener{
		port:        opts.port,
		out:         opts.out,
		readTimeout: opts.readTimeout,
		backoff:     opts.backoff,
		lookupAddr:  opts.lookupAddr,
		recorder:    opts.recorder,
		metrics:     opts.metrics,
		logger:      opts.logger,
		localSet:    opts.localSet,
		local:       opts.local,
	}
}

// Start runs the receive loop in the background until ctx is cancelled
// or Stop is called. Start after Stop, or a second Start, does nothing.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.done != nil {
		return
	}

	if !l.localSet {
		l.local = LocalAddrs(ctx)
	}
	l.broadcasts = broadcastAddrs()
	l.logger.Debug("suppressing local addresses", slog.Any("addrs", l.local))

	ctx, l.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	l.done = done
	go func() {
		defer close(done)
		l.run(ctx)
	}()
}

// Stop cancels the receive loop and waits until it has closed its socket.
func (l *Listener) Stop() {
	l.mu.Lock()
	l.stopped = true
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// BoundPort reports the port the socket is currently bound to, 0 if none.
func (l *Listener) BoundPort() uint16 {
	return uint16(l.bound.Load())
}

func (l *Listener) run(ctx context.Context) {
	var (
		conn  *net.UDPConn
		pc    *ipv4.PacketConn
		bound uint16
	)
	closeConn := func() {
		if conn != nil {
			conn.Close()
			conn = nil
			l.bound.Store(0)
		}
	}
	defer closeConn()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if port := l.port.Load(); conn == nil || port != bound {
			closeConn()
			c, err := udpsock.ListenPort(ctx, port, udpsock.Options{ReuseAddr: true})
			if err != nil {
				l.metrics.Error("bind")
				l.logger.Error("failed to bind listener", slog.Int("port", int(port)), slog.String("error", err.Error()))
				if !l.sleep(ctx) {
					return
				}
				continue
			}
			conn, bound = c, port
			l.bound.Store(uint32(port))
			pc = ipv4.NewPacketConn(conn)
			if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
				l.logger.Debug("destination control messages unavailable", slog.Any("error", err))
			}
			l.logger.Debug("listening", slog.Int("port", int(port)))
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			l.logger.Warn("failed to set read deadline", slog.Any("error", err))
		}
		n, cm, src, err := pc.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.metrics.Error("receive")
			l.logger.Error("failed to receive", slog.String("error", err.Error()))
			closeConn()
			if !l.sleep(ctx) {
				return
			}
			continue
		}

		addr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		var dst net.IP
		if cm != nil {
			dst = cm.Dst
		}
		l.handle(ctx, buf[:n], addr, dst)
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte, src *net.UDPAddr, dst net.IP) {
	if l.isLocal(src.IP) {
		l.metrics.Suppressed()
		return
	}

	host := l.hostname(ctx, src.IP)
	broadcast := l.isBroadcast(dst)
	l.logger.Debug("received message",
		slog.String("from", src.String()),
		slog.Int("n", len(payload)),
		slog.Bool("broadcast", broadcast))

	l.metrics.Received()
	fmt.Fprintf(l.out, "%s (%s):\n%s\n\n", host, src.IP, payload)

	if l.recorder == nil {
		return
	}
	err := l.recorder.Write(&capture.Record{
		Time:      time.Now(),
		Source:    src.IP,
		Port:      uint16(src.Port),
		Host:      host,
		Payload:   payload,
		Broadcast: broadcast,
	})
	if err != nil {
		l.metrics.Error("record")
		l.logger.Warn("failed to record message", slog.Any("error", err))
	}
}

// hostname reverse-resolves ip; on failure the address itself is used.
func (l *Listener) hostname(ctx context.Context, ip net.IP) string {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	names, err := l.lookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		if err != nil {
			l.logger.Debug("reverse lookup failed", slog.String("ip", ip.String()), slog.Any("error", err))
		}
		return ip.String()
	}
	return strings.TrimSuffix(names[0], ".")
}

func (l *Listener) isLocal(ip net.IP) bool {
	for _, local := range l.local {
		if local.Equal(ip) {
			return true
		}
	}
	return false
}

func (l *Listener) isBroadcast(dst net.IP) bool {
	if dst == nil {
		return false
	}
	if dst.Equal(net.IPv4bcast) {
		return true
	}
	for _, b := range l.broadcasts {
		if b.Equal(dst) {
			return true
		}
	}
	return false
}

func (l *Listener) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.backoff):
		return true
	}
}
