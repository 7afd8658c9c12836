package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openosaka/atriumctl/client"
	"github.com/openosaka/atriumctl/config"
	"github.com/openosaka/atriumctl/metrics"
)

type sent struct {
	node      string
	broadcast bool
	payload   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) Send(ctx context.Context, node string, msg *client.Message) error {
	if strings.HasSuffix(node, ".invalid") {
		return errors.New("resolve " + node + ": no such host")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{node: node, payload: string(msg.Payload)})
	return nil
}

func (f *fakeSender) Broadcast(ctx context.Context, msg *client.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{broadcast: true, payload: string(msg.Payload)})
	return nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fakeResolver map[string]int

func (r fakeResolver) LookupPort(ctx context.Context, network, service string) (int, error) {
	if network != "udp" {
		return 0, errors.New("unexpected network " + network)
	}
	if p, ok := r[service]; ok {
		return p, nil
	}
	return 0, errors.New("unknown port")
}

type fakeListener struct {
	stopped int
}

func (l *fakeListener) Stop() { l.stopped++ }

type fixture struct {
	console  *Console
	sender   *fakeSender
	port     *config.Port
	listener *fakeListener
	metrics  *metrics.Metrics
	out      *bytes.Buffer
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		sender:   &fakeSender{},
		port:     config.NewPort(config.DefaultPort),
		listener: &fakeListener{},
		metrics:  metrics.New(),
		out:      &bytes.Buffer{},
	}
	opts = append([]Option{
		WithPort(f.port),
		WithPortResolver(fakeResolver{"domain": 53, "syslog": 514}),
		WithListener(f.listener),
		WithMetrics(f.metrics),
		WithOutput(f.out),
		WithSendDelay(0),
	}, opts...)
	f.console = New(f.sender, opts...)
	return f
}

func (f *fixture) lines(t *testing.T, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if f.console.HandleLine(context.Background(), line) {
			t.Fatalf("unexpected quit on %q", line)
		}
	}
}

func TestParseLine(t *testing.T) {
	cmd, ok := ParseLine("@kitchen relay 1 on  \n")
	if !ok || cmd.Name != "@kitchen" || cmd.Arg != "relay 1 on" {
		t.Errorf("ParseLine = %+v, %v", cmd, ok)
	}
	if node, ok := cmd.Node(); !ok || node != "kitchen" {
		t.Errorf("Node = %q, %v", node, ok)
	}

	cmd, ok = ParseLine("exit")
	if !ok || cmd.Name != "exit" || cmd.HasArg() {
		t.Errorf("ParseLine(exit) = %+v", cmd)
	}

	if _, ok := ParseLine("   "); ok {
		t.Error("blank line parsed as command")
	}

	if _, ok := (Command{Name: "@"}).Node(); ok {
		t.Error("bare @ has no node")
	}
}

func TestPortInteger(t *testing.T) {
	f := newFixture()
	f.lines(t, "port 4000")
	if f.port.Load() != 4000 {
		t.Errorf("port = %d", f.port.Load())
	}
	if f.out.Len() != 0 {
		t.Errorf("unexpected output %q", f.out)
	}
}

func TestPortServiceName(t *testing.T) {
	f := newFixture()
	f.lines(t, "port syslog")
	if f.port.Load() != 514 {
		t.Errorf("port = %d", f.port.Load())
	}
	if got := f.out.String(); got != "service syslog is on port 514\n" {
		t.Errorf("output = %q", got)
	}
}

func TestPortUnresolvable(t *testing.T) {
	f := newFixture()
	f.lines(t, "port no-such-service")
	if f.port.Load() != config.DefaultPort {
		t.Errorf("port changed to %d", f.port.Load())
	}
	if got := f.out.String(); !strings.HasPrefix(got, "error: resolving service no-such-service") {
		t.Errorf("output = %q", got)
	}
}

func TestPortOutOfRange(t *testing.T) {
	f := newFixture()
	f.lines(t, "port 70000", "port 65536", "port 0", "port -5")
	if f.port.Load() != config.DefaultPort {
		t.Errorf("port changed to %d", f.port.Load())
	}
	if got := strings.Count(f.out.String(), "invalid port"); got != 4 {
		t.Errorf("output = %q", f.out)
	}
}

func TestPortSystemResolver(t *testing.T) {
	// "domain" is known to the Go resolver even without /etc/services.
	f := newFixture(WithPortResolver(pureGoResolver()))
	f.lines(t, "port domain")
	if f.port.Load() != 53 {
		t.Errorf("port = %d", f.port.Load())
	}
}

// The destination of "@node cmd" is the node named in the command token.
func TestUnicastUsesParsedNode(t *testing.T) {
	f := newFixture()
	f.lines(t, "@garage door close", "@porch light on")

	want := []sent{
		{node: "garage", payload: "door close\n"},
		{node: "porch", payload: "light on\n"},
	}
	if got := f.sender.all(); !equalSent(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
}

func TestBroadcast(t *testing.T) {
	f := newFixture()
	f.lines(t, "send version")

	want := []sent{{broadcast: true, payload: "version\n"}}
	if got := f.sender.all(); !equalSent(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
}

func TestPauseAfterSend(t *testing.T) {
	f := newFixture(WithSendDelay(50 * time.Millisecond))

	start := time.Now()
	f.lines(t, "send uptime")
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v", elapsed)
	}

	// failed sends do not pause
	start = time.Now()
	f.lines(t, "@gone.invalid uptime")
	if elapsed := time.Since(start); elapsed >= 50*time.Millisecond {
		t.Errorf("failed send paused for %v", elapsed)
	}
	if got := f.out.String(); !strings.Contains(got, "error: resolve gone.invalid") {
		t.Errorf("output = %q", got)
	}
}

func TestPauseInterruptedByCancel(t *testing.T) {
	f := newFixture(WithSendDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		f.console.HandleLine(ctx, "send reboot")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pause not interrupted")
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture()
	f.lines(t, "foo bar", "@ x", "frob")

	if got := f.sender.all(); len(got) != 0 {
		t.Errorf("sent = %+v", got)
	}
	out := f.out.String()
	if strings.Count(out, "unknown command") != 3 || !strings.Contains(out, "error: foo: unknown command") {
		t.Errorf("output = %q", out)
	}
	if s := f.metrics.Snapshot(); s.Errors != 3 {
		t.Errorf("errors = %d", s.Errors)
	}
}

func TestMissingArgument(t *testing.T) {
	f := newFixture()
	f.lines(t, "send", "port", "hwcfg", "@node", "send   ")

	if got := f.sender.all(); len(got) != 0 {
		t.Errorf("sent = %+v", got)
	}
	for _, name := range []string{"send", "port", "hwcfg", "@node"} {
		if !strings.Contains(f.out.String(), "error: "+name+": missing argument") {
			t.Errorf("no missing argument error for %s in %q", name, f.out)
		}
	}
}

func TestHelp(t *testing.T) {
	f := newFixture()
	f.lines(t, "help")
	if got := f.out.String(); got != usage {
		t.Errorf("help = %q", got)
	}
}

func TestHardwareConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.cfg")
	if err := os.WriteFile(path, []byte{0xde, 0xad, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}

	f := newFixture()
	f.lines(t, "hwcfg sensor1 "+path)

	want := []sent{{node: "sensor1", payload: "hwconf parsexxd\r\ndead01\r\n\r\n"}}
	if got := f.sender.all(); !equalSent(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
}

func TestHardwareConfigPathWithSpaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node config.bin")
	if err := os.WriteFile(path, []byte{0x0f}, 0o644); err != nil {
		t.Fatal(err)
	}

	f := newFixture()
	f.lines(t, "hwcfg sensor1  "+path+"  ", "hwcfg sensor1 "+path+" extra")

	want := []sent{{node: "sensor1", payload: "hwconf parsexxd\r\n0f\r\n\r\n"}}
	if got := f.sender.all(); !equalSent(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
	if !strings.Contains(f.out.String(), "error: read hardware config") {
		t.Errorf("trailing word not treated as part of the path: %q", f.out)
	}
}

func TestSendFailureCountedOnce(t *testing.T) {
	f := newFixture()
	c, err := client.NewClient(context.Background(),
		client.WithPort(f.port),
		client.WithMetrics(f.metrics),
		client.WithResolver(pureGoResolver()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	f.console.sender = c

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f.console.HandleLine(ctx, "@no-such-node.invalid ping")
	f.lines(t, "frob")

	if !strings.Contains(f.out.String(), "error: resolve no-such-node.invalid") {
		t.Errorf("output = %q", f.out)
	}
	if s := f.metrics.Snapshot(); s.Errors != 2 {
		t.Errorf("errors = %d, want one for the send and one for the unknown command", s.Errors)
	}
}

func TestHardwareConfigMissingFile(t *testing.T) {
	f := newFixture()
	f.lines(t, "hwcfg sensor1 /nonexistent/node.cfg", "@sensor1 ping")

	want := []sent{{node: "sensor1", payload: "ping\n"}}
	if got := f.sender.all(); !equalSent(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
	if !strings.Contains(f.out.String(), "error: read hardware config") {
		t.Errorf("output = %q", f.out)
	}
}

func TestHardwareConfigInteractive(t *testing.T) {
	f := newFixture()
	f.lines(t, "hwcfg sensor2")
	if !strings.Contains(f.out.String(), "please input config hex, end with empty line") {
		t.Errorf("output = %q", f.out)
	}

	// command words are hex input until the empty line
	f.lines(t, "0a 0b", "send reboot", "ffee", "")

	want := []sent{{node: "sensor2", payload: "hwconf parsexxd\r\n0a0bffee\r\n\r\n"}}
	if got := f.sender.all(); !equalSent(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
	if !strings.Contains(f.out.String(), "invalid hex") {
		t.Errorf("output = %q", f.out)
	}

	// back in command mode
	f.lines(t, "send reboot")
	if got := f.sender.all(); len(got) != 2 || !got[1].broadcast {
		t.Errorf("sent = %+v", got)
	}
}

func TestStats(t *testing.T) {
	f := newFixture()
	f.metrics.Sent(metrics.KindUnicast, 1500)
	f.metrics.Received()
	f.lines(t, "port 4000", "stats")

	out := f.out.String()
	for _, want := range []string{"port:       4000", "unicast:    1 commands", "sent:       1.5 kB", "received:   1 messages"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestRunExit(t *testing.T) {
	f := newFixture()
	in := strings.NewReader("port 4000\n@node1 led on\nsend reboot\nfoo bar\nexit\n@node1 never\n")

	if err := f.console.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if f.listener.stopped != 1 {
		t.Errorf("listener stopped %d times", f.listener.stopped)
	}
	want := []sent{
		{node: "node1", payload: "led on\n"},
		{broadcast: true, payload: "reboot\n"},
	}
	if got := f.sender.all(); !equalSent(got, want) {
		t.Errorf("sent = %+v, want %+v", got, want)
	}
	if f.port.Load() != 4000 {
		t.Errorf("port = %d", f.port.Load())
	}
	if !strings.HasPrefix(f.out.String(), prompt) {
		t.Errorf("no prompt in %q", f.out)
	}
}

func TestRunEndOfInput(t *testing.T) {
	f := newFixture()
	if err := f.console.Run(context.Background(), strings.NewReader("send a")); err != nil {
		t.Fatal(err)
	}
	if f.listener.stopped != 1 {
		t.Errorf("listener stopped %d times", f.listener.stopped)
	}
	if got := f.sender.all(); len(got) != 1 || got[0].payload != "a\n" {
		t.Errorf("sent = %+v", got)
	}
}

func TestRunEndOfInputDuringHexEntry(t *testing.T) {
	f := newFixture()
	if err := f.console.Run(context.Background(), strings.NewReader("hwcfg n1\n0011\n")); err != nil {
		t.Fatal(err)
	}
	if got := f.sender.all(); len(got) != 0 {
		t.Errorf("sent = %+v", got)
	}
	if f.listener.stopped != 1 {
		t.Errorf("listener stopped %d times", f.listener.stopped)
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture()
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.console.Run(ctx, pr) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if f.listener.stopped != 1 {
		t.Errorf("listener stopped %d times", f.listener.stopped)
	}
}

func pureGoResolver() *net.Resolver {
	return &net.Resolver{PreferGo: true}
}

func equalSent(a, b []sent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
