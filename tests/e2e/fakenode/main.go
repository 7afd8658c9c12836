// fakenode stands in for an atrium node: it prints every command it
// receives and answers with a status line, so the console can be tried
// without hardware.
package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

var (
	port  int
	host  string
	name  string
	reply int
)

func main() {
	pflag.IntVar(&port, "port", 12719, "")
	pflag.StringVar(&host, "host", "0.0.0.0", "")
	pflag.StringVar(&name, "name", "fakenode", "node name used in replies")
	pflag.IntVar(&reply, "reply-port", 0, "port to answer on, default is --port")
	pflag.Parse()

	if reply == 0 {
		reply = port
	}

	addr := net.UDPAddr{
		Port: port,
		IP:   net.ParseIP(host),
	}
	conn, err := net.ListenUDP("udp4", &addr)
	if err != nil {
		fmt.Println("Error listening:", err)
		os.Exit(1)
	}
	defer conn.Close()
	slog.Info("fake node listening", slog.Int("port", port), slog.String("name", name))

	buffer := make([]byte, 64*1024)

	for {
		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			slog.Error("failed to read", slog.Any("error", err))
			continue
		}

		payload := buffer[:n]
		if bytes.HasPrefix(payload, []byte("hwconf parsexxd\r\n")) {
			hexdata := bytes.TrimSuffix(bytes.TrimPrefix(payload, []byte("hwconf parsexxd\r\n")), []byte("\r\n\r\n"))
			slog.Info("received hardware config", slog.String("from", clientAddr.String()), slog.Int("bytes", len(hexdata)/2))
			answer(conn, clientAddr, "hwconf: parsed %d bytes", len(hexdata)/2)
			continue
		}

		for _, line := range strings.Split(strings.TrimRight(string(payload), "\r\n"), "\n") {
			slog.Info("received command", slog.String("from", clientAddr.String()), slog.String("command", line))
			answer(conn, clientAddr, "%s: ok", strings.TrimSpace(line))
		}
	}
}

func answer(conn *net.UDPConn, to *net.UDPAddr, format string, args ...any) {
	msg := fmt.Sprintf("[%s] "+format, append([]any{name}, args...)...)
	dst := &net.UDPAddr{IP: to.IP, Port: reply}
	if _, err := conn.WriteToUDP([]byte(msg), dst); err != nil {
		slog.Error("failed to answer", slog.Any("error", err))
	}
}
