package client

import (
	"encoding/hex"

	"github.com/openosaka/atriumctl/metrics"
)

const (
	HWConfigHeader  = "hwconf parsexxd\r\n"
	HWConfigTrailer = "\r\n\r\n"
)

// Message is a datagram payload for a node.
type Message struct {
	Payload []byte

	kind string
}

// NewCommand creates a shell command for a node. The firmware executes
// one command per line.
func NewCommand(command string) *Message {
	return &Message{
		Payload: []byte(command + "\n"),
		kind:    metrics.KindUnicast,
	}
}

type hwcfgOptions struct {
	hexFn func() string
}

type HWConfigOption func(*hwcfgOptions)

// WithConfigData hex-encodes raw configuration bytes.
func WithConfigData(data []byte) HWConfigOption {
	return func(opts *hwcfgOptions) {
		opts.hexFn = func() string {
			return hex.EncodeToString(data)
		}
	}
}

// WithConfigHex uses already hex-encoded configuration, e.g. typed by hand.
func WithConfigHex(hexdata string) HWConfigOption {
	return func(opts *hwcfgOptions) {
		opts.hexFn = func() string {
			return hexdata
		}
	}
}

// NewHardwareConfig creates the payload that replaces a node's hardware
// configuration.
//
// Without any option, the payload carries an empty configuration.
func NewHardwareConfig(options ...HWConfigOption) *Message {
	if len(options) > 1 {
		panic("only one option is allowed")
	}

	opts := &hwcfgOptions{
		hexFn: func() string {
			return ""
		},
	}
	for _, option := range options {
		option(opts)
	}

	return &Message{
		Payload: []byte(HWConfigHeader + opts.hexFn() + HWConfigTrailer),
		kind:    metrics.KindHWConfig,
	}
}
