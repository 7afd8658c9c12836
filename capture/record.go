// Package capture stores messages received from nodes in a file of
// length-delimited protobuf records.
package capture

import (
	"net"
	"time"

	"github.com/go-faster/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldTime      protowire.Number = 1
	fieldSource    protowire.Number = 2
	fieldPort      protowire.Number = 3
	fieldHost      protowire.Number = 4
	fieldPayload   protowire.Number = 5
	fieldBroadcast protowire.Number = 6
)

// Record is one message received from a node.
type Record struct {
	Time      time.Time
	Source    net.IP
	Port      uint16
	Host      string
	Payload   []byte
	Broadcast bool
}

func (r *Record) MarshalAppend(b []byte) []byte {
	b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Time.UnixNano()))
	if ip4 := r.Source.To4(); ip4 != nil {
		b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
		b = protowire.AppendBytes(b, ip4)
	} else if len(r.Source) > 0 {
		b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Source)
	}
	if r.Port != 0 {
		b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Port))
	}
	if r.Host != "" {
		b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
		b = protowire.AppendString(b, r.Host)
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Payload)
	if r.Broadcast {
		b = protowire.AppendTag(b, fieldBroadcast, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal decodes b into r. Unknown fields are skipped.
func (r *Record) Unmarshal(b []byte) error {
	*r = Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "tag")
		}
		b = b[n:]

		switch {
		case num == fieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "time")
			}
			r.Time = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "port")
			}
			r.Port = uint16(v)
			b = b[n:]
		case num == fieldBroadcast && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "broadcast")
			}
			r.Broadcast = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "source")
			}
			r.Source = append(net.IP(nil), v...)
			b = b[n:]
		case num == fieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "host")
			}
			r.Host = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "payload")
			}
			r.Payload = append([]byte{}, v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			b = b[n:]
		}
	}
	return nil
}
