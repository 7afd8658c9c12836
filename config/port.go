package config

import "sync/atomic"

// Port is the live UDP port shared by the console, the client and the
// listener. The zero value is not usable; create one with NewPort.
type Port struct {
	v atomic.Uint32
}

func NewPort(p uint16) *Port {
	port := &Port{}
	port.Store(p)
	return port
}

func (p *Port) Load() uint16 {
	return uint16(p.v.Load())
}

func (p *Port) Store(v uint16) {
	p.v.Store(uint32(v))
}
