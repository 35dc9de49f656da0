// serial/transport.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Transport is a pluggable link dialler/owner.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// TransportConfig selects and parameterises the host link.
type TransportConfig struct {
	// "uart", "tcp", or a name registered via RegisterTransport.
	Type string      `json:"type" toml:"type"`
	Addr string      `json:"addr,omitempty" toml:"addr"` // tcp host:port
	UART *UARTConfig `json:"uart,omitempty" toml:"uart"`
}

// UARTConfig carries enough for an injected platform dialler to open
// the port.
type UARTConfig struct {
	Device string `json:"device" toml:"device"`
	Baud   int    `json:"baud" toml:"baud"`
}

type TransportFactory func(TransportConfig) (Transport, error)

var (
	regMu     sync.RWMutex
	registry  = map[string]TransportFactory{}
	errNoDial = errors.New("serial: UARTDial not injected")
)

// RegisterTransport adds a named transport (tests register in-memory
// pipes here).
func RegisterTransport(name string, f TransportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "uart":
		return newUARTTransport(cfg)
	case "tcp":
		return newTCPTransport(cfg)
	default:
		return nil, fmt.Errorf("serial: unknown transport type %q", cfg.Type)
	}
}

// UARTDial is injected by platform code; it must open the configured
// port and return it.
var UARTDial func(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error)

type uartTransport struct {
	cfg UARTConfig
}

func newUARTTransport(cfg TransportConfig) (Transport, error) {
	if cfg.UART == nil {
		return nil, errors.New("serial: uart transport requires uart config")
	}
	return &uartTransport{cfg: *cfg.UART}, nil
}

func (u *uartTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if UARTDial == nil {
		return nil, errNoDial
	}
	return UARTDial(ctx, u.cfg)
}

func (u *uartTransport) String() string { return "uart" }

// tcpTransport serves development rigs where the host link is a socket
// instead of a wired UART.
type tcpTransport struct {
	addr string
}

func newTCPTransport(cfg TransportConfig) (Transport, error) {
	if cfg.Addr == "" {
		return nil, errors.New("serial: tcp transport requires addr")
	}
	return &tcpTransport{addr: cfg.Addr}, nil
}

func (t *tcpTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", t.addr)
}

func (t *tcpTransport) String() string { return "tcp" }
