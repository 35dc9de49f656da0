// serial/serial_test.go
package serial

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chimera-node/bus"
	"chimera-node/framing"
)

// memlink hands out pre-made connections, one per dial.
type memlink struct {
	conns chan net.Conn
}

func (m *memlink) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case c := <-m.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memlink) String() string { return "memlink" }

// startService runs the serial service against scripted host-side
// connections. Transport names must be unique per test: the registry
// is process-global.
func startService(t *testing.T, name string, conns ...net.Conn) *bus.Bus {
	t.Helper()

	ch := make(chan net.Conn, len(conns))
	for _, c := range conns {
		ch <- c
	}
	RegisterTransport(name, func(TransportConfig) (Transport, error) {
		return &memlink{conns: ch}, nil
	})

	b := bus.NewBus(32)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Start(ctx, Deps{Conn: b.NewConnection("serial"), Log: zerolog.Nop()})

	cfg := b.NewConnection("test-cfg")
	cfg.Publish(cfg.NewMessage(bus.T("config", "serial"), Config{
		Transport: TransportConfig{Type: name},
	}, true))
	return b
}

// readFrame reads one delimited unit from the host side and decodes it.
func readFrame(t *testing.T, r io.Reader) framing.Frame {
	t.Helper()
	var unit []byte
	buf := make([]byte, 1)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Read(buf); err != nil {
			t.Fatalf("host read: %v", err)
		}
		if buf[0] == framing.Delimiter {
			if len(unit) == 0 {
				continue // idle padding
			}
			f, err := framing.Unmarshal(unit)
			require.NoError(t, err)
			return f
		}
		unit = append(unit, buf[0])
	}
	t.Fatal("timeout reading frame from host side")
	return framing.Frame{}
}

func waitMsg(t *testing.T, sub *bus.Subscription) *bus.Message {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bus message")
		return nil
	}
}

func TestInboundCommandLines(t *testing.T) {
	host, dev := net.Pipe()
	b := startService(t, "memlink-inbound", dev)

	c := b.NewConnection("test")
	sub := c.Subscribe(TopicCommandLine)

	f := framing.Frame{Type: framing.TypeCommand, Payload: []byte("SCAN_WIFI\nGET_INFO\r\n")}
	go func() { _, _ = host.Write(f.Marshal()) }()

	require.Equal(t, "SCAN_WIFI", waitMsg(t, sub).Payload)
	require.Equal(t, "GET_INFO", waitMsg(t, sub).Payload)
}

func TestOutboundFrameWritten(t *testing.T) {
	host, dev := net.Pipe()
	b := startService(t, "memlink-outbound", dev)

	// Wait for the link before publishing: frames published while the
	// TX queue backs up are subject to drop-oldest.
	waitState(t, b, "up")

	c := b.NewConnection("test")
	want := framing.Frame{Type: framing.TypeHeartbeat, Payload: []byte{0x01, 0x02}}
	c.Publish(c.NewMessage(TopicTX, want, false))

	got := readFrame(t, host)
	require.Equal(t, want, got)
}

func TestNonCommandInboundRouted(t *testing.T) {
	host, dev := net.Pipe()
	b := startService(t, "memlink-rxroute", dev)

	c := b.NewConnection("test")
	sub := c.Subscribe(bus.T("serial", "rx", framing.TypeStatus))

	f := framing.Frame{Type: framing.TypeStatus, Payload: []byte("ready")}
	go func() { _, _ = host.Write(f.Marshal()) }()

	got, ok := waitMsg(t, sub).Payload.(framing.Frame)
	require.True(t, ok)
	require.Equal(t, f, got)
}

func TestReconnectResetsStream(t *testing.T) {
	host1, dev1 := net.Pipe()
	host2, dev2 := net.Pipe()
	b := startService(t, "memlink-reconnect", dev1, dev2)

	c := b.NewConnection("test")
	sub := c.Subscribe(TopicCommandLine)

	// Write a truncated frame, then drop the link mid-unit.
	partial := framing.Frame{Type: framing.TypeCommand, Payload: []byte("GARBAGE")}.Marshal()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = host1.Write(partial[:len(partial)-3])
	}()
	<-done
	_ = host1.Close()

	// After reconnect the stream must start clean: the next frame
	// decodes whole, with no contamination from the dead link.
	f := framing.Frame{Type: framing.TypeCommand, Payload: []byte("PING")}
	go func() { _, _ = host2.Write(f.Marshal()) }()

	require.Equal(t, "PING", waitMsg(t, sub).Payload)
}

func TestWriteFrameLinkDown(t *testing.T) {
	s := &Service{log: zerolog.Nop()}
	err := s.WriteFrame(framing.Frame{Type: framing.TypeStatus})
	require.Error(t, err)
}

// waitState polls the retained link state until the wanted level shows.
func waitState(t *testing.T, b *bus.Bus, level string) {
	t.Helper()
	c := b.NewConnection("test-state")
	defer c.Disconnect()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sub := c.Subscribe(TopicState)
		select {
		case m := <-sub.Channel():
			c.Unsubscribe(sub)
			if st, ok := m.Payload.(map[string]any); ok && st["level"] == level {
				return
			}
		case <-time.After(50 * time.Millisecond):
			c.Unsubscribe(sub)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("link never reached state %q", level)
}
