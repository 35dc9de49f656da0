// services/heartbeat/heartbeat_test.go
package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/bus"
	"chimera-node/framing"
	"chimera-node/serial"
	"chimera-node/types"
)

func startService(t *testing.T, stats Stats) (*bus.Bus, *bus.Connection) {
	t.Helper()
	b := bus.NewBus(32)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	Start(ctx, Deps{
		Conn:  b.NewConnection("heartbeat"),
		Log:   zerolog.Nop(),
		Stats: stats,
	})
	return b, b.NewConnection("test")
}

func nextHeartbeat(t *testing.T, sub *bus.Subscription, timeout time.Duration) types.Heartbeat {
	t.Helper()
	select {
	case m := <-sub.Channel():
		f, ok := m.Payload.(framing.Frame)
		if !ok || f.Type != framing.TypeHeartbeat {
			t.Fatalf("expected heartbeat frame, got %#v", m.Payload)
		}
		var hb types.Heartbeat
		if err := json.Unmarshal(f.Payload, &hb); err != nil {
			t.Fatal(err)
		}
		return hb
	case <-time.After(timeout):
		t.Fatal("timeout waiting for heartbeat")
		return types.Heartbeat{}
	}
}

func TestHeartbeatShape(t *testing.T) {
	b, c := startService(t, func() (uint64, uint64, uint64) { return 7, 3, 1 })
	sub := c.Subscribe(serial.TopicTX)
	_ = b

	hb := nextHeartbeat(t, sub, 2*time.Second)
	if hb.UptimeMs < 0 {
		t.Fatalf("uptime = %d", hb.UptimeMs)
	}
	if hb.FramesOut != 7 || hb.FramesIn != 3 || hb.Overflows != 1 {
		t.Fatalf("counters = %+v", hb)
	}
}

func TestIntervalReconfigured(t *testing.T) {
	_, c := startService(t, nil)
	sub := c.Subscribe(serial.TopicTX)

	c.Publish(c.NewMessage(bus.T("config", "heartbeat"), map[string]any{"interval_ms": int64(30)}, true))

	// With a 30ms tick, three beats arrive well inside the default
	// one-second period.
	start := time.Now()
	for i := 0; i < 3; i++ {
		nextHeartbeat(t, sub, 2*time.Second)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("three beats took %v, interval not applied", elapsed)
	}
}

func TestIntervalSecondsForm(t *testing.T) {
	if got := intervalFrom(map[string]any{"interval": int64(2)}); got != 2*time.Second {
		t.Fatalf("interval = %v", got)
	}
	if got := intervalFrom(map[string]any{"interval_ms": float64(250)}); got != 250*time.Millisecond {
		t.Fatalf("interval_ms float = %v", got)
	}
	if got := intervalFrom("nonsense"); got != 0 {
		t.Fatalf("bad payload interval = %v", got)
	}
}
