// services/heartbeat/heartbeat.go
package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/bus"
	"chimera-node/framing"
	"chimera-node/radiomode"
	"chimera-node/serial"
	"chimera-node/types"
)

var topicConfig = bus.T("config", "heartbeat")

const defaultInterval = time.Second

// Stats supplies link counters for the liveness report. Optional.
type Stats func() (framesOut, framesIn, overflows uint64)

type Deps struct {
	Conn  *bus.Connection
	Log   zerolog.Logger
	Modes *radiomode.Controller
	Stats Stats
}

type Service struct {
	deps    Deps
	started time.Time
}

// Start launches the heartbeat service.
func Start(ctx context.Context, deps Deps) {
	s := &Service{deps: deps, started: time.Now()}
	// Subscribe before spawning the loop so a returned Start guarantees
	// delivery of subsequently published config updates.
	cfgSub := deps.Conn.Subscribe(topicConfig)
	go s.loop(ctx, cfgSub)
}

func (s *Service) loop(ctx context.Context, cfgSub *bus.Subscription) {
	defer s.deps.Conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(defaultInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.emit()
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			if iv := intervalFrom(msg.Payload); iv > 0 {
				tick.Reset(iv)
				s.deps.Log.Info().Dur("interval", iv).Msg("heartbeat interval changed")
			}
		}
	}
}

func (s *Service) emit() {
	hb := types.Heartbeat{
		UptimeMs: time.Since(s.started).Milliseconds(),
	}
	if s.deps.Modes != nil {
		hb.Mode = s.deps.Modes.Mode().String()
	}
	if s.deps.Stats != nil {
		hb.FramesOut, hb.FramesIn, hb.Overflows = s.deps.Stats()
	}
	b, err := json.Marshal(hb)
	if err != nil {
		s.deps.Log.Error().Err(err).Msg("heartbeat marshal failed")
		return
	}
	s.deps.Conn.Publish(s.deps.Conn.NewMessage(serial.TopicTX,
		framing.Frame{Type: framing.TypeHeartbeat, Payload: b}, false))
}

// intervalFrom extracts the tick interval from a config section. Both
// interval_ms and interval (seconds) are accepted; TOML sections arrive
// with int64 values, JSON-derived ones with float64.
func intervalFrom(payload any) time.Duration {
	m, ok := payload.(map[string]any)
	if !ok {
		return 0
	}
	if v, ok := numeric(m["interval_ms"]); ok {
		return time.Duration(v) * time.Millisecond
	}
	if v, ok := numeric(m["interval"]); ok {
		return time.Duration(v) * time.Second
	}
	return 0
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
