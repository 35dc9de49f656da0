// services/ble/ble.go
package ble

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/bus"
	"chimera-node/framing"
	"chimera-node/serial"
	"chimera-node/types"
)

var TopicCmd = bus.T("ble", "cmd")

// Command is the typed request published by the command service.
type Command struct {
	Op    string // scan
	DurMS int
}

// Scanner is the BLE hardware seam. Scan listens passively for
// advertisements for the given duration and returns what it heard; it
// never transmits.
type Scanner interface {
	Scan(ctx context.Context, dur time.Duration) ([]types.BLEDevice, error)
}

type Deps struct {
	Conn *bus.Connection
	Log  zerolog.Logger
	Dev  Scanner
}

const defaultScanDur = 5 * time.Second

type Service struct {
	deps Deps
}

// Start launches the BLE service loop.
func Start(ctx context.Context, deps Deps) {
	s := &Service{deps: deps}
	// Subscribe before spawning the loop so a returned Start guarantees
	// delivery of subsequently published commands.
	cmdSub := deps.Conn.Subscribe(TopicCmd)
	go s.loop(ctx, cmdSub)
}

func (s *Service) loop(ctx context.Context, cmdSub *bus.Subscription) {
	defer s.deps.Conn.Unsubscribe(cmdSub)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-cmdSub.Channel():
			if !ok {
				return
			}
			cmd, ok := msg.Payload.(Command)
			if !ok {
				s.deps.Log.Warn().Msgf("non-command payload on ble cmd topic: %T", msg.Payload)
				continue
			}
			s.dispatch(ctx, cmd)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, cmd Command) {
	switch cmd.Op {
	case "scan":
		s.doScan(ctx, cmd.DurMS)
	default:
		s.status("error", "unknown_ble_op:"+cmd.Op, nil)
	}
}

func (s *Service) doScan(ctx context.Context, durMS int) {
	if s.deps.Dev == nil {
		s.status("error", "ble_unavailable", nil)
		return
	}
	dur := defaultScanDur
	if durMS > 0 {
		dur = time.Duration(durMS) * time.Millisecond
	}

	devs, err := s.deps.Dev.Scan(ctx, dur)
	if err != nil {
		s.status("error", "ble_scan_failed", err)
		return
	}
	s.emitJSON(framing.TypeCommand, types.BLEScanResult{
		Devices: devs,
		TsMs:    time.Now().UnixMilli(),
	})
	s.status("info", "ble_scan_complete", nil)
}

func (s *Service) emitJSON(t framing.Type, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.deps.Log.Error().Err(err).Msg("telemetry marshal failed")
		return
	}
	s.deps.Conn.Publish(s.deps.Conn.NewMessage(serial.TopicTX, framing.Frame{Type: t, Payload: b}, false))
}

func (s *Service) status(level, status string, err error) {
	st := types.Status{Level: level, Status: status, TsMs: time.Now().UnixMilli()}
	if err != nil {
		st.Error = err.Error()
		s.deps.Log.Error().Err(err).Str("status", status).Msg("ble operation failed")
	}
	s.emitJSON(framing.TypeStatus, st)
}
