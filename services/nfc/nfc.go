// services/nfc/nfc.go
package nfc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/arbiter"
	"chimera-node/bus"
	"chimera-node/drivers/pn532"
	"chimera-node/framing"
	"chimera-node/serial"
	"chimera-node/types"
)

var TopicCmd = bus.T("nfc", "cmd")

// Command is the typed request published by the command service.
type Command struct {
	Op string // scan, info
}

// Reader is the PN532 seam, satisfied by *pn532.Device.
type Reader interface {
	FirmwareVersion() (pn532.Version, error)
	SAMConfigure() error
	ReadPassiveTarget() (pn532.Target, error)
}

type Deps struct {
	Conn *bus.Connection
	Log  zerolog.Logger
	Arb  *arbiter.Arbiter
	Dev  Reader
}

const busAcquireTimeout = time.Second

type Service struct {
	deps       Deps
	configured bool
}

// Start launches the NFC service loop.
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
				s.deps.Log.Warn().Msgf("non-command payload on nfc cmd topic: %T", msg.Payload)
				continue
			}
			s.dispatch(ctx, cmd)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, cmd Command) {
	switch cmd.Op {
	case "scan":
		s.doScan(ctx)
	case "info":
		s.doInfo(ctx)
	default:
		s.status("error", "unknown_nfc_op:"+cmd.Op, nil)
	}
}

// withI2C runs fn holding the I2C bus at NFC priority. The reader is
// alone on I2C, but arbitration keeps the global SPI-before-I2C order
// honest when a handoff needs both buses.
func (s *Service) withI2C(ctx context.Context, fn func() error) error {
	actx, cancel := context.WithTimeout(ctx, busAcquireTimeout)
	defer cancel()
	lock, err := s.deps.Arb.Acquire(actx, types.BusI2C, types.TaskNFC)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// ensureConfigured runs SAM configuration once, lazily, under the lock
// already held by the caller's operation.
func (s *Service) ensureConfigured() error {
	if s.configured {
		return nil
	}
	if err := s.deps.Dev.SAMConfigure(); err != nil {
		return err
	}
	s.configured = true
	return nil
}

func (s *Service) doScan(ctx context.Context) {
	var tgt pn532.Target
	err := s.withI2C(ctx, func() error {
		if err := s.ensureConfigured(); err != nil {
			return err
		}
		var err error
		tgt, err = s.deps.Dev.ReadPassiveTarget()
		return err
	})
	if err == pn532.ErrNoTarget {
		s.status("info", "nfc_no_target", nil)
		return
	}
	if err != nil {
		s.status("error", "nfc_scan_failed", err)
		return
	}

	s.emitJSON(framing.TypeCommand, types.TagInfo{
		UID:      fmt.Sprintf("% x", tgt.UID),
		ATQA:     uint16(tgt.SENSRes[0])<<8 | uint16(tgt.SENSRes[1]),
		SAK:      tgt.SELRes,
		Protocol: "iso14443a",
		TsMs:     time.Now().UnixMilli(),
	})
	s.status("info", "nfc_scan_complete", nil)
}

func (s *Service) doInfo(ctx context.Context) {
	var v pn532.Version
	err := s.withI2C(ctx, func() error {
		var err error
		v, err = s.deps.Dev.FirmwareVersion()
		return err
	})
	if err != nil {
		s.status("error", "nfc_info_failed", err)
		return
	}
	s.emitJSON(framing.TypeCommand, map[string]any{
		"ic":      v.IC,
		"version": v.Ver,
		"rev":     v.Rev,
	})
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
		s.deps.Log.Error().Err(err).Str("status", status).Msg("nfc operation failed")
	}
	s.emitJSON(framing.TypeStatus, st)
}
