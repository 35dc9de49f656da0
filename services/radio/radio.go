// services/radio/radio.go
package radio

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/arbiter"
	"chimera-node/bus"
	"chimera-node/drivers/cc1101"
	"chimera-node/framing"
	"chimera-node/radiomode"
	"chimera-node/serial"
	"chimera-node/types"
)

// Bus topics owned by this service.
var (
	TopicCmd   = bus.T("radio", "cmd")
	TopicState = bus.T("radio", "state") // retained
)

// Command is the typed request published by the command service. The
// radio service is the only code that touches the RF hardware.
type Command struct {
	// scan, sniff_start, sniff_stop, spectrum, csi_start, csi_stop,
	// recon_start, recon_stop, analyzer_start, analyzer_stop,
	// subghz_freq, subghz_record, subghz_info, stop
	Op      string
	Channel int
	FreqHz  uint32
	DurMS   int
}

// CaptureEvent is one item produced by the Wi-Fi front end while in
// promiscuous mode.
type CaptureEvent struct {
	Raw       []byte
	Handshake *types.HandshakeSet
	CSI       *types.CSIBlock
	// AP is set when the frontend parsed a beacon or probe response out
	// of the promiscuous stream. Forwarded to the host only in recon mode.
	AP *types.APInfo
}

// Frontend is the Wi-Fi hardware seam. It doubles as the mode driver:
// the controller's enter/leave hooks land on the same implementation.
type Frontend interface {
	radiomode.Driver

	Scan(ctx context.Context) ([]types.APInfo, error)
	SetChannel(ch int) error
	ReadRSSI() (int8, error)
	// Capture streams promiscuous events; drained only while a capture
	// is running.
	Capture() <-chan CaptureEvent
}

type Deps struct {
	Conn   *bus.Connection
	Log    zerolog.Logger
	Arb    *arbiter.Arbiter
	Modes  *radiomode.Controller
	Front  Frontend
	SubGHz *cc1101.Device
}

const (
	busAcquireTimeout = 500 * time.Millisecond
	spectrumSamples   = 8
	recordPollEvery   = 10 * time.Millisecond
	analyzerEvery     = 50 * time.Millisecond // 20 Hz RSSI stream
)

// Wi-Fi channels swept by the spectrum operation.
const (
	spectrumFirstChannel = 1
	spectrumLastChannel  = 14
)

type Service struct {
	deps Deps

	// Capture state, owned by the service loop goroutine.
	capKind string
	capStop chan struct{}
	capDone chan struct{}

	// Analyzer state, owned by the service loop goroutine.
	anStop chan struct{}
	anDone chan struct{}

	// recon is read by the capture goroutine, so it is atomic.
	recon atomic.Bool
}

// Start launches the radio service loop.
func Start(ctx context.Context, deps Deps) {
	s := &Service{deps: deps}
	// Subscribe before spawning the loop so a returned Start guarantees
	// delivery of subsequently published commands.
	cmdSub := deps.Conn.Subscribe(TopicCmd)
	go s.loop(ctx, cmdSub)
}

func (s *Service) loop(ctx context.Context, cmdSub *bus.Subscription) {
	defer s.deps.Conn.Unsubscribe(cmdSub)

	s.publishRadioState()

	for {
		select {
		case <-ctx.Done():
			s.haltCapture(context.Background())
			s.haltAnalyzer(context.Background())
			return
		case msg, ok := <-cmdSub.Channel():
			if !ok {
				return
			}
			cmd, ok := msg.Payload.(Command)
			if !ok {
				s.deps.Log.Warn().Msgf("non-command payload on radio cmd topic: %T", msg.Payload)
				continue
			}
			s.dispatch(ctx, cmd)
		}
	}
}

// dispatch runs one command to completion. Commands are serviced in
// queue order; only captures are interruptible, via their stop ops.
func (s *Service) dispatch(ctx context.Context, cmd Command) {
	switch cmd.Op {
	case "scan":
		s.doScan(ctx)
	case "sniff_start":
		s.startCapture(ctx, "sniff", cmd.Channel)
	case "sniff_stop":
		s.stopCapture(ctx, "sniff")
	case "spectrum":
		s.doSpectrum(ctx)
	case "csi_start":
		s.startCapture(ctx, "csi", cmd.Channel)
	case "csi_stop":
		s.stopCapture(ctx, "csi")
	case "recon_start":
		s.recon.Store(true)
		s.status("info", "recon_started", nil)
	case "recon_stop":
		s.recon.Store(false)
		s.status("info", "recon_stopped", nil)
	case "analyzer_start":
		s.startAnalyzer(ctx)
	case "analyzer_stop":
		s.stopAnalyzer(ctx)
	case "subghz_freq":
		s.doSubGHzFreq(ctx, cmd.FreqHz)
	case "subghz_record":
		s.doSubGHzRecord(ctx, cmd.DurMS)
	case "subghz_info":
		s.doSubGHzInfo(ctx)
	case "stop":
		s.doStopAll(ctx)
	default:
		s.status("error", "unknown_radio_op:"+cmd.Op, nil)
	}
}

// -----------------------------------------------------------------------------
// Wi-Fi operations
// -----------------------------------------------------------------------------

// doScan is a transient operation: whatever mode the radio was in
// before the scan is restored afterwards.
func (s *Service) doScan(ctx context.Context) {
	if s.capturing() {
		s.status("warn", "scan_rejected_capture_active", nil)
		return
	}
	var aps []types.APInfo
	err := s.deps.Modes.WithMode(ctx, types.ModeStation, func(ctx context.Context) error {
		var err error
		aps, err = s.deps.Front.Scan(ctx)
		return err
	})
	if err != nil {
		s.status("error", "scan_failed", err)
		return
	}
	s.emitJSON(framing.TypeCommand, types.ScanResult{APs: aps, TsMs: time.Now().UnixMilli()})
	s.status("info", "scan_complete", nil)
}

// startCapture begins a persistent promiscuous capture. The mode change
// deliberately persists: the capture outlives this call and ends only
// on the matching stop command.
func (s *Service) startCapture(ctx context.Context, kind string, channel int) {
	if s.capturing() {
		s.status("warn", kind+"_rejected_capture_active", nil)
		return
	}
	if err := s.deps.Modes.SetMode(ctx, types.ModePromiscuous); err != nil {
		s.status("error", kind+"_mode_failed", err)
		return
	}
	if channel > 0 {
		if err := s.deps.Front.SetChannel(channel); err != nil {
			_ = s.deps.Modes.SetMode(ctx, types.ModeOff)
			s.status("error", kind+"_channel_failed", err)
			return
		}
	}

	s.capKind = kind
	s.capStop = make(chan struct{})
	s.capDone = make(chan struct{})
	s.deps.Arb.SetCaptureActive(true)
	go s.captureLoop(kind, s.capStop, s.capDone)

	s.publishRadioState()
	s.status("info", kind+"_started", nil)
}

func (s *Service) captureLoop(kind string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	events := s.deps.Front.Capture()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// Passive recon piggybacks on whichever capture is running:
			// beacons parsed by the frontend become AP reports.
			if ev.AP != nil && s.recon.Load() {
				s.emitJSON(framing.TypeCommand, ev.AP)
			}
			switch kind {
			case "sniff":
				if len(ev.Raw) > 0 {
					s.emitFrame(framing.Frame{Type: framing.TypeCapture, Payload: ev.Raw})
				}
				if ev.Handshake != nil {
					s.emitJSON(framing.TypeHandshake, ev.Handshake)
				}
			case "csi":
				if ev.CSI != nil {
					s.emitJSON(framing.TypeCSI, ev.CSI)
				}
			}
		}
	}
}

func (s *Service) stopCapture(ctx context.Context, kind string) {
	if !s.capturing() {
		s.status("warn", kind+"_stop_not_capturing", nil)
		return
	}
	if s.capKind != kind {
		s.status("warn", kind+"_stop_wrong_capture:"+s.capKind, nil)
		return
	}
	s.haltCapture(ctx)
	s.status("info", kind+"_stopped", nil)
}

// haltCapture tears down any running capture and idles the radio in
// station mode.
func (s *Service) haltCapture(ctx context.Context) {
	if !s.capturing() {
		return
	}
	close(s.capStop)
	<-s.capDone
	s.capKind, s.capStop, s.capDone = "", nil, nil
	s.deps.Arb.SetCaptureActive(false)
	if err := s.deps.Modes.SetMode(ctx, types.ModeStation); err != nil {
		s.status("error", "post_capture_mode_failed", err)
	}
	s.publishRadioState()
}

func (s *Service) capturing() bool { return s.capStop != nil }

// doSpectrum sweeps all channels once. Transient: the previous mode is
// restored when the sweep completes.
func (s *Service) doSpectrum(ctx context.Context) {
	if s.capturing() {
		s.status("warn", "spectrum_rejected_capture_active", nil)
		return
	}
	s.deps.Arb.SetCaptureActive(true)
	defer s.deps.Arb.SetCaptureActive(false)

	err := s.deps.Modes.WithMode(ctx, types.ModePromiscuous, func(ctx context.Context) error {
		for ch := spectrumFirstChannel; ch <= spectrumLastChannel; ch++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.deps.Front.SetChannel(ch); err != nil {
				return err
			}
			samples := make([]int8, 0, spectrumSamples)
			for i := 0; i < spectrumSamples; i++ {
				v, err := s.deps.Front.ReadRSSI()
				if err != nil {
					return err
				}
				samples = append(samples, v)
			}
			s.emitJSON(framing.TypeSpectrum, types.SpectrumBlock{
				Channel: ch,
				Samples: samples,
				TsMs:    time.Now().UnixMilli(),
			})
		}
		return nil
	})
	if err != nil {
		s.status("error", "spectrum_failed", err)
		return
	}
	s.status("info", "spectrum_complete", nil)
}

// -----------------------------------------------------------------------------
// Sub-GHz operations
// -----------------------------------------------------------------------------

// startAnalyzer begins the continuous RSSI stream. The receiver stays
// in RX until the matching stop; each sample takes and releases the SPI
// lock so the display keeps its turn.
func (s *Service) startAnalyzer(ctx context.Context) {
	if s.anStop != nil {
		s.status("warn", "analyzer_already_running", nil)
		return
	}
	err := s.withSPI(ctx, func() error {
		if _, err := s.deps.SubGHz.Version(); err != nil {
			return err
		}
		return s.deps.SubGHz.EnterRX()
	})
	if err != nil {
		s.status("error", "analyzer_start_failed", err)
		return
	}

	s.anStop = make(chan struct{})
	s.anDone = make(chan struct{})
	go s.analyzerLoop(ctx, s.anStop, s.anDone)
	s.status("info", "analyzer_started", nil)
}

func (s *Service) analyzerLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tick := time.NewTicker(analyzerEvery)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			var v int16
			err := s.withSPI(ctx, func() error {
				var err error
				v, err = s.deps.SubGHz.RSSI()
				return err
			})
			if err != nil {
				s.status("error", "analyzer_read_failed", err)
				return
			}
			s.emitJSON(framing.TypeSpectrum, types.AnalyzerSample{
				RSSI: int(v),
				TsMs: time.Now().UnixMilli(),
			})
		}
	}
}

func (s *Service) stopAnalyzer(ctx context.Context) {
	if s.anStop == nil {
		s.status("warn", "analyzer_stop_not_running", nil)
		return
	}
	s.haltAnalyzer(ctx)
	s.status("info", "analyzer_stopped", nil)
}

func (s *Service) haltAnalyzer(ctx context.Context) {
	if s.anStop == nil {
		return
	}
	close(s.anStop)
	<-s.anDone
	s.anStop, s.anDone = nil, nil
	if err := s.withSPI(ctx, s.deps.SubGHz.EnterIdle); err != nil {
		s.status("error", "analyzer_idle_failed", err)
	}
}

// withSPI runs fn holding the SPI bus at RF priority. The lock is held
// only for the register work inside fn, never across waits.
func (s *Service) withSPI(ctx context.Context, fn func() error) error {
	actx, cancel := context.WithTimeout(ctx, busAcquireTimeout)
	defer cancel()
	lock, err := s.deps.Arb.Acquire(actx, types.BusSPI, types.TaskRF)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

func (s *Service) doSubGHzFreq(ctx context.Context, hz uint32) {
	err := s.withSPI(ctx, func() error {
		return s.deps.SubGHz.SetFrequency(hz)
	})
	if err != nil {
		s.status("error", "subghz_freq_failed", err)
		return
	}
	s.status("info", "subghz_freq_set", nil)
}

func (s *Service) doSubGHzInfo(ctx context.Context) {
	var info struct {
		Version uint8  `json:"version"`
		Partnum uint8  `json:"partnum"`
		FreqHz  uint32 `json:"freq_hz"`
	}
	err := s.withSPI(ctx, func() error {
		v, err := s.deps.SubGHz.Version()
		if err != nil {
			return err
		}
		p, err := s.deps.SubGHz.PartNumber()
		if err != nil {
			return err
		}
		f, err := s.deps.SubGHz.Frequency()
		if err != nil {
			return err
		}
		info.Version, info.Partnum, info.FreqHz = v, p, f
		return nil
	})
	if err != nil {
		s.status("error", "subghz_info_failed", err)
		return
	}
	s.emitJSON(framing.TypeCommand, info)
}

// doSubGHzRecord polls the receiver for the requested duration. Each
// poll takes and releases the SPI lock so the display is not starved
// for the whole recording.
func (s *Service) doSubGHzRecord(ctx context.Context, durMS int) {
	if durMS <= 0 {
		durMS = 1000
	}
	s.deps.Arb.SetCaptureActive(true)
	defer s.deps.Arb.SetCaptureActive(false)

	if err := s.withSPI(ctx, s.deps.SubGHz.EnterRX); err != nil {
		s.status("error", "subghz_record_failed", err)
		return
	}

	var rssi []int8
	buf := make([]byte, 64)
	deadline := time.Now().Add(time.Duration(durMS) * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			break
		}
		err := s.withSPI(ctx, func() error {
			n, err := s.deps.SubGHz.ReadFIFO(buf)
			if err != nil {
				return err
			}
			if n > 0 {
				s.emitFrame(framing.Frame{Type: framing.TypeCapture, Payload: append([]byte(nil), buf[:n]...)})
			}
			v, err := s.deps.SubGHz.RSSI()
			if err != nil {
				return err
			}
			rssi = append(rssi, clampInt8(int(v)))
			return nil
		})
		if err != nil {
			s.status("error", "subghz_record_failed", err)
			return
		}
		time.Sleep(recordPollEvery)
	}

	if err := s.withSPI(ctx, s.deps.SubGHz.EnterIdle); err != nil {
		s.status("error", "subghz_idle_failed", err)
	}
	s.emitJSON(framing.TypeSpectrum, types.SpectrumBlock{
		Channel: 0, // sub-GHz samples carry no Wi-Fi channel
		Samples: rssi,
		TsMs:    time.Now().UnixMilli(),
	})
	s.status("info", "subghz_record_complete", nil)
}

// doStopAll cancels whatever is running and parks the radio in station
// mode.
func (s *Service) doStopAll(ctx context.Context) {
	s.haltCapture(ctx)
	s.haltAnalyzer(ctx)
	s.recon.Store(false)
	if err := s.deps.Modes.SetMode(ctx, types.ModeStation); err != nil {
		s.status("error", "stop_mode_failed", err)
		return
	}
	s.publishRadioState()
	s.status("info", "all_stopped", nil)
}

// -----------------------------------------------------------------------------
// Emission helpers
// -----------------------------------------------------------------------------

func (s *Service) emitFrame(f framing.Frame) {
	s.deps.Conn.Publish(s.deps.Conn.NewMessage(serial.TopicTX, f, false))
}

func (s *Service) emitJSON(t framing.Type, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.deps.Log.Error().Err(err).Msg("telemetry marshal failed")
		return
	}
	s.emitFrame(framing.Frame{Type: t, Payload: b})
}

func (s *Service) status(level, status string, err error) {
	st := types.Status{Level: level, Status: status, TsMs: time.Now().UnixMilli()}
	if err != nil {
		st.Error = err.Error()
		s.deps.Log.Error().Err(err).Str("status", status).Msg("radio operation failed")
	}
	s.emitJSON(framing.TypeStatus, st)
}

func (s *Service) publishRadioState() {
	state := map[string]any{
		"mode":      s.deps.Modes.Mode().String(),
		"capturing": s.capKind,
	}
	s.deps.Conn.Publish(s.deps.Conn.NewMessage(TopicState, state, true))
}

func clampInt8(v int) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}
