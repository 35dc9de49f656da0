// services/command/command.go
package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/arbiter"
	"chimera-node/bus"
	"chimera-node/critical"
	"chimera-node/errcode"
	"chimera-node/framing"
	"chimera-node/serial"
	"chimera-node/services/ble"
	"chimera-node/services/nfc"
	"chimera-node/services/radio"
	"chimera-node/types"
	"chimera-node/x/evring"
)

// TopicInput carries decoded UI input events (payload: event name).
var TopicInput = bus.T("ui", "input")

// PanicCombo is the trigger condition wired to the emergency stop.
const PanicCombo critical.Condition = "panic_combo"

// Display renders status lines over the shared SPI bus. Implementations
// must only be called while the caller holds the SPI lock.
type Display interface {
	Draw(lines []string) error
}

type Deps struct {
	Conn  *bus.Connection
	Log   zerolog.Logger
	Arb   *arbiter.Arbiter
	Armer *critical.Armer

	// Optional. Ring carries ISR-side button edges; Display is the
	// status screen; Buttons maps ring event codes to input names.
	Ring    *evring.Ring
	Display Display
	Buttons map[uint8]string
}

const drawInterval = 100 * time.Millisecond

// Identity reported by GET_INFO.
const (
	nodeModel    = "chimera-node"
	nodeFirmware = "0.3.0"
)

var defaultButtons = map[uint8]string{
	0: "up",
	1: "down",
	2: "select",
	3: "back",
}

// Service is the UI task: it decodes host command lines and button
// input into typed bus messages, and owns the display. It never
// touches radio or NFC hardware.
type Service struct {
	deps Deps

	dirty     bool // display needs a redraw
	lastState map[string]any
}

// Start launches the command service loop.
func Start(ctx context.Context, deps Deps) {
	if deps.Buttons == nil {
		deps.Buttons = defaultButtons
	}
	s := &Service{deps: deps, dirty: true}
	// Subscribe before spawning the loop so a returned Start guarantees
	// delivery of subsequently published messages.
	lineSub := deps.Conn.Subscribe(serial.TopicCommandLine)
	stateSub := deps.Conn.Subscribe(radio.TopicState)
	go s.loop(ctx, lineSub, stateSub)
}

func (s *Service) loop(ctx context.Context, lineSub, stateSub *bus.Subscription) {
	defer s.deps.Conn.Unsubscribe(lineSub)
	defer s.deps.Conn.Unsubscribe(stateSub)

	s.armPanic()

	tick := time.NewTicker(drawInterval)
	defer tick.Stop()

	// Nil channels block forever, so absent deps simply never fire.
	var ringReadable <-chan struct{}
	var armerEvents <-chan critical.Event
	if s.deps.Ring != nil {
		ringReadable = s.deps.Ring.Readable()
	}
	if s.deps.Armer != nil {
		armerEvents = s.deps.Armer.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-lineSub.Channel():
			if !ok {
				return
			}
			if line, ok := msg.Payload.(string); ok {
				s.handleLine(line)
			}
		case msg, ok := <-stateSub.Channel():
			if !ok {
				return
			}
			if st, ok := msg.Payload.(map[string]any); ok {
				s.lastState = st
			}
			s.dirty = true
		case <-ringReadable:
			s.drainRing()
		case ev := <-armerEvents:
			// Conditions observed while unarmed fall back to the
			// ordinary input path.
			s.publishInput(string(ev.Cond))
		case <-tick.C:
			s.maybeDraw(ctx)
			s.armPanic()
		}
	}
}

// handleLine translates one host command line into typed messages.
func (s *Service) handleLine(line string) {
	act, err := parseLine(line)
	if err != nil {
		s.status("error", string(errcode.Of(err))+":"+line, nil)
		return
	}
	switch {
	case act.radio != nil:
		s.deps.Conn.Publish(s.deps.Conn.NewMessage(radio.TopicCmd, *act.radio, false))
	case act.ble != nil:
		s.deps.Conn.Publish(s.deps.Conn.NewMessage(ble.TopicCmd, *act.ble, false))
	case act.nfc != nil:
		s.deps.Conn.Publish(s.deps.Conn.NewMessage(nfc.TopicCmd, *act.nfc, false))
	case act.input != "":
		s.publishInput(act.input)
	case act.info:
		s.emitJSON(framing.TypeCommand, types.NodeInfo{
			Model:    nodeModel,
			Firmware: nodeFirmware,
			Radios:   []string{"wifi", "ble", "subghz", "nfc"},
		})
	}
}

func (s *Service) publishInput(name string) {
	s.deps.Conn.Publish(s.deps.Conn.NewMessage(TopicInput, name, false))
	s.dirty = true
}

func (s *Service) drainRing() {
	var buf [16]evring.Event
	for {
		n := s.deps.Ring.Drain(buf[:])
		if n == 0 {
			return
		}
		for _, ev := range buf[:n] {
			if !ev.Level {
				continue // act on press, not release
			}
			if name, ok := s.deps.Buttons[ev.Code]; ok {
				s.publishInput(name)
			}
		}
	}
}

// armPanic keeps the emergency stop armed. The callback publishes the
// stop command directly from the trigger context; the bus publish is
// non-blocking by construction, so the latency budget holds.
func (s *Service) armPanic() {
	if s.deps.Armer == nil || s.deps.Armer.Armed() {
		return
	}
	conn := s.deps.Conn
	s.deps.Armer.Arm(critical.Action{
		Cond: PanicCombo,
		Fn: func() {
			conn.Publish(conn.NewMessage(radio.TopicCmd, radio.Command{Op: "stop"}, false))
		},
	})
}

// maybeDraw refreshes the display if it is stale. During a high-rate
// capture the draw is deferred, not queued: the dirty bit stays set and
// the next idle tick coalesces everything missed in between.
func (s *Service) maybeDraw(ctx context.Context) {
	if s.deps.Display == nil || !s.dirty {
		return
	}
	if s.deps.Arb.CaptureActive() {
		return
	}

	actx, cancel := context.WithTimeout(ctx, drawInterval/2)
	defer cancel()
	lock, err := s.deps.Arb.Acquire(actx, types.BusSPI, types.TaskUI)
	if err != nil {
		// Bus contention: keep the dirty bit and try next tick.
		return
	}
	defer lock.Release()

	if err := s.deps.Display.Draw(s.renderLines()); err != nil {
		s.deps.Log.Warn().Err(err).Msg("display draw failed")
		return
	}
	s.dirty = false
}

func (s *Service) renderLines() []string {
	mode, _ := s.lastState["mode"].(string)
	capturing, _ := s.lastState["capturing"].(string)
	if mode == "" {
		mode = "off"
	}
	lines := []string{"mode: " + mode}
	if capturing != "" {
		lines = append(lines, "capture: "+capturing)
	}
	return lines
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
	}
	s.emitJSON(framing.TypeStatus, st)
}
