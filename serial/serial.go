// serial/serial.go
package serial

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chimera-node/bus"
	"chimera-node/errcode"
	"chimera-node/framing"
)

// Bus topics owned by this service.
var (
	TopicState       = bus.T("serial", "state") // retained link state
	TopicTX          = bus.T("serial", "tx")    // outbound framing.Frame
	TopicCommandLine = bus.T("command", "line") // inbound command text
	TopicRX          = bus.T("serial", "rx")    // non-command inbound frames
	topicConfig      = bus.T("config", "serial")
)

// Config is the serial section of the node config, delivered as a
// retained bus message.
type Config struct {
	Transport TransportConfig `json:"transport" toml:"transport"`
	MaxUnit   int             `json:"max_unit,omitempty" toml:"max_unit"`
}

type Deps struct {
	Conn *bus.Connection
	Log  zerolog.Logger
}

// New builds the serial service without starting it.
func New(deps Deps) *Service {
	return &Service{conn: deps.Conn, log: deps.Log}
}

// Start runs the serial service. It blocks until ctx is cancelled,
// waiting for config on {"config","serial"} and supervising one link.
func Start(ctx context.Context, deps Deps) {
	New(deps).Run(ctx)
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) { s.run(ctx) }

// Service owns the host link: the single TX writer, the RX pump, and
// reconnect supervision. Everything else talks to the host by
// publishing frames on TopicTX.
type Service struct {
	conn *bus.Connection
	log  zerolog.Logger

	mu     sync.Mutex
	curRun context.CancelFunc

	// wmu serialises encode-and-write so two frames never interleave
	// on the wire. Independent of the SPI/I2C arbiter locks.
	wmu sync.Mutex
	rwc io.ReadWriteCloser

	txFrames  atomic.Uint64
	rxFrames  atomic.Uint64
	overflows atomic.Uint64
}

func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig)
	defer s.conn.Unsubscribe(cfgSub)
	txSub := s.conn.Subscribe(TopicTX)
	defer s.conn.Unsubscribe(txSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg, txSub)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config, txSub *bus.Subscription) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg, txSub)
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config, txSub *bus.Subscription) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	stream := framing.NewStream(framing.StreamConfig{
		MaxUnit: cfg.MaxUnit,
		OnFrame: s.routeFrame,
		OnError: func(err error) {
			if errcode.Of(err) == errcode.BufferOverflow {
				s.overflows.Add(1)
			}
			s.log.Warn().Err(err).Msg("inbound framing error")
		},
	})

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		if err := s.handleLink(ctx, rwc, stream, txSub); err != nil {
			_ = rwc.Close()
			delay := backoff()
			s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		_ = rwc.Close()
		return
	}
}

// handleLink owns the active link lifetime. Returns nil only on ctx
// cancellation; any I/O error triggers reconnect in the caller.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser, stream *framing.Stream, txSub *bus.Subscription) error {
	// Bytes buffered from a previous link belong to a dead conversation.
	stream.Reset()
	s.setLink(rwc)
	defer s.setLink(nil)

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 512)
		for {
			n, err := rwc.Read(buf)
			if n > 0 {
				stream.Feed(buf[:n])
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	// stopPump tears the link down and waits for the pump goroutine, so
	// the stream is never fed by two goroutines across a reconnect.
	stopPump := func() {
		_ = rwc.Close()
		<-errCh
	}

	for {
		select {
		case <-ctx.Done():
			stopPump()
			return nil
		case err := <-errCh:
			return err
		case msg, ok := <-txSub.Channel():
			if !ok {
				stopPump()
				return nil
			}
			f, ok := frameFromPayload(msg.Payload)
			if !ok {
				s.log.Warn().Msgf("non-frame payload on tx topic: %T", msg.Payload)
				continue
			}
			if err := s.WriteFrame(f); err != nil {
				stopPump()
				return err
			}
		}
	}
}

func (s *Service) setLink(rwc io.ReadWriteCloser) {
	s.wmu.Lock()
	s.rwc = rwc
	s.wmu.Unlock()
}

// WriteFrame encodes and writes one frame under the TX lock.
func (s *Service) WriteFrame(f framing.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.rwc == nil {
		return &errcode.E{C: errcode.Busy, Op: "serial.write", Msg: "link down"}
	}
	if _, err := s.rwc.Write(f.Marshal()); err != nil {
		return err
	}
	s.txFrames.Add(1)
	return nil
}

// TXFrames reports frames written since start.
func (s *Service) TXFrames() uint64 { return s.txFrames.Load() }

// Stats reports link counters in heartbeat order: frames written, frames
// decoded, inbound unit overflows.
func (s *Service) Stats() (uint64, uint64, uint64) {
	return s.txFrames.Load(), s.rxFrames.Load(), s.overflows.Load()
}

func frameFromPayload(p any) (framing.Frame, bool) {
	switch v := p.(type) {
	case framing.Frame:
		return v, true
	case *framing.Frame:
		return *v, true
	default:
		return framing.Frame{}, false
	}
}

// routeFrame dispatches one decoded inbound frame. Command frames carry
// newline-separated ASCII lines; everything else is republished raw.
func (s *Service) routeFrame(f framing.Frame) {
	s.rxFrames.Add(1)
	switch f.Type {
	case framing.TypeCommand:
		for _, line := range bytes.Split(f.Payload, []byte{'\n'}) {
			line = bytes.TrimRight(line, "\r ")
			if len(line) == 0 {
				continue
			}
			s.conn.Publish(s.conn.NewMessage(TopicCommandLine, string(line), false))
		}
	default:
		topic := append(bus.Topic{}, TopicRX...)
		topic = append(topic, f.Type)
		s.conn.Publish(s.conn.NewMessage(topic, f, false))
	}
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case Config:
		return v, nil
	case *Config:
		return *v, nil
	case []byte:
		err := json.Unmarshal(v, &cfg)
		return cfg, err
	case string:
		err := json.Unmarshal([]byte(v), &cfg)
		return cfg, err
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		err = json.Unmarshal(b, &cfg)
		return cfg, err
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,
		"status": status,
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(TopicState, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
