// cmd/noded/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"chimera-node/arbiter"
	"chimera-node/bus"
	"chimera-node/critical"
	"chimera-node/drivers/cc1101"
	"chimera-node/drivers/pn532"
	"chimera-node/radiomode"
	"chimera-node/serial"
	"chimera-node/services/ble"
	"chimera-node/services/command"
	"chimera-node/services/config"
	"chimera-node/services/heartbeat"
	"chimera-node/services/nfc"
	"chimera-node/services/radio"
	"chimera-node/x/evring"
)

func main() {
	cfgPath := flag.String("config", "node.toml", "path to the node TOML config")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(32)
	arb := arbiter.New(arbiter.Config{Log: log})
	armer := critical.New(critical.Config{Log: log})
	ring := evring.New(64)

	front := platformFrontend()
	modes := radiomode.New(front, log)

	subghz := cc1101.New(platformSPI())
	subghz.Configure()
	reader := pn532.New(platformI2C())
	reader.Configure()

	radio.Start(ctx, radio.Deps{
		Conn:   b.NewConnection("radio"),
		Log:    log.With().Str("svc", "radio").Logger(),
		Arb:    arb,
		Modes:  modes,
		Front:  front,
		SubGHz: subghz,
	})
	ble.Start(ctx, ble.Deps{
		Conn: b.NewConnection("ble"),
		Log:  log.With().Str("svc", "ble").Logger(),
		Dev:  platformBLE(),
	})
	nfc.Start(ctx, nfc.Deps{
		Conn: b.NewConnection("nfc"),
		Log:  log.With().Str("svc", "nfc").Logger(),
		Arb:  arb,
		Dev:  reader,
	})
	command.Start(ctx, command.Deps{
		Conn:    b.NewConnection("command"),
		Log:     log.With().Str("svc", "command").Logger(),
		Arb:     arb,
		Armer:   armer,
		Ring:    ring,
		Display: platformDisplay(),
	})
	link := serial.New(serial.Deps{
		Conn: b.NewConnection("serial"),
		Log:  log.With().Str("svc", "serial").Logger(),
	})

	heartbeat.Start(ctx, heartbeat.Deps{
		Conn:  b.NewConnection("heartbeat"),
		Log:   log.With().Str("svc", "heartbeat").Logger(),
		Modes: modes,
		Stats: link.Stats,
	})

	platformInputs(armer, ring)

	cfgSvc := &config.Service{Log: log.With().Str("svc", "config").Logger()}
	if err := cfgSvc.PublishFile(ctx, b.NewConnection("config"), *cfgPath); err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("config load failed")
	}

	log.Info().Msg("node up")
	// Blocks until shutdown, supervising the host link.
	link.Run(ctx)
	log.Info().Msg("node shutting down")
}
