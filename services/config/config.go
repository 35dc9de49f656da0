// services/config/config.go
package config

import (
	"context"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"chimera-node/bus"
)

const configPrefix = "config"

// Service decodes the node TOML config and publishes every top-level
// section as a retained {"config", <section>} message. Services pick
// up their own section and never touch the file.
type Service struct {
	Log zerolog.Logger
}

// PublishFile loads and publishes the config at path.
func (s *Service) PublishFile(ctx context.Context, conn *bus.Connection, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.Publish(ctx, conn, raw)
}

// Publish decodes raw TOML and publishes each section retained.
func (s *Service) Publish(_ context.Context, conn *bus.Connection, raw []byte) error {
	var m map[string]any
	if err := toml.Unmarshal(raw, &m); err != nil {
		return err
	}
	for section, v := range m {
		conn.Publish(&bus.Message{
			Topic:    bus.T(configPrefix, section),
			Payload:  v,
			Retained: true,
		})
		s.Log.Debug().Str("section", section).Msg("config section published")
	}
	return nil
}
