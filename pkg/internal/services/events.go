package services

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var Nc *nats.Conn

// SetupEventBus connects to NATS so the rest of the platform can react
// to call lifecycle changes.
func SetupEventBus() error {
	nc, err := nats.Connect(
		viper.GetString("nats.url"),
		nats.Name("callserver"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}
	Nc = nc
	return nil
}

// PublishCallEvent fires one lifecycle event onto the bus. Events are
// best effort: a missing or broken bus only logs.
func PublishCallEvent(subject string, payload any) {
	if Nc == nil {
		return
	}
	data, err := jsoniter.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("An error occurred when encoding a call event...")
		return
	}
	if err := Nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("An error occurred when publishing a call event...")
	}
}
