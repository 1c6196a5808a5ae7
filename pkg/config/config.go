// Package config loads engine settings from INI files. Two transport
// profiles are recognized: [udp] with the RFC 7252 default transmission
// parameters and [sms] with retransmissions disabled.
package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/openlw/golwm2m/pkg/coap"
)

// Config gathers everything tunable about one CoAP engine instance
type Config struct {
	TxParams      coap.TransmissionParams
	InBufferSize  int
	OutBufferSize int
	MsgCacheSize  int
	TokenSize     int
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		TxParams:      coap.DefaultTxParams,
		InBufferSize:  1152,
		OutBufferSize: 1152,
		MsgCacheSize:  4096,
		TokenSize:     8,
	}
}

func loadTxParams(section *ini.Section, base coap.TransmissionParams) coap.TransmissionParams {
	params := base
	params.AckTimeout = time.Duration(section.Key("ack_timeout_ms").
		MustInt64(int64(base.AckTimeout/time.Millisecond))) * time.Millisecond
	params.AckRandomFactor = section.Key("ack_random_factor").
		MustFloat64(base.AckRandomFactor)
	params.MaxRetransmit = uint(section.Key("max_retransmit").
		MustUint(uint(base.MaxRetransmit)))
	return params
}

// Load reads a configuration file. The profile argument selects the
// transmission parameter section, "udp" or "sms"; unknown keys keep their
// defaults.
func Load(path string, profile string) (Config, error) {
	cfg := Default()

	file, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("could not load config file: %w", err)
	}

	engine := file.Section("engine")
	cfg.InBufferSize = engine.Key("in_buffer_size").MustInt(cfg.InBufferSize)
	cfg.OutBufferSize = engine.Key("out_buffer_size").MustInt(cfg.OutBufferSize)
	cfg.MsgCacheSize = engine.Key("msg_cache_size").MustInt(cfg.MsgCacheSize)
	cfg.TokenSize = engine.Key("token_size").MustInt(cfg.TokenSize)

	base := coap.DefaultTxParams
	if profile == "sms" {
		base = coap.SMSTxParams
	}
	cfg.TxParams = loadTxParams(file.Section(profile), base)

	if err := cfg.TxParams.Validate(); err != nil {
		return cfg, err
	}

	log.Debugf("[CONFIG] loaded %s profile from %s", profile, path)
	return cfg, nil
}
