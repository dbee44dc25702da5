// Package config publishes the device's embedded configuration. Each
// top-level key of the device's JSON document goes out retained on
// config/<key>, where services pick it up whenever they subscribe.
package config

import (
	"context"
	"errors"

	"sdspi-go/bus"
	"sdspi-go/x/logx"

	"github.com/andreyvit/tinyjson"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

type ctxKey string

// CtxDeviceKey is the context key carrying the device ID.
const CtxDeviceKey ctxKey = "device"

// WithDevice returns ctx carrying device as the device ID.
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, CtxDeviceKey, device)
}

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

type ConfigService struct {
	Name string
}

func NewConfigService() *ConfigService {
	return &ConfigService{Name: serviceName}
}

// publishConfig decodes the device's document and publishes every key
// retained. Values stay in their decoded JSON form (map[string]any, []any,
// float64, ...); consumers decode into their own types.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) (int, error) {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return 0, errors.New("missing device ID in context")
	}

	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return 0, errors.New("no embedded config for device: " + device)
	}

	val, err := decodeDocument(raw)
	if err != nil {
		return 0, err
	}
	m, ok := val.(map[string]any)
	if !ok {
		return 0, errors.New("embedded config is not a JSON object")
	}

	for k, v := range m {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
	}
	return len(m), nil
}

// decodeDocument parses one JSON value spanning all of raw. tinyjson panics
// on malformed input; that surfaces here as an error.
func decodeDocument(raw []byte) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, errors.New("embedded config is not valid JSON")
		}
	}()
	r := tinyjson.Raw(raw)
	val = r.Value()
	r.EnsureEOF()
	return val, nil
}

// Start launches the config publisher in a goroutine.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	log := logx.For(logx.ComponentConfig)
	go func() {
		n, err := s.publishConfig(ctx, conn)
		if err != nil {
			log.Error("publish failed", "err", err.Error())
			return
		}
		log.Info("published", "keys", n)
	}()
}
