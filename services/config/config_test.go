package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"sdspi-go/bus"
	"sdspi-go/types"
)

func TestConfig_PublishEmbedded_RetainedPerKey(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(device string) ([]byte, bool) {
		if device != "pico" {
			return nil, false
		}
		return []byte(`{
			"mode": "dev",
			"debug": true,
			"storage": {"cards": [{"name": "sd0"}]}
		}`), true
	}
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	svc := NewConfigService()

	svc.Start(WithDevice(context.Background(), "pico"), conn)

	// Retained messages arrive whether or not the publisher ran first.
	sub := conn.Subscribe(bus.T(configPrefix, "#"))

	wantCount := 3
	got := map[string]any{}

	deadline := time.Now().Add(600 * time.Millisecond)
	for len(got) < wantCount && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			if m.Topic.Len() != 2 {
				t.Fatalf("unexpected topic: %#v", m.Topic)
			}
			if p, _ := m.Topic.At(0).(string); p != configPrefix {
				t.Fatalf("unexpected prefix: %#v", m.Topic.At(0))
			}
			key, ok := m.Topic.At(1).(string)
			if !ok {
				t.Fatalf("topic[1] type %T, want string", m.Topic.At(1))
			}
			if !m.Retained {
				t.Fatalf("config/%s not retained", key)
			}
			got[key] = m.Payload
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(got) != wantCount {
		t.Fatalf("expected %d retained messages, got %d (%v)", wantCount, len(got), got)
	}

	if s, ok := got["mode"].(string); !ok || s != "dev" {
		t.Fatalf("mode payload = %#v, want \"dev\"", got["mode"])
	}
	if v, ok := got["debug"].(bool); !ok || !v {
		t.Fatalf("debug payload = %#v, want true", got["debug"])
	}
	st, ok := got["storage"].(map[string]any)
	if !ok {
		t.Fatalf("storage payload type = %T, want map[string]any", got["storage"])
	}
	if cards, ok := st["cards"].([]any); !ok || len(cards) != 1 {
		t.Fatalf("storage.cards = %#v", st["cards"])
	}
}

func TestConfig_EmbeddedDocumentsDecode(t *testing.T) {
	for _, device := range []string{"pico", "host"} {
		b := bus.NewBus(4)
		conn := b.NewConnection("test-" + device)
		n, err := NewConfigService().publishConfig(WithDevice(context.Background(), device), conn)
		if err != nil {
			t.Fatalf("%s: %v", device, err)
		}
		if n == 0 {
			t.Fatalf("%s: no keys", device)
		}

		sub := conn.Subscribe(bus.T(configPrefix, "storage"))
		select {
		case m := <-sub.Channel():
			var cfg types.StorageConfig
			if err := decodeInto(m.Payload, &cfg); err != nil {
				t.Fatalf("%s: %v", device, err)
			}
			if len(cfg.Cards) == 0 || cfg.Cards[0].Name != "sd0" || cfg.Cards[0].CSPin != 17 {
				t.Fatalf("%s: storage config %+v", device, cfg)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("%s: no retained config/storage", device)
		}
	}
}

func TestConfig_PublishConfig_MissingDevice(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("test-missing-device")
	if _, err := NewConfigService().publishConfig(context.Background(), conn); err == nil {
		t.Fatal("expected error for missing device ID, got nil")
	}
}

func TestConfig_PublishConfig_NoConfigFound(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(device string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	b := bus.NewBus(4)
	conn := b.NewConnection("test-no-config")
	if _, err := NewConfigService().publishConfig(WithDevice(context.Background(), "unknown-device"), conn); err == nil {
		t.Fatal("expected error for missing embedded config, got nil")
	}
}

func TestConfig_PublishConfig_NotAnObject(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(string) ([]byte, bool) { return []byte(`[1,2]`), true }
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	conn := bus.NewBus(4).NewConnection("test-array")
	if _, err := NewConfigService().publishConfig(WithDevice(context.Background(), "x"), conn); err == nil {
		t.Fatal("expected error for non-object config")
	}
}

func decodeInto(src any, dst *types.StorageConfig) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func TestConfig_PublishConfig_MalformedDocuments(t *testing.T) {
	oldLookup := EmbeddedConfigLookup
	t.Cleanup(func() { EmbeddedConfigLookup = oldLookup })

	for _, doc := range []string{
		`{"storage":}`,
		`{"storage":{"cards":[1,2}}`,
		`{"a":1} {"b":2}`,
	} {
		EmbeddedConfigLookup = func(string) ([]byte, bool) { return []byte(doc), true }
		conn := bus.NewBus(4).NewConnection("test-malformed")
		n, err := NewConfigService().publishConfig(WithDevice(context.Background(), "x"), conn)
		if err == nil {
			t.Fatalf("%q: expected error, published %d keys", doc, n)
		}
	}
}

func TestConfig_NumbersDecodeAsFloat(t *testing.T) {
	val, err := decodeDocument([]byte(`{"storage":{"cards":[{"name":"sd0","cs_pin":17}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	st := val.(map[string]any)["storage"].(map[string]any)
	card := st["cards"].([]any)[0].(map[string]any)
	if pin, ok := card["cs_pin"].(float64); !ok || pin != 17 {
		t.Fatalf("cs_pin = %#v, want float64 17", card["cs_pin"])
	}
	if card["name"] != "sd0" {
		t.Fatalf("name = %#v", card["name"])
	}
}
