package config

// Embedded configuration, keyed by device ID (the value placed in ctx under
// CtxDeviceKey).

// Pico: one card on spi0 with chip select on GP17.
const cfgPico = `{
  "storage": {
    "cards": [
      {"name": "sd0", "spi": "spi0", "cs_pin": 17, "addressing": "byte", "init_on_boot": false}
    ]
  }
}`

// Host: the simulated board, a standard card and an SDHC card.
const cfgHost = `{
  "storage": {
    "cards": [
      {"name": "sd0", "spi": "spi0", "cs_pin": 17, "addressing": "byte"},
      {"name": "hc0", "spi": "spi1", "cs_pin": 13, "addressing": "auto", "init_on_boot": true}
    ]
  }
}`

var embeddedConfigs = map[string][]byte{
	"pico": []byte(cfgPico),
	"host": []byte(cfgHost),
}
