package types

// ------------------------
// Service state (retained)
// ------------------------

type ServiceState struct {
	Level  string `json:"level"`  // "idle", "ready", "stopped"
	Status string `json:"status"` // freeform short code
	TSms   int64  `json:"ts_ms"`
}

// Link is the reported condition of one card.
type Link string

const (
	LinkUp       Link = "up"       // Ready
	LinkDown     Link = "down"     // never initialised
	LinkDegraded Link = "degraded" // init failed or the card stopped answering
)

// ------------------------
// Storage configuration (config/storage)
// ------------------------

type StorageConfig struct {
	Cards []CardConfig `json:"cards"`
}

// CardConfig attaches one card. Zero timers take the driver defaults.
type CardConfig struct {
	Name       string `json:"name"`
	SPI        string `json:"spi"`        // bus id, e.g. "spi0"
	CSPin      int    `json:"cs_pin"`     // GP number of chip select
	Addressing string `json:"addressing"` // "byte" (default), "block", "auto"
	InitOnBoot bool   `json:"init_on_boot,omitempty"`

	InitTimer          int  `json:"init_timer,omitempty"`
	ReadTimer          int  `json:"read_timer,omitempty"`
	WriteTimer         int  `json:"write_timer,omitempty"`
	StrictVoltageCheck bool `json:"strict_voltage_check,omitempty"`
	ComputeCRC         bool `json:"compute_crc,omitempty"`
}

// ------------------------
// Card status (retained at storage/sd/<name>/status)
// ------------------------

type CardStatus struct {
	Link       Link   `json:"link"`
	State      string `json:"state"` // driver state name
	Addressing string `json:"addressing"`
	Legacy     bool   `json:"legacy,omitempty"`
	OCR        uint32 `json:"ocr,omitempty"`
	Reads      uint32 `json:"reads"`
	Writes     uint32 `json:"writes"`
	Error      string `json:"error,omitempty"` // machine-readable short code
	TSms       int64  `json:"ts_ms"`
}

// ------------------------
// Sector controls
// ------------------------

// SectorRead is the payload of control/read.
type SectorRead struct {
	Sector uint32 `json:"sector"`
}

// SectorWrite is the payload of control/write. Data shorter than a sector is
// zero padded; longer is rejected.
type SectorWrite struct {
	Sector uint32 `json:"sector"`
	Data   []byte `json:"data"`
}

// SectorData is the reply to a successful read.
type SectorData struct {
	OK     bool   `json:"ok"`
	Sector uint32 `json:"sector"`
	Data   []byte `json:"data"`
}

// Generic replies
type OKReply struct {
	OK bool `json:"ok"`
}
type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// StorageHealth is the periodic summary retained at storage/health.
type StorageHealth struct {
	Cards    int   `json:"cards"`
	Up       int   `json:"up"`
	Degraded int   `json:"degraded"`
	TSms     int64 `json:"ts_ms"`
}
