package types

// ---- Common service state (retained) ----

// Link is the health reported for a sensor.
type Link string

const (
	LinkUp       Link = "up"
	LinkDown     Link = "down"
	LinkDegraded Link = "degraded"
)

// Generic replies
type OKReply struct {
	OK bool `json:"ok"`
}
type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ---- Barometer payloads ----

// BaroInfo is published on baro/<id>/info (retained).
type BaroInfo struct {
	SchemaVersion int    `json:"schema_version"`
	Driver        string `json:"driver"` // "bmp180"
	Bus           string `json:"bus"`
	Addr          uint16 `json:"addr"`
	Oversampling  uint8  `json:"oversampling"`
	PeriodMs      uint32 `json:"period_ms"`
	// Calibration words AC1..MD as decoded (AC4..AC6 unsigned).
	Calibration [11]int32 `json:"calibration"`
}

// BaroState is published on baro/<id>/state (retained).
type BaroState struct {
	Link  Link   `json:"link"`
	Error string `json:"error,omitempty"`
	TS    int64  `json:"ts_ms"`
}

// BaroValue is published on baro/<id>/value. Fixed-point to suit TinyGo.
type BaroValue struct {
	DeciC int32 `json:"deci_c"` // tenths of °C
	Pa    int32 `json:"pa"`
	OSS   uint8 `json:"oss"`
	// Altitude in decimetres against the configured sea-level pressure.
	AltDm int32 `json:"alt_dm"`
	TS    int64 `json:"ts_ms"`
}

// Controls, on baro/<id>/control/<verb>.
type SetRate struct {
	PeriodMs uint32 `json:"period_ms"`
}

type SetOversampling struct {
	OSS uint8 `json:"oss"`
}

// Acks
type ReadNowAck struct {
	OK    bool      `json:"ok"`
	Value BaroValue `json:"value"`
}

type SetRateAck struct {
	OK       bool   `json:"ok"`
	PeriodMs uint32 `json:"period_ms"`
}

type SetOversamplingAck struct {
	OK  bool  `json:"ok"`
	OSS uint8 `json:"oss"`
}

type ReloadAck struct {
	OK          bool      `json:"ok"`
	Calibration [11]int32 `json:"calibration"`
}

// ServiceState is published on baro/state (retained).
type ServiceState struct {
	Level  string `json:"level"`  // "idle", "ready", "error", "stopped"
	Status string `json:"status"` // short code
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts_ms"`
}
