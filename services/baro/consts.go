package baro

import "time"

// Topic tokens
const (
	TokConfig  = "config"
	TokBaro    = "baro"
	TokInfo    = "info"
	TokState   = "state"
	TokValue   = "value"
	TokControl = "control"
)

// Control verbs
const (
	CtrlReadNow           = "read_now"
	CtrlSetRate           = "set_rate"
	CtrlSetOversampling   = "set_oversampling"
	CtrlReloadCalibration = "reload_calibration"
)

// Sampling period bounds.
const (
	MinPeriod = 200 * time.Millisecond
	MaxPeriod = time.Hour
)

// A device is reported down after this many consecutive failed cycles.
const downAfter = 3
