package app

// StopReason is logged with the shutdown summary.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopInputEOF   StopReason = "input_closed"
	StopFatalError StopReason = "fatal_error"
)
