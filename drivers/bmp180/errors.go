package bmp180

import (
	"errors"
	"fmt"

	"bmp180-go/errcode"
)

// Errors returned by the driver. Use errors.Is; bus and calibration
// failures arrive as *BusError and *CalibrationError.
var (
	ErrBus           = errors.New("bmp180: bus error")
	ErrCalibration   = errors.New("bmp180: invalid calibration data")
	ErrNotCalibrated = errors.New("bmp180: not calibrated")
	ErrCancelled     = errors.New("bmp180: cancelled")
	ErrOversampling  = errors.New("bmp180: invalid oversampling")
	ErrCompensation  = errors.New("bmp180: compensation out of range")
)

// BusError is a failed transaction on the underlying bus.
type BusError struct {
	Op  string // "write" or "read"
	Reg byte
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("bmp180: %s reg %#02x: %v", e.Op, e.Reg, e.Err)
}
func (e *BusError) Unwrap() error        { return e.Err }
func (e *BusError) Is(target error) bool { return target == ErrBus }
func (e *BusError) Code() errcode.Code   { return errcode.BusError }

// CalibrationError reports the first coefficient that failed validation.
type CalibrationError struct {
	Coefficient string // "AC1".."MD"; empty for a short read
	Word        uint16
	N           int // bytes received, for short reads
}

func (e *CalibrationError) Error() string {
	if e.Coefficient == "" {
		return fmt.Sprintf("bmp180: calibration block short: %d of %d bytes", e.N, calibrationLen)
	}
	return fmt.Sprintf("bmp180: calibration %s reads %#04x", e.Coefficient, e.Word)
}
func (e *CalibrationError) Is(target error) bool { return target == ErrCalibration }
func (e *CalibrationError) Code() errcode.Code   { return errcode.CalibrationInvalid }

// cancelled wraps a context error so it matches both ErrCancelled and the cause.
func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// Code maps driver errors to bus-facing codes.
func Code(err error) errcode.Code {
	switch {
	case err == nil:
		return errcode.OK
	case errors.Is(err, ErrNotCalibrated):
		return errcode.NotCalibrated
	case errors.Is(err, ErrCancelled):
		return errcode.Cancelled
	case errors.Is(err, ErrOversampling):
		return errcode.InvalidParams
	case errors.Is(err, ErrCompensation):
		return errcode.OutOfRange
	}
	return errcode.Of(err)
}
