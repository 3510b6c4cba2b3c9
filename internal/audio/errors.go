package audio

import "fmt"

// DeviceInitError reports a failure to open or validate a device.
// It is fatal to the session cycle that triggered it.
type DeviceInitError struct {
	Kind  DeviceKind
	Index int
	Err   error
}

func (e *DeviceInitError) Error() string {
	return fmt.Sprintf("initializing %s device %d: %v", e.Kind, e.Index, e.Err)
}

func (e *DeviceInitError) Unwrap() error { return e.Err }

// DeviceQueryError reports a failure to describe one device during
// enumeration. The device is skipped from the catalog; enumeration
// itself carries on.
type DeviceQueryError struct {
	Index int
	Err   error
}

func (e *DeviceQueryError) Error() string {
	return fmt.Sprintf("querying device %d: %v", e.Index, e.Err)
}

func (e *DeviceQueryError) Unwrap() error { return e.Err }

// StreamReadError reports a failure while polling or draining a live
// capture stream. The capture that hit it cannot continue.
type StreamReadError struct {
	Err error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("reading capture stream: %v", e.Err)
}

func (e *StreamReadError) Unwrap() error { return e.Err }
