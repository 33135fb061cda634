// Package capture acquires microphone audio and delivers it as fixed-length
// blocks of mono float samples.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrUnavailable is returned when no usable input device can be opened.
	ErrUnavailable = errors.New("microphone unavailable")
)

// Params describes the stream a Source should open.
type Params struct {
	SampleRate      int
	FramesPerBuffer int
	// Device is an index into the device list, as printed by ListDevices.
	// DefaultDevice selects the platform's default input.
	Device int
}

// DefaultDevice selects the default input device.
const DefaultDevice = -1

// Callback receives one block per period. The slice is only valid for the
// duration of the call.
type Callback func(block []float32)

// Source opens capture streams. Open blocks until access is granted or
// refused.
type Source interface {
	Open(ctx context.Context, params Params) (Stream, error)
}

// Stream is an acquired microphone. Connect may only be called once the
// stream has been granted; Release must be called on every exit path.
type Stream interface {
	// Connect wires the processing callback and starts delivery.
	Connect(cb Callback) error
	// Disconnect stops delivery. No callback runs after it returns.
	Disconnect() error
	// Release stops every underlying track. It is safe to call more than once.
	Release() error
	// Tracks reports the number of hardware tracks held by the stream.
	Tracks() int
}
