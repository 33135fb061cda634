package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const channels = 1

// PortAudio captures from a local input device.
type PortAudio struct{}

func (PortAudio) Open(ctx context.Context, p Params) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize PortAudio: %v", ErrUnavailable, err)
	}

	inputParams, err := inputParameters(p)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		portaudio.Terminate()
		return nil, err
	}

	s := &portaudioStream{}
	stream, err := portaudio.OpenStream(inputParams, s.process)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open audio stream: %v", ErrUnavailable, err)
	}
	s.stream = stream
	return s, nil
}

func inputParameters(p Params) (portaudio.StreamParameters, error) {
	var devices []*portaudio.DeviceInfo
	if p.Device != DefaultDevice {
		var err error
		devices, err = portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("%w: failed to get audio devices: %v", ErrUnavailable, err)
		}
	}
	device, err := selectDevice(devices, p.Device, portaudio.DefaultInputDevice)
	if err != nil {
		return portaudio.StreamParameters{}, err
	}

	slog.Info("Using audio device",
		"deviceID", p.Device,
		"deviceName", device.Name,
		"defaultSampleRate", device.DefaultSampleRate,
		"sampleRate", p.SampleRate,
		"inputChannels", device.MaxInputChannels)

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.SampleRate),
		FramesPerBuffer: p.FramesPerBuffer,
	}, nil
}

type portaudioStream struct {
	stream *portaudio.Stream

	mu       sync.Mutex
	cb       Callback
	running  bool
	released bool
}

func (s *portaudioStream) process(in []float32) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(in)
	}
}

func (s *portaudioStream) Connect(cb Callback) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return fmt.Errorf("stream already released")
	}
	s.cb = cb
	s.running = true
	s.mu.Unlock()

	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	return nil
}

func (s *portaudioStream) Disconnect() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()

	var err error
	if running {
		// Stop waits for the in-flight callback, so it must not run under mu.
		if err = s.stream.Stop(); err != nil {
			err = fmt.Errorf("failed to stop audio stream: %w", err)
		}
	}

	s.mu.Lock()
	s.cb = nil
	s.mu.Unlock()
	return err
}

func (s *portaudioStream) Release() error {
	disconnectErr := s.Disconnect()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return disconnectErr
	}
	s.released = true
	s.mu.Unlock()

	closeErr := s.stream.Close()
	portaudio.Terminate()
	if closeErr != nil {
		return fmt.Errorf("failed to close audio stream: %w", closeErr)
	}
	return disconnectErr
}

func (s *portaudioStream) Tracks() int { return channels }

// selectDevice picks devices[index], or the default input for DefaultDevice.
func selectDevice(devices []*portaudio.DeviceInfo, index int, defaultInput func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if index == DefaultDevice {
		device, err := defaultInput()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get default input device: %v", ErrUnavailable, err)
		}
		return device, nil
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("%w: invalid device ID %d", ErrUnavailable, index)
	}
	device := devices[index]
	if device.MaxInputChannels == 0 {
		return nil, fmt.Errorf("%w: device %q is not an input device", ErrUnavailable, device.Name)
	}
	return device, nil
}

// Device is one input device as reported by PortAudio.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// ListDevices returns the input devices PortAudio can see. Index matches
// Params.Device.
func ListDevices() ([]Device, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	// Filter to only input devices
	inputDevices := make([]Device, 0)
	for i, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, Device{
				Index:             i,
				Name:              device.Name,
				MaxInputChannels:  device.MaxInputChannels,
				DefaultSampleRate: device.DefaultSampleRate,
			})
		}
	}

	return inputDevices, nil
}
