// Package audio implements the PCM Frame Source: a single capture device
// yielding fixed-size 16-bit mono PCM frames, with cooperative stop.
package audio

import (
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	applerrors "github.com/jarvin-ai/listener/internal/errors"
)

// Frame is a fixed-size block of int16 mono PCM samples, immutable after capture.
type Frame struct {
	Data []int16
}

// DeviceInfo describes an enumerable capture device.
type DeviceInfo struct {
	Index int
	Name  string
}

// Source opens one capture device and exposes blocking, cooperatively
// cancellable frame reads. Not safe for concurrent ReadFrame calls.
type Source struct {
	sampleRate int
	chunk      int

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	frames chan []int16
	accum  []int16

	stopOnce  sync.Once
	closeOnce sync.Once
	stopped   chan struct{}
}

// NewSource constructs a Source for the given sample rate and frame size.
// Open must be called before ReadFrame.
func NewSource(sampleRate, chunk int) *Source {
	return &Source{
		sampleRate: sampleRate,
		chunk:      chunk,
		frames:     make(chan []int16, 8),
		stopped:    make(chan struct{}),
	}
}

// ListDevices enumerates available capture devices. Used by the
// GET /audio/devices control endpoint.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, applerrors.Wrap(err, applerrors.NoInputDevice, "init audio context")
	}
	defer ctx.Uninit()
	defer ctx.Free()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, applerrors.Wrap(err, applerrors.NoInputDevice, "enumerate capture devices")
	}
	if len(infos) == 0 {
		return nil, applerrors.New(applerrors.NoInputDevice, "no capture devices found")
	}

	out := make([]DeviceInfo, len(infos))
	for i, info := range infos {
		out[i] = DeviceInfo{Index: i, Name: info.Name()}
	}
	return out, nil
}

// Open acquires the capture device. If deviceIndex is non-nil, it tries that
// device first and falls back to the system default exactly once on
// failure (spec §4.1 edge case). If no input device exists at all, Open
// fails with NoInputDevice.
func (s *Source) Open(deviceIndex *int) error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return applerrors.Wrap(err, applerrors.DeviceOpenFailed, "init audio context")
	}
	s.ctx = ctx

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil || len(infos) == 0 {
		ctx.Uninit()
		ctx.Free()
		return applerrors.New(applerrors.NoInputDevice, "no capture devices found")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(s.sampleRate)
	cfg.PeriodSizeInFrames = uint32(s.chunk)

	if deviceIndex != nil && *deviceIndex >= 0 && *deviceIndex < len(infos) {
		cfg.Capture.DeviceID = infos[*deviceIndex].ID.Pointer()
		if err := s.startDevice(cfg); err == nil {
			return nil
		}
		slog.Warn("audio: requested device failed to open, retrying on default", "index", *deviceIndex)
	}

	cfg.Capture.DeviceID = nil
	if err := s.startDevice(cfg); err != nil {
		s.ctx.Uninit()
		s.ctx.Free()
		return applerrors.Wrap(err, applerrors.DeviceOpenFailed, "open default capture device")
	}
	return nil
}

func (s *Source) startDevice(cfg malgo.DeviceConfig) error {
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pSamples []byte, _ uint32) {
			s.onSamples(bytesToInt16(pSamples))
		},
	}

	device, err := malgo.InitDevice(s.ctx.Context, cfg, callbacks)
	if err != nil {
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return err
	}
	s.device = device
	return nil
}

// onSamples accumulates raw callback samples into exactly chunk-sized
// frames, honoring the "read_frame returns exactly chunk samples" contract
// despite malgo's callback delivering variable-sized buffers. Drops on a
// full channel (teacher's backpressure idiom) rather than blocking the
// audio thread.
func (s *Source) onSamples(samples []int16) {
	s.accum = append(s.accum, samples...)
	for len(s.accum) >= s.chunk {
		frame := make([]int16, s.chunk)
		copy(frame, s.accum[:s.chunk])
		s.accum = s.accum[s.chunk:]

		select {
		case s.frames <- frame:
		default:
			slog.Debug("audio: frame buffer full, dropping frame")
		}
	}
}

// ReadFrame blocks until exactly chunk samples are available, or until Stop
// has been called and the buffered frames drain, whichever happens first.
func (s *Source) ReadFrame() (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return Frame{}, applerrors.New(applerrors.Cancelled, "end of stream")
		}
		return Frame{Data: f}, nil
	case <-s.stopped:
		select {
		case f := <-s.frames:
			return Frame{Data: f}, nil
		default:
			return Frame{}, applerrors.New(applerrors.Cancelled, "end of stream")
		}
	}
}

// Stop is non-blocking and unblocks any in-flight ReadFrame promptly.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		if s.device != nil {
			_ = s.device.Stop()
		}
		close(s.stopped)
	})
}

// Close releases the device unconditionally; safe to call twice.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		if s.device != nil {
			s.device.Uninit()
		}
		if s.ctx != nil {
			s.ctx.Uninit()
			s.ctx.Free()
		}
	})
}

func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}
