// Package capture turns microphone frames into outbound agent audio frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/conversation"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/protocol"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrAlreadyCapturing  = errors.New("capture already started")
)

// Format describes the captured stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameFunc receives one frame of float samples on the device's real-time
// callback. It must return quickly and must not retain samples.
type FrameFunc func(samples []float32)

// Device acquires an input stream. Implementations return errors wrapping
// ErrPermissionDenied or ErrDeviceUnavailable.
type Device interface {
	Acquire(ctx context.Context, format Format) (Stream, error)
}

type Stream interface {
	Attach(fn FrameFunc)
	Detach()
	Close() error
}

// Uplink is the outbound side of the agent connection.
type Uplink interface {
	Open() bool
	Send(frame protocol.Frame) error
}

type StatusReader interface {
	Status() conversation.Status
}

type Pipeline struct {
	device  Device
	uplink  Uplink
	status  StatusReader
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	stream   Stream
	attached bool

	sent    atomic.Int64
	dropped atomic.Int64
}

func NewPipeline(device Device, uplink Uplink, status StatusReader, logger zerolog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		device:  device,
		uplink:  uplink,
		status:  status,
		logger:  logger.With().Str("component", "capture").Logger(),
		metrics: metrics,
	}
}

// Start acquires the microphone and attaches the frame callback unless the
// conversation is asleep.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return ErrAlreadyCapturing
	}
	stream, err := p.device.Acquire(ctx, Format{SampleRate: protocol.InputSampleRate, Channels: protocol.Channels})
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		p.metrics.ObserveError("capture_acquire_failed")
		return err
	}
	p.stream = stream
	if p.status.Status() != conversation.StatusSleeping {
		p.attachLocked()
	}
	p.logger.Info().Msg("microphone capture started")
	return nil
}

// OnStatusChange detaches the callback on entering sleep and re-attaches it
// on leaving sleep.
func (p *Pipeline) OnStatusChange(from, to conversation.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return
	}
	switch {
	case to == conversation.StatusSleeping:
		p.detachLocked()
	case from == conversation.StatusSleeping:
		p.attachLocked()
	}
}

func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	p.detachLocked()
	err := p.stream.Close()
	p.stream = nil
	return err
}

func (p *Pipeline) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Stats returns the number of frames sent and dropped by the gate.
func (p *Pipeline) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

func (p *Pipeline) attachLocked() {
	if p.attached {
		return
	}
	p.stream.Attach(p.handleFrame)
	p.attached = true
}

func (p *Pipeline) detachLocked() {
	if !p.attached {
		return
	}
	p.stream.Detach()
	p.attached = false
}

// handleFrame runs on the audio callback. Frames that fail the gate are
// dropped, never buffered.
func (p *Pipeline) handleFrame(samples []float32) {
	if !p.uplink.Open() {
		p.drop("transport_not_open")
		return
	}
	if p.status.Status() == conversation.StatusSleeping {
		p.drop("sleeping")
		return
	}
	if len(samples) == 0 {
		return
	}
	_ = p.uplink.Send(protocol.BinaryFrame(audio.EncodePCM16LE(samples)))
	p.sent.Add(1)
}

func (p *Pipeline) drop(reason string) {
	p.dropped.Add(1)
	p.metrics.ObserveDrop("outbound", reason)
}
