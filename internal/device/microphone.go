package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/capture"
)

const capturePeriodMillis = 20

// Microphone opens capture devices on the host's default input.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	logger zerolog.Logger
}

func OpenMicrophone(logger zerolog.Logger) (*Microphone, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", capture.ErrDeviceUnavailable, err)
	}
	return &Microphone{
		ctx:    ctx,
		logger: logger.With().Str("component", "microphone").Logger(),
	}, nil
}

// Acquire starts a capture device producing float frames in the requested
// format. Frames are discarded until a FrameFunc is attached.
func (m *Microphone) Acquire(ctx context.Context, format capture.Format) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %+v", capture.ErrDeviceUnavailable, format)
	}

	s := &micStream{}
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = capturePeriodMillis

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, classifyDeviceError("init capture device", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classifyDeviceError("start capture device", err)
	}
	s.device = dev
	m.logger.Debug().Int("sample_rate", format.SampleRate).Int("channels", format.Channels).Msg("capture device started")
	return s, nil
}

func (m *Microphone) Close() error {
	if m == nil || m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	return err
}

type micStream struct {
	device *malgo.Device
	fn     atomic.Pointer[capture.FrameFunc]
	buf    []float32 // audio thread only

	closeOnce sync.Once
}

func (s *micStream) Attach(fn capture.FrameFunc) {
	if fn == nil {
		s.fn.Store(nil)
		return
	}
	s.fn.Store(&fn)
}

func (s *micStream) Detach() {
	s.fn.Store(nil)
}

func (s *micStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.fn.Store(nil)
		if s.device == nil {
			return
		}
		err = s.device.Stop()
		s.device.Uninit()
	})
	return err
}

func (s *micStream) onData(_, input []byte, _ uint32) {
	fn := s.fn.Load()
	if fn == nil || len(input) < 2 {
		return
	}
	s.buf = decodeS16Into(s.buf, input)
	(*fn)(s.buf)
}

// decodeS16Into reuses dst to hold the float form of little-endian PCM16.
// A trailing odd byte is ignored.
func decodeS16Into(dst []float32, pcm []byte) []float32 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 0x8000
	}
	return dst
}

func classifyDeviceError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %s: %v", capture.ErrPermissionDenied, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", capture.ErrDeviceUnavailable, op, err)
}
