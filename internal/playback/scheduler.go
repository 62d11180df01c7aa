// Package playback decodes inbound agent audio and schedules it back-to-back
// on an output timeline.
package playback

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/observability"
	"github.com/ent0n29/pitchcoach/internal/protocol"
)

var ErrFrameDecode = errors.New("frame decode failed")

type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b Buffer) Duration() time.Duration {
	return audio.Duration(len(b.Samples), b.SampleRate)
}

// Sink is an output timeline with its own clock, measured from an arbitrary
// origin. Schedule must not block; onEnded fires once when a voice finishes
// naturally and never after Stop.
type Sink interface {
	Now() time.Duration
	Schedule(buf Buffer, at time.Duration, onEnded func()) Voice
}

type Voice interface {
	Stop()
}

// Tap observes decoded audio. Feed must not block.
type Tap interface {
	Feed(samples []float32)
}

// ScheduledSource is one buffer scheduled or playing on the sink.
type ScheduledSource struct {
	ID           uint64
	PlannedStart time.Duration
	Duration     time.Duration

	voice Voice
}

func (s ScheduledSource) End() time.Duration { return s.PlannedStart + s.Duration }

// Scheduler is not safe for concurrent use; all calls, including the
// completion closures handed to post, must run on one goroutine.
type Scheduler struct {
	sink    Sink
	post    func(func())
	taps    []Tap
	logger  zerolog.Logger
	metrics *observability.Metrics

	nextStart time.Duration
	cursorSet bool
	seq       uint64
	active    map[uint64]*ScheduledSource
}

// NewScheduler builds a scheduler. post marshals sink completion callbacks
// back onto the scheduler's goroutine.
func NewScheduler(sink Sink, post func(func()), logger zerolog.Logger, metrics *observability.Metrics, taps ...Tap) *Scheduler {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Scheduler{
		sink:    sink,
		post:    post,
		taps:    taps,
		logger:  logger.With().Str("component", "playback").Logger(),
		metrics: metrics,
		active:  make(map[uint64]*ScheduledSource),
	}
}

// Enqueue decodes a raw PCM16 frame at the agent's output rate and schedules
// it at max(cursor, now). A decode failure drops the frame.
func (s *Scheduler) Enqueue(frame []byte) (ScheduledSource, error) {
	samples, err := audio.DecodePCM16LE(frame)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrFrameDecode, err)
		s.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping undecodable audio frame")
		s.metrics.ObserveError("frame_decode_failed")
		s.metrics.ObserveDrop("inbound", "decode_failed")
		return ScheduledSource{}, err
	}
	buf := Buffer{Samples: samples, SampleRate: protocol.OutputSampleRate}

	now := s.sink.Now()
	start := now
	if s.cursorSet && s.nextStart > now {
		start = s.nextStart
	}

	s.seq++
	id := s.seq
	src := &ScheduledSource{ID: id, PlannedStart: start, Duration: buf.Duration()}
	src.voice = s.sink.Schedule(buf, start, func() {
		s.post(func() { s.finished(id) })
	})
	s.active[id] = src
	s.nextStart = src.End()
	s.cursorSet = true
	s.metrics.AddActiveSources(1)

	for _, tap := range s.taps {
		tap.Feed(samples)
	}
	return *src, nil
}

// CancelAll stops every scheduled or playing source and resets the cursor so
// the next Enqueue starts at the sink's current time. Safe to call repeatedly.
func (s *Scheduler) CancelAll() int {
	n := len(s.active)
	for id, src := range s.active {
		if src.voice != nil {
			src.voice.Stop()
		}
		delete(s.active, id)
	}
	s.cursorSet = false
	s.nextStart = 0
	if n > 0 {
		s.metrics.AddActiveSources(-n)
		s.logger.Debug().Int("sources", n).Msg("playback cancelled")
	}
	return n
}

func (s *Scheduler) Active() int { return len(s.active) }

// Sources returns the active set ordered by planned start.
func (s *Scheduler) Sources() []ScheduledSource {
	out := make([]ScheduledSource, 0, len(s.active))
	for _, src := range s.active {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlannedStart < out[j].PlannedStart })
	return out
}

func (s *Scheduler) finished(id uint64) {
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	s.metrics.AddActiveSources(-1)
}
