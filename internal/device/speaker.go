package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/playback"
)

// ~100ms at 24kHz mono PCM16.
const speakerBufferBytes = 4800

// Speaker owns the process-wide output context. Each call gets its own
// Timeline; oto mixes the timelines' players.
type Speaker struct {
	ctx  *oto.Context
	rate int
}

func OpenSpeaker(sampleRate int) (*Speaker, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(speakerBufferBytes/2) * time.Second / time.Duration(sampleRate),
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx, rate: sampleRate}, nil
}

// NewTimeline starts a player pulling from a fresh timeline.
func (s *Speaker) NewTimeline() *Timeline {
	t := newTimeline(s.rate)
	t.player = s.ctx.NewPlayer(t)
	t.player.Play()
	return t
}

// Timeline is a playback.Sink whose clock is the number of samples handed
// to the output device. Scheduled voices are mixed at their start position;
// gaps render as silence.
type Timeline struct {
	mu     sync.Mutex
	rate   int
	pos    int64
	voices []*timelineVoice
	mix    []float32
	closed bool

	player *oto.Player
}

func newTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.Duration(int(t.pos), t.rate)
}

func (t *Timeline) Schedule(buf playback.Buffer, at time.Duration, onEnded func()) playback.Voice {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != t.rate {
		samples = resample(samples, buf.SampleRate, t.rate)
	}
	v := &timelineVoice{
		t:       t,
		start:   audio.SampleIndex(at, t.rate),
		samples: samples,
		onEnded: onEnded,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		v.done = true
		return v
	}
	if v.start < t.pos {
		v.start = t.pos
	}
	t.voices = append(t.voices, v)
	return v
}

// Read renders the next len(p)/2 samples. It never blocks.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if cap(t.mix) < n {
		t.mix = make([]float32, n)
	}
	mix := t.mix[:n]
	clear(mix)

	from, to := t.pos, t.pos+int64(n)
	var ended []func()
	kept := t.voices[:0]
	for _, v := range t.voices {
		end := v.start + int64(len(v.samples))
		if lo, hi := max(v.start, from), min(end, to); lo < hi {
			src := v.samples[lo-v.start : hi-v.start]
			dst := mix[lo-from : hi-from]
			for i, s := range src {
				dst[i] += s
			}
		}
		if end <= to {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = to
	audio.PutPCM16LE(p, mix)
	t.mu.Unlock()

	for _, fn := range ended {
		go fn()
	}
	return n * 2, nil
}

// Close stops the player and drops scheduled voices without firing their
// completion callbacks.
func (t *Timeline) Close() error {
	t.mu.Lock()
	t.closed = true
	for _, v := range t.voices {
		v.done = true
	}
	t.voices = nil
	player := t.player
	t.mu.Unlock()

	if player == nil {
		return nil
	}
	player.Pause()
	return player.Close()
}

func (t *Timeline) scheduled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

type timelineVoice struct {
	t       *Timeline
	start   int64
	samples []float32
	onEnded func()
	done    bool
}

func (v *timelineVoice) Stop() {
	t := v.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.done {
		return
	}
	v.done = true
	for i, other := range t.voices {
		if other == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			return
		}
	}
}

// resample converts by linear interpolation.
func resample(in []float32, from, to int) []float32 {
	if len(in) == 0 || from <= 0 || to <= 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		x := float64(i) * step
		j := int(x)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(x - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
