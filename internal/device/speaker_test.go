package device

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/pitchcoach/internal/audio"
	"github.com/ent0n29/pitchcoach/internal/playback"
	"github.com/ent0n29/pitchcoach/internal/protocol"
)

func render(t *testing.T, tl *Timeline, samples int) []float32 {
	t.Helper()
	p := make([]byte, samples*2)
	n, err := tl.Read(p)
	if err != nil || n != len(p) {
		t.Fatalf("Read() = %d, %v; want %d, nil", n, err, len(p))
	}
	out, err := audio.DecodePCM16LE(p)
	if err != nil {
		t.Fatalf("decode rendered audio: %v", err)
	}
	return out
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTimelineClockAdvancesWithReads(t *testing.T) {
	tl := newTimeline(1000)
	if got := tl.Now(); got != 0 {
		t.Fatalf("Now() = %v, want 0", got)
	}
	render(t, tl, 250)
	if got := tl.Now(); got != 250*time.Millisecond {
		t.Fatalf("Now() = %v, want 250ms", got)
	}
}

func TestTimelinePlacesVoicesAtStartPosition(t *testing.T) {
	tl := newTimeline(1000)
	ended := make(chan struct{}, 1)
	tl.Schedule(playback.Buffer{Samples: constant(10, 0.5), SampleRate: 1000}, 5*time.Millisecond, func() { ended <- struct{}{} })

	out := render(t, tl, 20)
	for i, s := range out {
		want := float32(0)
		if i >= 5 && i < 15 {
			want = 0.5
		}
		if diff := s - want; diff > 0.001 || diff < -0.001 {
			t.Fatalf("sample %d = %v, want %v", i, s, want)
		}
	}
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatalf("onEnded was not called")
	}
	if got := tl.scheduled(); got != 0 {
		t.Fatalf("scheduled() = %d, want 0", got)
	}
}

func TestTimelineVoiceSpansReads(t *testing.T) {
	tl := newTimeline(1000)
	tl.Schedule(playback.Buffer{Samples: constant(30, 0.25), SampleRate: 1000}, 0, nil)

	render(t, tl, 20)
	if got := tl.scheduled(); got != 1 {
		t.Fatalf("scheduled() after partial render = %d, want 1", got)
	}
	out := render(t, tl, 20)
	if out[9] < 0.24 || out[10] != 0 {
		t.Fatalf("tail samples = %v, %v; want voice then silence", out[9], out[10])
	}
}

func TestTimelineStopSilencesWithoutCallback(t *testing.T) {
	tl := newTimeline(1000)
	called := make(chan struct{}, 1)
	v := tl.Schedule(playback.Buffer{Samples: constant(10, 0.5), SampleRate: 1000}, 0, func() { called <- struct{}{} })
	v.Stop()
	v.Stop()

	out := render(t, tl, 20)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %v after Stop, want silence", i, s)
		}
	}
	select {
	case <-called:
		t.Fatalf("onEnded fired for a stopped voice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTimelineLateScheduleStartsNow(t *testing.T) {
	tl := newTimeline(1000)
	render(t, tl, 100)
	tl.Schedule(playback.Buffer{Samples: constant(5, 0.5), SampleRate: 1000}, 10*time.Millisecond, nil)
	out := render(t, tl, 10)
	if out[0] < 0.49 {
		t.Fatalf("first sample = %v, want voice to start immediately", out[0])
	}
}

func TestTimelineBackToBackFramesDoNotOverlap(t *testing.T) {
	tl := newTimeline(protocol.OutputSampleRate)
	sched := playback.NewScheduler(tl, func(func()) {}, zerolog.Nop(), nil)

	frame := audio.EncodePCM16LE(constant(1001, 0.5))
	for i := 0; i < 3; i++ {
		if _, err := sched.Enqueue(frame); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	out := render(t, tl, 3*1001+10)
	for i, s := range out[:3*1001] {
		if diff := s - 0.5; diff > 0.001 || diff < -0.001 {
			t.Fatalf("sample %d = %v, want 0.5 (no gap or overlap)", i, s)
		}
	}
	for i, s := range out[3*1001:] {
		if s != 0 {
			t.Fatalf("tail sample %d = %v, want silence", i, s)
		}
	}
}

func TestTimelineReadDoesNotAllocate(t *testing.T) {
	tl := newTimeline(1000)
	tl.Schedule(playback.Buffer{Samples: constant(1<<16, 0.25), SampleRate: 1000}, 0, nil)
	p := make([]byte, 480)
	_, _ = tl.Read(p)

	allocs := testing.AllocsPerRun(50, func() {
		_, _ = tl.Read(p)
	})
	if allocs != 0 {
		t.Fatalf("Read() allocs = %v, want 0", allocs)
	}
}

func TestResampleLength(t *testing.T) {
	out := resample(constant(160, 0.1), 16000, 24000)
	if len(out) != 240 {
		t.Fatalf("len(resample) = %d, want 240", len(out))
	}
}

func TestDecodeS16IntoReusesBuffer(t *testing.T) {
	pcm := audio.EncodePCM16LE([]float32{0, 0.5, -0.5})
	buf := make([]float32, 0, 8)
	out := decodeS16Into(buf, append(pcm, 0x01))
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if &out[0] != &buf[:1][0] {
		t.Fatalf("decodeS16Into allocated despite enough capacity")
	}
	if out[2] > -0.49 {
		t.Fatalf("out[2] = %v, want about -0.5", out[2])
	}
}
