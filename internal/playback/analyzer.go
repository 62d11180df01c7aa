package playback

import (
	"math"
	"sync"
)

// Analyzer is a read-only frequency tap for visualizers. Feed never blocks:
// when a reader holds the window the samples are skipped.
type Analyzer struct {
	mu     sync.Mutex
	window []float32
	pos    int
	filled bool
	bands  int
	rate   int
}

func NewAnalyzer(windowSize, bands, sampleRate int) *Analyzer {
	if windowSize <= 0 {
		windowSize = 512
	}
	if bands <= 0 {
		bands = 16
	}
	return &Analyzer{window: make([]float32, windowSize), bands: bands, rate: sampleRate}
}

func (a *Analyzer) Feed(samples []float32) {
	if !a.mu.TryLock() {
		return
	}
	defer a.mu.Unlock()
	for _, v := range samples {
		a.window[a.pos] = v
		a.pos++
		if a.pos == len(a.window) {
			a.pos = 0
			a.filled = true
		}
	}
}

// Spectrum returns normalized magnitudes in [0, 1] for log-spaced bands
// between 60 Hz and Nyquist.
func (a *Analyzer) Spectrum() []float64 {
	a.mu.Lock()
	n := len(a.window)
	if !a.filled {
		n = a.pos
	}
	frame := make([]float64, n)
	start := 0
	if a.filled {
		start = a.pos
	}
	for i := 0; i < n; i++ {
		frame[i] = float64(a.window[(start+i)%len(a.window)])
	}
	bands, rate := a.bands, a.rate
	a.mu.Unlock()

	out := make([]float64, bands)
	if n < 2 || rate <= 0 {
		return out
	}
	// Hann window.
	for i := range frame {
		frame[i] *= 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}

	lo, hi := 60.0, float64(rate)/2
	for b := 0; b < bands; b++ {
		f0 := lo * math.Pow(hi/lo, float64(b)/float64(bands))
		f1 := lo * math.Pow(hi/lo, float64(b+1)/float64(bands))
		out[b] = goertzel(frame, (f0+f1)/2, rate) / float64(n) * 4
		if out[b] > 1 {
			out[b] = 1
		}
	}
	return out
}

func goertzel(frame []float64, freq float64, rate int) float64 {
	w := 2 * math.Pi * freq / float64(rate)
	coeff := 2 * math.Cos(w)
	var s1, s2 float64
	for _, x := range frame {
		s0 := x + coeff*s1 - s2
		s2, s1 = s1, s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	if power < 0 {
		power = 0
	}
	return math.Sqrt(power)
}
