package audio

import (
	"math"
	"sync"
)

const (
	analyzerSmoothing = 0.8
	analyzerMinDB     = -100.0
	analyzerMaxDB     = -30.0
)

// Analyzer tracks a smoothed 0-255 loudness level for visualization. It is
// fed from the capture goroutine and read from the display ticker.
type Analyzer struct {
	mu    sync.Mutex
	level float64
}

// NewAnalyzer creates an analyzer at silence
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Write folds a window of samples into the smoothed level
func (a *Analyzer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	target := scaleDecibels(rms(samples))

	a.mu.Lock()
	a.level = analyzerSmoothing*a.level + (1-analyzerSmoothing)*target
	a.mu.Unlock()
}

// Level returns the current smoothed level
func (a *Analyzer) Level() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint8(math.Round(a.level))
}

// Reset returns the analyzer to silence
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.level = 0
	a.mu.Unlock()
}

func rms(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		f := float64(clamp(s))
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// scaleDecibels maps an RMS amplitude onto 0-255 across the analyser window
func scaleDecibels(amplitude float64) float64 {
	if amplitude <= 0 {
		return 0
	}
	db := 20 * math.Log10(amplitude)
	scaled := (db - analyzerMinDB) / (analyzerMaxDB - analyzerMinDB) * 255
	return math.Max(0, math.Min(255, scaled))
}
