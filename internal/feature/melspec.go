// Package feature extracts log-mel filterbank features from streaming PCM
// audio for the ASR encoder.
package feature

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/fft"
)

// Config controls the mel-spectrogram extraction matching the ASR encoder's
// expected front end (25ms window, 10ms hop, 80 mel bins at 16kHz).
type Config struct {
	SampleRate int
	WindowSize int // samples per analysis window
	HopSize    int // samples advanced per frame
	NumMels    int
	NumFFT     int
	FMin       float64
	FMax       float64
}

// DefaultConfig matches the FastConformer front end: 25ms/10ms framing at
// 16kHz with 80 mel bins.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		WindowSize: 400,
		HopSize:    160,
		NumMels:    80,
		NumFFT:     512,
		FMin:       0,
		FMax:       8000,
	}
}

// Extractor turns PCM frames into log-mel feature vectors, carrying the
// trailing samples of a previous call that did not fill a full window so
// that streaming chunks produce the same frames as a single offline call.
type Extractor struct {
	cfg      Config
	window   []float64
	melBank  [][]float64 // [NumMels][NumFFT/2+1]
	tail     []float32
	meanAccu []float64
	varAccu  []float64
	frameN   int64
}

// NewExtractor builds an Extractor for cfg, precomputing the analysis window
// and mel filterbank.
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.WindowSize <= 0 || cfg.HopSize <= 0 || cfg.NumMels <= 0 || cfg.NumFFT <= 0 {
		return nil, fmt.Errorf("feature: invalid config %+v", cfg)
	}

	if cfg.NumFFT < cfg.WindowSize {
		return nil, fmt.Errorf("feature: NumFFT %d must be >= WindowSize %d", cfg.NumFFT, cfg.WindowSize)
	}

	return &Extractor{
		cfg:      cfg,
		window:   hannWindow(cfg.WindowSize),
		melBank:  melFilterbank(cfg),
		meanAccu: make([]float64, cfg.NumMels),
		varAccu:  make([]float64, cfg.NumMels),
	}, nil
}

// Push feeds pcm (mono, float32 in [-1, 1]) into the rolling buffer and
// returns every complete [NumMels] frame it produces. Leftover samples that
// don't fill a full window are retained for the next Push call, so the same
// audio split across many small chunks yields identical frames to one large
// call (spec: "Streaming feature extraction never reconstructs a frame from
// a partial tail").
func (e *Extractor) Push(pcm []float32) [][]float32 {
	buf := append(e.tail, pcm...)

	var frames [][]float32

	pos := 0
	for pos+e.cfg.WindowSize <= len(buf) {
		frame := e.extractFrame(buf[pos : pos+e.cfg.WindowSize])
		frames = append(frames, frame)
		e.updateNormalizationStats(frame)
		pos += e.cfg.HopSize
	}

	remainder := buf[pos:]
	e.tail = append(e.tail[:0], remainder...)

	return frames
}

// Reset clears rolling state (tail samples and normalization statistics) for
// a new utterance.
func (e *Extractor) Reset() {
	e.tail = e.tail[:0]

	for i := range e.meanAccu {
		e.meanAccu[i] = 0
		e.varAccu[i] = 0
	}

	e.frameN = 0
}

// Normalize applies running per-feature mean/variance normalization in
// place, matching the encoder's expected input distribution.
func (e *Extractor) Normalize(frame []float32) {
	if e.frameN == 0 {
		return
	}

	n := float64(e.frameN)

	for i, v := range frame {
		mean := e.meanAccu[i] / n
		variance := e.varAccu[i]/n - mean*mean

		if variance < 1e-8 {
			variance = 1e-8
		}

		frame[i] = float32((float64(v) - mean) / math.Sqrt(variance))
	}
}

func (e *Extractor) updateNormalizationStats(frame []float32) {
	e.frameN++

	for i, v := range frame {
		fv := float64(v)
		e.meanAccu[i] += fv
		e.varAccu[i] += fv * fv
	}
}

func (e *Extractor) extractFrame(samples []float32) []float32 {
	windowed := make([]float64, e.cfg.NumFFT)
	for i, s := range samples {
		windowed[i] = float64(s) * e.window[i]
	}

	spectrum := fft.RealFFT(windowed)

	power := make([]float64, len(spectrum))
	for i, c := range spectrum {
		power[i] = real(c)*real(c) + imag(c)*imag(c)
	}

	out := make([]float32, e.cfg.NumMels)

	for m, weights := range e.melBank {
		var acc float64
		for k, w := range weights {
			acc += w * power[k]
		}

		out[m] = float32(math.Log(acc + 1e-10))
	}

	return out
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}

	return w
}

// melFilterbank builds a triangular mel filterbank of shape
// [NumMels][NumFFT/2+1], following the standard HTK mel scale.
func melFilterbank(cfg Config) [][]float64 {
	numBins := cfg.NumFFT/2 + 1

	melMin := hzToMel(cfg.FMin)
	melMax := hzToMel(cfg.FMax)

	points := make([]float64, cfg.NumMels+2)
	for i := range points {
		mel := melMin + (melMax-melMin)*float64(i)/float64(cfg.NumMels+1)
		points[i] = melToHz(mel)
	}

	binFreqs := make([]int, len(points))
	for i, hz := range points {
		binFreqs[i] = int(math.Floor(float64(cfg.NumFFT+1) * hz / float64(cfg.SampleRate)))
	}

	bank := make([][]float64, cfg.NumMels)

	for m := range bank {
		weights := make([]float64, numBins)

		left, center, right := binFreqs[m], binFreqs[m+1], binFreqs[m+2]

		for k := left; k < center && k < numBins; k++ {
			if center != left {
				weights[k] = float64(k-left) / float64(center-left)
			}
		}

		for k := center; k < right && k < numBins; k++ {
			if right != center {
				weights[k] = float64(right-k) / float64(right-center)
			}
		}

		bank[m] = weights
	}

	return bank
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}
