package ai

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Быстрый спектральный фильтр перед VAD: у речи энергия сосредоточена в
// узких полосах (низкая спектральная плоскостность), у шума и тишины спектр
// ровный. Дешевле ONNX-инференса на порядок, отсекает заведомо пустые чанки.

const (
	spectralFrameSize = 1024
	spectralHop       = 512

	// Порог плоскостности: ниже — похоже на тональный сигнал/речь.
	spectralFlatnessThreshold = 0.35
	// Минимальный RMS, ниже которого фрагмент считается тишиной.
	spectralMinRMS = 0.01
)

// SpectralGate считает спектральную плоскостность поверх FFT.
type SpectralGate struct {
	fft    *fourier.FFT
	window []float64
}

func NewSpectralGate() *SpectralGate {
	window := make([]float64, spectralFrameSize)
	for i := range window {
		window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(spectralFrameSize-1)))
	}
	return &SpectralGate{
		fft:    fourier.NewFFT(spectralFrameSize),
		window: window,
	}
}

// rms среднеквадратичная амплитуда.
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// frameFlatness отношение геометрического среднего спектра мощности к
// арифметическому: 1.0 у белого шума, близко к 0 у тонального сигнала.
func (g *SpectralGate) frameFlatness(frame []float32) float64 {
	data := make([]float64, spectralFrameSize)
	for i, s := range frame {
		data[i] = float64(s) * g.window[i]
	}

	coeffs := g.fft.Coefficients(nil, data)

	var logSum, sum float64
	n := 0
	for i := 1; i < len(coeffs); i++ {
		power := cmplx.Abs(coeffs[i])
		power = power * power
		if power < 1e-12 {
			power = 1e-12
		}
		logSum += math.Log(power)
		sum += power
		n++
	}
	if n == 0 || sum == 0 {
		return 1.0
	}
	geoMean := math.Exp(logSum / float64(n))
	ariMean := sum / float64(n)
	return geoMean / ariMean
}

// LooksLikeSpeech true, если фрагмент достаточно громкий и хотя бы один
// фрейм имеет низкую спектральную плоскостность.
func (g *SpectralGate) LooksLikeSpeech(samples []float32) bool {
	if rms(samples) < spectralMinRMS {
		return false
	}
	for i := 0; i+spectralFrameSize <= len(samples); i += spectralHop {
		if g.frameFlatness(samples[i:i+spectralFrameSize]) < spectralFlatnessThreshold {
			return true
		}
	}
	return false
}
