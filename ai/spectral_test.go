package ai

import (
	"math"
	"math/rand"
	"testing"
)

func sineWave(freq float64, amplitude float32, n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return samples
}

func TestSpectralGateTonalSignal(t *testing.T) {
	g := NewSpectralGate()
	// Тональный сигнал на 440 Гц: энергия в узкой полосе, как у речи.
	if !g.LooksLikeSpeech(sineWave(440, 0.5, 16000)) {
		t.Fatal("tonal signal rejected")
	}
}

func TestSpectralGateSilence(t *testing.T) {
	g := NewSpectralGate()
	if g.LooksLikeSpeech(make([]float32, 16000)) {
		t.Fatal("silence accepted as speech")
	}
	// Громкости чуть выше нуля недостаточно.
	if g.LooksLikeSpeech(sineWave(440, 0.001, 16000)) {
		t.Fatal("near-silent signal accepted as speech")
	}
}

func TestSpectralGateWhiteNoise(t *testing.T) {
	g := NewSpectralGate()
	rng := rand.New(rand.NewSource(42))
	noise := make([]float32, 16000)
	for i := range noise {
		noise[i] = float32(rng.Float64()*2-1) * 0.5
	}
	// У белого шума плоский спектр: громкий, но на речь не похож.
	if g.LooksLikeSpeech(noise) {
		t.Fatal("white noise accepted as speech")
	}
}

func TestSpectralGateShortFragment(t *testing.T) {
	g := NewSpectralGate()
	// Фрагмент короче окна анализа: ни одного полного фрейма.
	if g.LooksLikeSpeech(sineWave(440, 0.5, 256)) {
		t.Fatal("fragment shorter than a frame accepted as speech")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens(\"\") = %d, want 0", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("EstimateTokens(4 bytes) = %d, want 1", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("EstimateTokens(5 bytes) = %d, want 2", got)
	}
}
