package service

import "lectern/ai"

// compositeGate двухступенчатая проверка речи: дешёвый спектральный фильтр
// отсекает тишину и ровный шум, VAD подтверждает речь. Без VAD-модели
// работает одна спектральная ступень.
type compositeGate struct {
	spectral *ai.SpectralGate
	vad      *ai.SileroVAD
}

// NewSpeechGate создаёт двухступенчатый детектор. vad может быть nil.
func NewSpeechGate(vad *ai.SileroVAD) SpeechGate {
	return &compositeGate{spectral: ai.NewSpectralGate(), vad: vad}
}

func (g *compositeGate) HasSpeech(samples []float32) (bool, error) {
	if !g.spectral.LooksLikeSpeech(samples) {
		return false, nil
	}
	if g.vad == nil {
		return true, nil
	}
	return g.vad.HasSpeech(samples)
}
