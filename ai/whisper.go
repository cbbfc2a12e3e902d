package ai

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// WhisperRuntime распознаёт речь через offline Whisper модель sherpa-onnx
// (encoder/decoder ONNX + tokens.txt). Работает с моно 16 кГц аудио.
type WhisperRuntime struct {
	mu         sync.Mutex
	cfg        STTConfig
	recognizer *sherpa.OfflineRecognizer
	loaded     bool
}

func NewWhisperRuntime() *WhisperRuntime {
	return &WhisperRuntime{}
}

// detectProvider выбирает ONNX provider для платформы.
func detectProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// Load создаёт распознаватель. Проверяет наличие всех трёх файлов модели
// до обращения к нативной библиотеке.
func (r *WhisperRuntime) Load(cfg STTConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, path := range []string{cfg.ModelPath, cfg.DecoderPath, cfg.TokensPath} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("model file: %w", err)
		}
	}

	if r.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(r.recognizer)
		r.recognizer = nil
		r.loaded = false
	}

	config := sherpa.OfflineRecognizerConfig{}
	config.FeatConfig = sherpa.FeatureConfig{SampleRate: 16000, FeatureDim: 80}
	config.ModelConfig.Whisper.Encoder = cfg.ModelPath
	config.ModelConfig.Whisper.Decoder = cfg.DecoderPath
	config.ModelConfig.Whisper.Language = cfg.Language
	config.ModelConfig.Whisper.Task = "transcribe"
	config.ModelConfig.Tokens = cfg.TokensPath
	config.ModelConfig.NumThreads = 4
	config.ModelConfig.Provider = detectProvider()

	recognizer := sherpa.NewOfflineRecognizer(&config)
	if recognizer == nil {
		// CoreML иногда не поддерживает конкретную модель, пробуем CPU.
		if config.ModelConfig.Provider != "cpu" {
			log.Printf("WhisperRuntime: provider %s failed, retrying with cpu", config.ModelConfig.Provider)
			config.ModelConfig.Provider = "cpu"
			recognizer = sherpa.NewOfflineRecognizer(&config)
		}
		if recognizer == nil {
			return fmt.Errorf("failed to create recognizer for %s", cfg.ModelName)
		}
	}

	r.cfg = cfg
	r.recognizer = recognizer
	r.loaded = true
	log.Printf("WhisperRuntime: model %s loaded (language=%s)", cfg.ModelName, cfg.Language)
	return nil
}

// Transcribe распознаёт фрагмент аудио. Блокирует на время инференса.
func (r *WhisperRuntime) Transcribe(ctx context.Context, samples []float32) (*TranscribeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return nil, fmt.Errorf("model is not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	stream := sherpa.NewOfflineStream(r.recognizer)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(16000, samples)
	r.recognizer.Decode(stream)
	result := stream.GetResult()

	return &TranscribeResult{
		Text:       result.Text,
		DurationMs: float64(time.Since(started).Microseconds()) / 1000.0,
	}, nil
}

// Dispose освобождает нативный распознаватель. Идемпотентен.
func (r *WhisperRuntime) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(r.recognizer)
		r.recognizer = nil
		log.Printf("WhisperRuntime: model %s unloaded", r.cfg.ModelName)
	}
	r.loaded = false
	return nil
}
