package ai

import (
	"fmt"
	"log"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Параметры Silero VAD для 16 кГц: окно 512 сэмплов (32 мс), контекст 64.
const (
	vadSampleRate  = 16000
	vadWindowSize  = 512
	vadContextSize = 64
)

// SileroVADConfig конфигурация детектора голосовой активности.
type SileroVADConfig struct {
	ModelPath string  // путь к ONNX модели
	Threshold float32 // порог вероятности речи (0.0 - 1.0)
}

// SileroVAD детектор голосовой активности. Отсеивает фрагменты без речи,
// чтобы не гонять тяжёлую транскрипцию по тишине.
type SileroVAD struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	config  SileroVADConfig

	// LSTM состояние [2, 1, 128] и хвост предыдущего окна.
	state   []float32
	context []float32
}

// NewSileroVAD создаёт детектор. Модель — Silero VAD v5,
// входы input/state/sr, выходы output/stateN.
func NewSileroVAD(config SileroVADConfig) (*SileroVAD, error) {
	if _, err := os.Stat(config.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", config.ModelPath)
	}
	if config.Threshold <= 0 {
		config.Threshold = 0.5
	}

	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(
		config.ModelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	vad := &SileroVAD{
		session: session,
		config:  config,
		state:   make([]float32, 2*1*128),
		context: make([]float32, vadContextSize),
	}
	log.Printf("Silero VAD initialized: threshold=%.2f", config.Threshold)
	return vad, nil
}

// ResetState сбрасывает LSTM состояние между независимыми фрагментами.
func (v *SileroVAD) ResetState() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.state {
		v.state[i] = 0
	}
	for i := range v.context {
		v.context[i] = 0
	}
}

// processWindow возвращает вероятность речи для одного окна в 512 сэмплов.
func (v *SileroVAD) processWindow(samples []float32) (float32, error) {
	inputData := make([]float32, vadContextSize+len(samples))
	copy(inputData[:vadContextSize], v.context)
	copy(inputData[vadContextSize:], samples)
	copy(v.context, samples[len(samples)-vadContextSize:])

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(inputData))), inputData)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), v.state)
	if err != nil {
		return 0, fmt.Errorf("failed to create state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{vadSampleRate})
	if err != nil {
		return 0, fmt.Errorf("failed to create sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputs := []ort.Value{nil, nil}
	if err := v.session.Run([]ort.Value{inputTensor, stateTensor, srTensor}, outputs); err != nil {
		return 0, fmt.Errorf("failed to run inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	copy(v.state, outputs[1].(*ort.Tensor[float32]).GetData())

	outputData := outputs[0].(*ort.Tensor[float32]).GetData()
	if len(outputData) == 0 {
		return 0, nil
	}
	return outputData[0], nil
}

// HasSpeech true, если хотя бы одно окно фрагмента превышает порог речи.
func (v *SileroVAD) HasSpeech(samples []float32) (bool, error) {
	v.ResetState()
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := 0; i+vadWindowSize <= len(samples); i += vadWindowSize {
		prob, err := v.processWindow(samples[i : i+vadWindowSize])
		if err != nil {
			return false, err
		}
		if prob >= v.config.Threshold {
			return true, nil
		}
	}
	return false, nil
}

// Close освобождает сессию.
func (v *SileroVAD) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.session != nil {
		v.session.Destroy()
		v.session = nil
	}
}

// ONNX Runtime глобальная инициализация.
var (
	onnxInitialized bool
	onnxInitMu      sync.Mutex
)

func initONNXRuntime() error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()

	if onnxInitialized {
		return nil
	}

	libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if libPath == "" {
		searchPaths := []string{
			"../Resources/libonnxruntime.dylib",
			"./libonnxruntime.dylib",
			"./libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
		}
		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				libPath = path
				break
			}
		}
	}

	if libPath == "" {
		return fmt.Errorf("ONNX Runtime library not found")
	}
	log.Printf("Using ONNX Runtime library: %s", libPath)
	ort.SetSharedLibraryPath(libPath)

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	onnxInitialized = true
	return nil
}
