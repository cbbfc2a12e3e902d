package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"lectern/ai"
	"lectern/session"
)

// InferenceHandler исполняет операции воркера поверх нативных рантаймов.
// Воркер — единственный владелец нативного хэндла модели: падение
// инференса роняет этот процесс, а не приложение.
type InferenceHandler struct {
	family   string // text-generation | speech-to-text
	llamaBin string

	text    ai.TextRuntime
	textCtx ai.TextContext
	speech  ai.SpeechRuntime
}

// NewInferenceHandler создаёт обработчик для семейства моделей.
func NewInferenceHandler(family, llamaBin string) *InferenceHandler {
	return &InferenceHandler{family: family, llamaBin: llamaBin}
}

// okResult типовой ответ операций без полезной нагрузки.
type okResult struct {
	OK bool `json:"ok"`
}

func (h *InferenceHandler) Handle(op string, payload json.RawMessage, emit func(chunk string)) (any, error) {
	switch op {
	case "init":
		return h.handleInit(payload)
	case "generate":
		return h.handleGenerate(payload, nil)
	case "generate_stream":
		return h.handleGenerate(payload, emit)
	case "transcribe":
		return h.handleTranscribe(payload)
	case "unload":
		h.dispose()
		return okResult{OK: true}, nil
	case "ping":
		return okResult{OK: true}, nil
	default:
		return nil, fmt.Errorf("unknown op: %s", op)
	}
}

func (h *InferenceHandler) handleInit(payload json.RawMessage) (any, error) {
	h.dispose()

	switch h.family {
	case "text-generation":
		var cfg ai.LLMConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		rt := ai.NewLlamaRuntime(h.llamaBin)
		if err := rt.Load(cfg); err != nil {
			return nil, err
		}
		rctx, err := rt.NewContext()
		if err != nil {
			rt.Dispose()
			return nil, err
		}
		h.text = rt
		h.textCtx = rctx
	case "speech-to-text":
		var cfg ai.STTConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		rt := ai.NewWhisperRuntime()
		if err := rt.Load(cfg); err != nil {
			return nil, err
		}
		h.speech = rt
	default:
		return nil, fmt.Errorf("unknown model family: %s", h.family)
	}
	return okResult{OK: true}, nil
}

// handleGenerate выполняет генерацию. Сбой инференса при загруженной модели
// приходит супервизору как обычный результат с finishReason=error: канал
// жив, это не транспортная ошибка.
func (h *InferenceHandler) handleGenerate(payload json.RawMessage, emit func(string)) (any, error) {
	if h.textCtx == nil {
		return nil, fmt.Errorf("model is not loaded")
	}
	var req ai.GenerateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	var resp *ai.GenerateResponse
	var err error
	if emit != nil {
		resp, err = h.textCtx.PromptStream(context.Background(), req, emit)
	} else {
		resp, err = h.textCtx.Prompt(context.Background(), req)
	}
	if err != nil {
		log.Printf("InferenceHandler: generate failed: %v", err)
		return &ai.GenerateResponse{FinishReason: ai.FinishError, Error: err.Error()}, nil
	}
	return resp, nil
}

func (h *InferenceHandler) handleTranscribe(payload json.RawMessage) (any, error) {
	if h.speech == nil {
		return nil, fmt.Errorf("model is not loaded")
	}
	var req struct {
		WavPath string `json:"wavPath"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	samples, rate, err := session.ReadWAVFile(req.WavPath)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	if rate != session.SampleRate {
		samples = session.ResampleLinear(samples, rate, session.SampleRate)
	}
	return h.speech.Transcribe(context.Background(), samples)
}

// dispose выгружает всё загруженное. Ошибки освобождения проглатываются.
func (h *InferenceHandler) dispose() {
	if h.textCtx != nil {
		h.textCtx.Close()
		h.textCtx = nil
	}
	if h.text != nil {
		h.text.Dispose()
		h.text = nil
	}
	if h.speech != nil {
		h.speech.Dispose()
		h.speech = nil
	}
}
