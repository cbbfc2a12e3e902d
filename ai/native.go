// Package ai содержит нативные рантаймы инференса: текстовая генерация
// через llama-server, распознавание речи через sherpa-onnx и детектор
// речи Silero VAD.
package ai

import "context"

// FinishReason причина завершения генерации.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"   // модель закончила ответ сама
	FinishLength FinishReason = "length" // упёрлись в лимит токенов
	FinishError  FinishReason = "error"  // инференс упал, текст неполный или пустой
)

// LLMConfig конфигурация текстовой модели.
type LLMConfig struct {
	ModelPath     string  `json:"modelPath"`
	ModelName     string  `json:"modelName"`
	ContextLength int     `json:"contextLength"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"maxTokens"`
}

// STTConfig конфигурация модели распознавания речи. Whisper-модели
// sherpa-onnx многофайловые: encoder в ModelPath, decoder и tokens отдельно.
type STTConfig struct {
	ModelPath   string `json:"modelPath"` // encoder
	DecoderPath string `json:"decoderPath"`
	TokensPath  string `json:"tokensPath"`
	ModelName   string `json:"modelName"`
	Language    string `json:"language"`
}

// GenerateRequest запрос текстовой генерации. MaxTokens и Temperature —
// переопределения на один запрос: нулевое значение берёт настройку модели.
type GenerateRequest struct {
	Prompt       string  `json:"prompt"`
	Context      string  `json:"context,omitempty"` // материал лекции
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// GenerateResponse результат генерации. Сбой инференса — это
// FinishError с заполненным Error, а не ошибка вызова.
type GenerateResponse struct {
	Text         string       `json:"text"`
	TokensUsed   int          `json:"tokensUsed"`
	FinishReason FinishReason `json:"finishReason"`
	Error        string       `json:"error,omitempty"`
}

// TranscribeResult результат распознавания фрагмента.
type TranscribeResult struct {
	Text       string  `json:"text"`
	DurationMs float64 `json:"durationMs"` // длительность инференса
}

// TextRuntime жизненный цикл текстовой модели.
type TextRuntime interface {
	Load(cfg LLMConfig) error
	NewContext() (TextContext, error)
	Dispose() error
}

// TextContext контекст генерации. Нереентерабелен: один запрос за раз.
type TextContext interface {
	Prompt(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	PromptStream(ctx context.Context, req GenerateRequest, onChunk func(string)) (*GenerateResponse, error)
	Close() error
}

// SpeechRuntime жизненный цикл модели распознавания речи.
type SpeechRuntime interface {
	Load(cfg STTConfig) error
	Transcribe(ctx context.Context, samples []float32) (*TranscribeResult, error)
	Dispose() error
}

// EstimateTokens грубая оценка числа токенов, когда бекенд его не сообщил.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
