package api

import (
	"time"

	"lectern/ai"
	"lectern/audio"
	"lectern/bridge"
	"lectern/models"
	"lectern/session"
)

// Message структура WebSocket сообщения. Один плоский тип на все операции,
// незадействованные поля опускаются.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`

	// Сессии
	SessionID string           `json:"sessionId,omitempty"`
	Title     string           `json:"title,omitempty"`
	Language  string           `json:"language,omitempty"`
	Device    string           `json:"device,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
	Sessions  []*SessionInfo   `json:"sessions,omitempty"`
	Chunk     *session.Chunk   `json:"chunk,omitempty"`

	// Презентация
	SlidePath string `json:"slidePath,omitempty"`
	PageCount int    `json:"pageCount,omitempty"`

	// Устройства
	Devices []audio.Device `json:"devices,omitempty"`

	// Модели
	Models   []models.ModelState `json:"models,omitempty"`
	ModelID  string              `json:"modelId,omitempty"`
	Family   string              `json:"family,omitempty"`
	Progress float64             `json:"progress,omitempty"`
	Error    string              `json:"error,omitempty"`

	// Мосты
	LLMInfo     *bridge.Info `json:"llmInfo,omitempty"`
	WhisperInfo *bridge.Info `json:"whisperInfo,omitempty"`

	// Генерация
	RequestID    string  `json:"requestId,omitempty"`
	Prompt       string  `json:"prompt,omitempty"`
	Context      string  `json:"context,omitempty"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Text         string  `json:"text,omitempty"`
	TokensUsed   int     `json:"tokensUsed,omitempty"`
	FinishReason string  `json:"finishReason,omitempty"`

	// Конспект
	Summary string `json:"summary,omitempty"`
}

// SessionInfo краткая карточка сессии для списка.
type SessionInfo struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	StartTime     time.Time `json:"startTime"`
	Status        string    `json:"status"`
	TotalDuration int64     `json:"totalDuration"` // миллисекунды
	ChunksCount   int       `json:"chunksCount"`
	HasSlides     bool      `json:"hasSlides,omitempty"`
}

// generateResponseMessage собирает ответ генерации в сообщение.
func generateResponseMessage(msgType, requestID string, resp *ai.GenerateResponse) Message {
	return Message{
		Type:         msgType,
		RequestID:    requestID,
		Text:         resp.Text,
		TokensUsed:   resp.TokensUsed,
		FinishReason: string(resp.FinishReason),
		Error:        resp.Error,
	}
}
