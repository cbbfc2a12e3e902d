package service

import (
	"context"
	"fmt"

	"lectern/ai"
	"lectern/bridge"
	"lectern/session"
)

// Системный промпт ассистента. Шаблоны промптов самих фич живут в UI,
// здесь только конспект как серверная операция.
const summarySystemPrompt = `Ты — ассистент студента. Отвечай на русском языке, кратко и по делу.`

const summaryPromptTemplate = `Составь конспект лекции по транскрипту ниже. Выдели основные темы, определения и выводы. Формат: маркированный список с короткими пунктами.

Транскрипт:
%s`

// AssistantService генерация конспектов по сессии через текстовый мост.
type AssistantService struct {
	sessions *session.Manager
	llm      *bridge.LLMBridge
}

func NewAssistantService(sessions *session.Manager, llm *bridge.LLMBridge) *AssistantService {
	return &AssistantService{sessions: sessions, llm: llm}
}

// GenerateSummary строит конспект сессии и сохраняет его. Мост никогда не
// возвращает ошибку генерации: без модели придёт заготовленный ответ.
func (s *AssistantService) GenerateSummary(ctx context.Context, sessionID string) (string, error) {
	if s.sessions.GetSession(sessionID) == nil {
		return "", fmt.Errorf("unknown session: %s", sessionID)
	}
	transcript := s.sessions.Transcript(sessionID)

	req := ai.GenerateRequest{
		Prompt:       fmt.Sprintf(summaryPromptTemplate, transcript),
		Context:      transcript,
		SystemPrompt: summarySystemPrompt,
	}
	if transcript == "" {
		req.Prompt = "Составь конспект лекции."
		req.Context = ""
	}

	resp := s.llm.Generate(ctx, req)
	if resp.FinishReason == ai.FinishError {
		return "", fmt.Errorf("summary generation failed: %s", resp.Error)
	}

	if err := s.sessions.SetSummary(sessionID, resp.Text); err != nil {
		return "", err
	}
	return resp.Text, nil
}
