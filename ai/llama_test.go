package ai

import (
	"strings"
	"testing"
)

func TestCompletionUsesConfigDefaults(t *testing.T) {
	c := &llamaContext{cfg: LLMConfig{MaxTokens: 512, Temperature: 0.7}}

	body := c.newCompletion(GenerateRequest{Prompt: "вопрос"}, false)
	if body.NPredict != 512 {
		t.Fatalf("n_predict = %d, want 512 from config", body.NPredict)
	}
	if body.Temperature != 0.7 {
		t.Fatalf("temperature = %v, want 0.7 from config", body.Temperature)
	}
	if body.Stream {
		t.Fatal("stream must be off for a plain request")
	}
}

func TestCompletionRequestOverridesConfig(t *testing.T) {
	c := &llamaContext{cfg: LLMConfig{MaxTokens: 512, Temperature: 0.7}}

	body := c.newCompletion(GenerateRequest{
		Prompt:      "вопрос",
		MaxTokens:   64,
		Temperature: 0.2,
	}, true)
	if body.NPredict != 64 {
		t.Fatalf("n_predict = %d, want per-request 64", body.NPredict)
	}
	if body.Temperature != 0.2 {
		t.Fatalf("temperature = %v, want per-request 0.2", body.Temperature)
	}
	if !body.Stream {
		t.Fatal("stream flag lost")
	}
}

func TestCompletionFallbackMaxTokens(t *testing.T) {
	c := &llamaContext{}
	if got := c.newCompletion(GenerateRequest{Prompt: "вопрос"}, false).NPredict; got != 1024 {
		t.Fatalf("n_predict = %d, want default 1024", got)
	}
}

func TestBuildPromptLayout(t *testing.T) {
	c := &llamaContext{}
	prompt := c.buildPrompt(GenerateRequest{
		Prompt:       "Сделай конспект",
		Context:      "текст лекции",
		SystemPrompt: "Ты ассистент студента",
	})
	sys := strings.Index(prompt, "Ты ассистент студента")
	material := strings.Index(prompt, "Материал лекции:\nтекст лекции")
	ask := strings.Index(prompt, "Сделай конспект")
	if sys != 0 || material < sys || ask < material {
		t.Fatalf("prompt sections out of order:\n%s", prompt)
	}

	bare := c.buildPrompt(GenerateRequest{Prompt: "Привет"})
	if bare != "Привет" {
		t.Fatalf("bare prompt = %q", bare)
	}
}
