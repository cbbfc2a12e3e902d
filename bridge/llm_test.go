package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"lectern/ai"
	"lectern/models"
	"lectern/session"
)

type fakeWorkerClient struct {
	ready    bool
	startErr error
	sendFn   func(op string, payload any, onChunk func(string)) (json.RawMessage, error)
}

func (f *fakeWorkerClient) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.ready = true
	return nil
}

func (f *fakeWorkerClient) Send(ctx context.Context, op string, payload any, onChunk func(string)) (json.RawMessage, error) {
	return f.sendFn(op, payload, onChunk)
}

func (f *fakeWorkerClient) Ready() bool { return f.ready }
func (f *fakeWorkerClient) Stop()       { f.ready = false }

type fakeTextContext struct {
	resp   *ai.GenerateResponse
	err    error
	chunks []string
	closed bool
}

func (f *fakeTextContext) Prompt(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResponse, error) {
	return f.resp, f.err
}

func (f *fakeTextContext) PromptStream(ctx context.Context, req ai.GenerateRequest, onChunk func(string)) (*ai.GenerateResponse, error) {
	for _, c := range f.chunks {
		onChunk(c)
	}
	return f.resp, f.err
}

func (f *fakeTextContext) Close() error {
	f.closed = true
	return nil
}

type fakeTextRuntime struct {
	loadErr   error
	loadCalls int
	disposed  bool
	ctx       *fakeTextContext
}

func (f *fakeTextRuntime) Load(cfg ai.LLMConfig) error {
	f.loadCalls++
	return f.loadErr
}

func (f *fakeTextRuntime) NewContext() (ai.TextContext, error) {
	if f.ctx == nil {
		f.ctx = &fakeTextContext{resp: &ai.GenerateResponse{Text: "ok", FinishReason: ai.FinishStop}}
	}
	return f.ctx, nil
}

func (f *fakeTextRuntime) Dispose() error {
	f.disposed = true
	return nil
}

// sparseModelFile создаёт файл правдоподобного размера, не занимая диск.
func sparseModelFile(t *testing.T, path string, size int64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLLMInitializeFailClosed(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "model.gguf")
	if err := os.WriteFile(small, []byte("stub"), 0644); err != nil {
		t.Fatal(err)
	}

	rt := &fakeTextRuntime{}
	b := &LLMBridge{
		cfg:        ai.LLMConfig{ModelPath: small, ModelName: "test"},
		tier:       TierCanned,
		newRuntime: func() ai.TextRuntime { return rt },
	}

	err := b.Initialize(context.Background())
	if !errors.Is(err, ErrModelTooSmall) {
		t.Fatalf("expected ErrModelTooSmall, got %v", err)
	}
	if rt.loadCalls != 0 {
		t.Fatal("runtime must not be touched for an implausibly small model file")
	}
	if b.IsLoaded() {
		t.Fatal("bridge must stay unloaded")
	}

	b.cfg.ModelPath = filepath.Join(dir, "missing.gguf")
	if err := b.Initialize(context.Background()); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestLLMGenerateCannedWhenNotLoaded(t *testing.T) {
	b := &LLMBridge{tier: TierCanned}

	resp := b.Generate(context.Background(), ai.GenerateRequest{Prompt: "Объясни термин"})
	if resp.Text != cannedExplain {
		t.Fatalf("unexpected canned text: %q", resp.Text)
	}
	if resp.FinishReason != ai.FinishStop {
		t.Fatalf("canned answer must finish with stop, got %s", resp.FinishReason)
	}
	if resp.TokensUsed != ai.EstimateTokens(cannedExplain) {
		t.Fatalf("tokensUsed = %d, want estimate %d", resp.TokensUsed, ai.EstimateTokens(cannedExplain))
	}
}

func TestLLMGenerateStreamCannedEmitsOnce(t *testing.T) {
	b := &LLMBridge{tier: TierCanned}

	var chunks []string
	resp := b.GenerateStream(context.Background(), ai.GenerateRequest{Prompt: "Привет"}, func(c string) {
		chunks = append(chunks, c)
	})
	if len(chunks) != 1 || chunks[0] != resp.Text {
		t.Fatalf("canned stream must emit the full text exactly once, got %v", chunks)
	}
}

func TestLLMWorkerGenerate(t *testing.T) {
	wm := &fakeWorkerClient{ready: true}
	wm.sendFn = func(op string, payload any, onChunk func(string)) (json.RawMessage, error) {
		if op != "generate" {
			t.Errorf("op = %q, want generate", op)
		}
		return json.Marshal(ai.GenerateResponse{Text: "ответ", FinishReason: ai.FinishLength})
	}
	b := &LLMBridge{wm: wm, loaded: true, tier: TierWorker}

	resp := b.Generate(context.Background(), ai.GenerateRequest{Prompt: "вопрос"})
	if resp.Text != "ответ" {
		t.Fatalf("text = %q, want ответ", resp.Text)
	}
	if resp.FinishReason != ai.FinishLength {
		t.Fatalf("finishReason = %s, want length", resp.FinishReason)
	}
	if resp.TokensUsed != ai.EstimateTokens("ответ") {
		t.Fatalf("tokensUsed not estimated: %d", resp.TokensUsed)
	}
}

func TestLLMWorkerStreamChunks(t *testing.T) {
	wm := &fakeWorkerClient{ready: true}
	wm.sendFn = func(op string, payload any, onChunk func(string)) (json.RawMessage, error) {
		if op != "generate_stream" {
			t.Errorf("op = %q, want generate_stream", op)
		}
		onChunk("кон")
		onChunk("спект")
		return json.Marshal(ai.GenerateResponse{Text: "конспект", FinishReason: ai.FinishStop})
	}
	b := &LLMBridge{wm: wm, loaded: true, tier: TierWorker}

	var chunks []string
	resp := b.GenerateStream(context.Background(), ai.GenerateRequest{Prompt: "конспект"}, func(c string) {
		chunks = append(chunks, c)
	})
	if len(chunks) != 2 || chunks[0] != "кон" || chunks[1] != "спект" {
		t.Fatalf("chunks out of order: %v", chunks)
	}
	if resp.Text != "конспект" {
		t.Fatalf("final text = %q", resp.Text)
	}
}

func TestLLMWorkerRestartResendsModelConfig(t *testing.T) {
	var ops []string
	wm := &fakeWorkerClient{} // воркер уже завершился
	wm.sendFn = func(op string, payload any, onChunk func(string)) (json.RawMessage, error) {
		ops = append(ops, op)
		if op == "init" {
			cfg, ok := payload.(ai.LLMConfig)
			if !ok || cfg.ModelName != "qwen" {
				t.Errorf("init payload = %#v, want current model config", payload)
			}
			return json.Marshal(map[string]bool{"ok": true})
		}
		return json.Marshal(ai.GenerateResponse{Text: "после рестарта", FinishReason: ai.FinishStop})
	}
	b := &LLMBridge{
		cfg:    ai.LLMConfig{ModelPath: "/models/qwen.gguf", ModelName: "qwen"},
		wm:     wm,
		loaded: true,
		tier:   TierWorker,
	}

	resp := b.Generate(context.Background(), ai.GenerateRequest{Prompt: "вопрос"})
	if resp.Text != "после рестарта" {
		t.Fatalf("text = %q", resp.Text)
	}
	if len(ops) != 2 || ops[0] != "init" || ops[1] != "generate" {
		t.Fatalf("ops = %v, want [init generate]", ops)
	}
}

func TestLLMWorkerFailureFallsBackToCanned(t *testing.T) {
	wm := &fakeWorkerClient{ready: true}
	wm.sendFn = func(op string, payload any, onChunk func(string)) (json.RawMessage, error) {
		return nil, errors.New("worker terminated")
	}
	b := &LLMBridge{wm: wm, loaded: true, tier: TierWorker}

	resp := b.Generate(context.Background(), ai.GenerateRequest{Prompt: "Объясни"})
	if resp.Text != cannedExplain {
		t.Fatalf("expected canned fallback, got %q", resp.Text)
	}
	if resp.FinishReason != ai.FinishStop {
		t.Fatalf("canned fallback must finish with stop, got %s", resp.FinishReason)
	}
}

func TestLLMWorkerFailureFallsBackToInProcess(t *testing.T) {
	wm := &fakeWorkerClient{ready: true}
	wm.sendFn = func(op string, payload any, onChunk func(string)) (json.RawMessage, error) {
		return nil, errors.New("worker terminated")
	}
	rctx := &fakeTextContext{resp: &ai.GenerateResponse{Text: "из процесса", FinishReason: ai.FinishStop}}
	b := &LLMBridge{wm: wm, loaded: true, tier: TierWorker, runtimeCtx: rctx}

	resp := b.Generate(context.Background(), ai.GenerateRequest{Prompt: "вопрос"})
	if resp.Text != "из процесса" {
		t.Fatalf("expected in-process fallback, got %q", resp.Text)
	}
}

func TestLLMInProcessInferenceErrorIsResponse(t *testing.T) {
	rctx := &fakeTextContext{err: errors.New("out of memory")}
	b := &LLMBridge{loaded: true, tier: TierInProcess, runtimeCtx: rctx}

	resp := b.Generate(context.Background(), ai.GenerateRequest{Prompt: "вопрос"})
	if resp.FinishReason != ai.FinishError {
		t.Fatalf("finishReason = %s, want error", resp.FinishReason)
	}
	if resp.Error != "out of memory" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestLLMSetModelMissingFileKeepsConfig(t *testing.T) {
	mgr, err := models.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := &LLMBridge{
		cfg:      ai.LLMConfig{ModelPath: "/old/path.gguf", ModelName: "old"},
		tier:     TierCanned,
		modelMgr: mgr,
	}

	if err := b.SetModel("qwen2.5-3b-instruct-q4"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	info := b.GetInfo()
	if info.ModelPath != "/old/path.gguf" || info.ModelName != "old" {
		t.Fatalf("config mutated despite missing file: %+v", info)
	}

	if err := b.SetModel("whisper-tiny"); err == nil {
		t.Fatal("speech model must be rejected by the text bridge")
	}
}

func TestLLMSetModelInProcess(t *testing.T) {
	mgr, err := models.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sparseModelFile(t, mgr.GetModelPath("qwen2.5-3b-instruct-q4"), models.MinTextGenModelBytes+1)

	rt := &fakeTextRuntime{}
	b := &LLMBridge{
		tier:       TierCanned,
		modelMgr:   mgr,
		newRuntime: func() ai.TextRuntime { return rt },
	}

	if err := b.SetModel("qwen2.5-3b-instruct-q4"); err != nil {
		t.Fatalf("SetModel failed: %v", err)
	}
	if rt.loadCalls != 1 {
		t.Fatalf("runtime loaded %d times, want 1", rt.loadCalls)
	}
	info := b.GetInfo()
	if !info.Loaded || info.Tier != TierInProcess {
		t.Fatalf("unexpected bridge info: %+v", info)
	}
	if info.ModelName != "Qwen 2.5 3B Instruct" {
		t.Fatalf("model name = %q", info.ModelName)
	}

	resp := b.Generate(context.Background(), ai.GenerateRequest{Prompt: "вопрос"})
	if resp.Text != "ok" {
		t.Fatalf("in-process generate got %q", resp.Text)
	}
}

func TestLLMUnloadIdempotent(t *testing.T) {
	rt := &fakeTextRuntime{}
	rctx, _ := rt.NewContext()
	b := &LLMBridge{loaded: true, tier: TierInProcess, runtime: rt, runtimeCtx: rctx}

	b.Unload()
	if b.IsLoaded() {
		t.Fatal("bridge still loaded after Unload")
	}
	if !rt.disposed || !rt.ctx.closed {
		t.Fatal("runtime resources not released")
	}
	b.Unload() // повторный вызов не должен паниковать
	if got := b.GetInfo().Tier; got != TierCanned {
		t.Fatalf("tier after unload = %s, want canned", got)
	}
}

type fakeSpeechRuntime struct {
	gotSamples int
	disposed   bool
}

func (f *fakeSpeechRuntime) Load(cfg ai.STTConfig) error { return nil }

func (f *fakeSpeechRuntime) Transcribe(ctx context.Context, samples []float32) (*ai.TranscribeResult, error) {
	f.gotSamples = len(samples)
	return &ai.TranscribeResult{Text: "текст"}, nil
}

func (f *fakeSpeechRuntime) Dispose() error {
	f.disposed = true
	return nil
}

func TestWhisperInProcessResamplesTo16k(t *testing.T) {
	wavPath := filepath.Join(t.TempDir(), "chunk.wav")
	// Секунда звука в 48 кГц: рантайм должен получить её уже в 16 кГц.
	if err := session.WriteWAVFile(wavPath, make([]float32, 48000), 48000); err != nil {
		t.Fatal(err)
	}

	rt := &fakeSpeechRuntime{}
	b := &WhisperBridge{loaded: true, tier: TierInProcess, runtime: rt}

	if _, err := b.TranscribeFile(context.Background(), wavPath); err != nil {
		t.Fatalf("TranscribeFile failed: %v", err)
	}
	if rt.gotSamples != 16000 {
		t.Fatalf("runtime got %d samples, want 16000", rt.gotSamples)
	}
}

func TestWhisperCannedWhenNotLoaded(t *testing.T) {
	b := &WhisperBridge{tier: TierCanned}
	text, err := b.TranscribeFile(context.Background(), "/nonexistent.wav")
	if err != nil {
		t.Fatalf("canned transcription must not fail: %v", err)
	}
	if text != cannedTranscript {
		t.Fatalf("unexpected canned transcript: %q", text)
	}
}

func TestWhisperWorkerTranscribe(t *testing.T) {
	wm := &fakeWorkerClient{ready: true}
	wm.sendFn = func(op string, payload any, onChunk func(string)) (json.RawMessage, error) {
		if op != "transcribe" {
			t.Errorf("op = %q, want transcribe", op)
		}
		p, ok := payload.(transcribePayload)
		if !ok || p.WavPath != "/tmp/chunk.wav" {
			t.Errorf("unexpected payload: %#v", payload)
		}
		return json.Marshal(ai.TranscribeResult{Text: "текст лекции"})
	}
	b := &WhisperBridge{wm: wm, loaded: true, tier: TierWorker}

	text, err := b.TranscribeFile(context.Background(), "/tmp/chunk.wav")
	if err != nil {
		t.Fatalf("TranscribeFile failed: %v", err)
	}
	if text != "текст лекции" {
		t.Fatalf("text = %q", text)
	}
}
