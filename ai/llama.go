package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// LlamaRuntime текстовая генерация через дочерний процесс llama-server.
// Рантайм владеет процессом: Load его запускает, Dispose убивает.
type LlamaRuntime struct {
	mu      sync.Mutex
	binPath string
	cfg     LLMConfig
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	loaded  bool
}

// NewLlamaRuntime создаёт рантайм. Пустой binPath — llama-server из PATH.
func NewLlamaRuntime(binPath string) *LlamaRuntime {
	return &LlamaRuntime{
		binPath: binPath,
		// Генерация длинного конспекта на CPU может занять минуты.
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

func (r *LlamaRuntime) findBinary() (string, error) {
	if r.binPath != "" {
		if _, err := os.Stat(r.binPath); err != nil {
			return "", fmt.Errorf("llama-server binary: %w", err)
		}
		return r.binPath, nil
	}
	path, err := exec.LookPath("llama-server")
	if err != nil {
		return "", fmt.Errorf("llama-server not found in PATH: %w", err)
	}
	return path, nil
}

// freePort просит у системы свободный TCP-порт.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Load запускает llama-server с моделью и ждёт его готовности.
func (r *LlamaRuntime) Load(cfg LLMConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	bin, err := r.findBinary()
	if err != nil {
		return err
	}
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("failed to pick a port: %w", err)
	}

	r.disposeLocked()

	args := []string{
		"-m", cfg.ModelPath,
		"--port", fmt.Sprint(port),
		"--host", "127.0.0.1",
		"--no-webui",
	}
	if cfg.ContextLength > 0 {
		args = append(args, "-c", fmt.Sprint(cfg.ContextLength))
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start llama-server: %w", err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := r.waitHealthy(baseURL); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return err
	}

	r.cfg = cfg
	r.cmd = cmd
	r.baseURL = baseURL
	r.loaded = true
	log.Printf("LlamaRuntime: model %s loaded, llama-server pid=%d port=%d", cfg.ModelName, cmd.Process.Pid, port)
	return nil
}

// waitHealthy опрашивает /health, пока сервер не загрузит модель.
// Большие GGUF с холодного диска читаются долго.
func (r *LlamaRuntime) waitHealthy(baseURL string) error {
	deadline := time.Now().Add(120 * time.Second)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("llama-server did not become healthy in time")
}

// NewContext создаёт контекст генерации поверх работающего сервера.
func (r *LlamaRuntime) NewContext() (TextContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return nil, fmt.Errorf("model is not loaded")
	}
	return &llamaContext{
		baseURL: r.baseURL,
		cfg:     r.cfg,
		client:  r.client,
	}, nil
}

// Dispose останавливает llama-server. Идемпотентен.
func (r *LlamaRuntime) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposeLocked()
	return nil
}

func (r *LlamaRuntime) disposeLocked() {
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
		r.cmd.Wait()
		log.Printf("LlamaRuntime: model %s unloaded", r.cfg.ModelName)
	}
	r.cmd = nil
	r.loaded = false
}

// llamaContext общается с llama-server по его /completion API.
type llamaContext struct {
	baseURL string
	cfg     LLMConfig
	client  *http.Client
}

type completionRequest struct {
	Prompt      string  `json:"prompt"`
	NPredict    int     `json:"n_predict"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type completionChunk struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	TokensPredicted int    `json:"tokens_predicted"`
	StoppedLimit    bool   `json:"stopped_limit"`
}

// buildPrompt собирает промпт: системная инструкция, материал лекции,
// запрос пользователя.
func (c *llamaContext) buildPrompt(req GenerateRequest) string {
	var sb strings.Builder
	if req.SystemPrompt != "" {
		sb.WriteString(req.SystemPrompt)
		sb.WriteString("\n\n")
	}
	if req.Context != "" {
		sb.WriteString("Материал лекции:\n")
		sb.WriteString(req.Context)
		sb.WriteString("\n\n")
	}
	sb.WriteString(req.Prompt)
	return sb.String()
}

// newCompletion собирает тело запроса. Параметры запроса перекрывают
// настройки модели, нулевые значения означают "как в конфигурации".
func (c *llamaContext) newCompletion(req GenerateRequest, stream bool) completionRequest {
	maxTokens := c.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	temperature := c.cfg.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	return completionRequest{
		Prompt:      c.buildPrompt(req),
		NPredict:    maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}
}

func (c *llamaContext) completionBody(req GenerateRequest, stream bool) ([]byte, error) {
	return json.Marshal(c.newCompletion(req, stream))
}

// Prompt одиночная генерация.
func (c *llamaContext) Prompt(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	body, err := c.completionBody(req, false)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion request: bad status %s", resp.Status)
	}

	var chunk completionChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}

	finish := FinishStop
	if chunk.StoppedLimit {
		finish = FinishLength
	}
	tokens := chunk.TokensPredicted
	if tokens == 0 {
		tokens = EstimateTokens(chunk.Content)
	}
	return &GenerateResponse{
		Text:         chunk.Content,
		TokensUsed:   tokens,
		FinishReason: finish,
	}, nil
}

// PromptStream потоковая генерация. Фрагменты отдаются по мере получения
// SSE-событий, финальный текст — содержимое последнего события, а при его
// отсутствии конкатенация фрагментов.
func (c *llamaContext) PromptStream(ctx context.Context, req GenerateRequest, onChunk func(string)) (*GenerateResponse, error) {
	body, err := c.completionBody(req, true)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion request: bad status %s", resp.Status)
	}

	var accumulated strings.Builder
	var final completionChunk

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Printf("LlamaRuntime: bad stream event: %v", err)
			continue
		}
		if chunk.Stop {
			final = chunk
			break
		}
		if chunk.Content != "" {
			accumulated.WriteString(chunk.Content)
			if onChunk != nil {
				onChunk(chunk.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	// Финальное событие приходит с пустым content: тогда полный текст —
	// конкатенация фрагментов.
	text := final.Content
	if text == "" {
		text = accumulated.String()
	}
	finish := FinishStop
	if final.StoppedLimit {
		finish = FinishLength
	}
	tokens := final.TokensPredicted
	if tokens == 0 {
		tokens = EstimateTokens(text)
	}
	return &GenerateResponse{
		Text:         text,
		TokensUsed:   tokens,
		FinishReason: finish,
	}, nil
}

// Close ничего не освобождает: контекст не владеет процессом сервера.
func (c *llamaContext) Close() error {
	return nil
}
