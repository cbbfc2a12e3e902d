package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"lectern/ai"
	"lectern/models"
	"lectern/worker"
)

// Tier слой, через который выполняется запрос.
type Tier string

const (
	TierWorker    Tier = "worker"     // отдельный процесс, основной путь
	TierInProcess Tier = "in-process" // рантайм в процессе приложения
	TierCanned    Tier = "canned"     // заготовленные ответы без модели
)

// workerClient часть worker.Manager, нужная мосту. Выделена в интерфейс,
// чтобы тесты могли подставить фальшивый воркер.
type workerClient interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, op string, payload any, onChunk func(string)) (json.RawMessage, error)
	Ready() bool
	Stop()
}

// Info сведения о мосте для UI.
type Info struct {
	ModelName string `json:"modelName"`
	ModelPath string `json:"modelPath"`
	Loaded    bool   `json:"loaded"`
	Tier      Tier   `json:"tier"`
}

// LLMBridge мост текстовой генерации. Запросы идут в воркер-процесс; при
// его недоступности — в in-process рантайм (с оговоркой, что тяжёлый
// инференс тогда живёт в процессе приложения); без загруженной модели
// запрос всегда получает заготовленный ответ, а не ошибку.
type LLMBridge struct {
	mu  sync.Mutex
	cfg ai.LLMConfig

	wm         workerClient
	newRuntime func() ai.TextRuntime

	runtime    ai.TextRuntime
	runtimeCtx ai.TextContext

	loaded bool
	tier   Tier

	modelMgr *models.Manager
}

// NewLLMBridge создаёт мост. wm может быть nil: тогда воркер-слой
// пропускается и мост сразу работает in-process.
func NewLLMBridge(cfg ai.LLMConfig, wm *worker.Manager, modelMgr *models.Manager, llamaBin string) *LLMBridge {
	b := &LLMBridge{
		cfg:      cfg,
		modelMgr: modelMgr,
		tier:     TierCanned,
		newRuntime: func() ai.TextRuntime {
			return ai.NewLlamaRuntime(llamaBin)
		},
	}
	if wm != nil {
		b.wm = wm
	}
	return b
}

// checkModelFile проверяет файл модели до любых попыток загрузки:
// отсутствующий или подозрительно маленький файл — отказ сразу.
func checkModelFile(path string, minBytes int64) error {
	if path == "" {
		return ErrModelNotFound
	}
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	if stat.Size() < minBytes {
		return fmt.Errorf("%w: %s (%d bytes)", ErrModelTooSmall, path, stat.Size())
	}
	return nil
}

// Initialize загружает модель: сперва через воркер, при неудаче —
// in-process. Обе неудачи оставляют мост в режиме заготовленных ответов.
func (b *LLMBridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	if err := checkModelFile(cfg.ModelPath, models.MinTextGenModelBytes); err != nil {
		return err
	}

	if b.wm != nil {
		if err := b.initWorker(ctx, cfg); err == nil {
			return nil
		} else {
			log.Printf("LLMBridge: worker init failed, falling back to in-process: %v", err)
		}
	}
	return b.initInProcess(cfg)
}

func (b *LLMBridge) initWorker(ctx context.Context, cfg ai.LLMConfig) error {
	if err := b.wm.Start(ctx); err != nil {
		return err
	}
	if _, err := b.wm.Send(ctx, "init", cfg, nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.loaded = true
	b.tier = TierWorker
	b.mu.Unlock()
	log.Printf("LLMBridge: model %s loaded in worker", cfg.ModelName)
	return nil
}

func (b *LLMBridge) initInProcess(cfg ai.LLMConfig) error {
	rt := b.newRuntime()
	if err := rt.Load(cfg); err != nil {
		return fmt.Errorf("in-process load: %w", err)
	}
	rctx, err := rt.NewContext()
	if err != nil {
		rt.Dispose()
		return fmt.Errorf("in-process context: %w", err)
	}

	b.mu.Lock()
	b.runtime = rt
	b.runtimeCtx = rctx
	b.loaded = true
	b.tier = TierInProcess
	b.mu.Unlock()
	log.Printf("LLMBridge: model %s loaded in-process", cfg.ModelName)
	return nil
}

// Generate выполняет запрос через доступный слой. Никогда не возвращает
// ошибку пользователю: сбой инференса приходит как finishReason=error,
// отсутствие модели — как заготовленный ответ.
func (b *LLMBridge) Generate(ctx context.Context, req ai.GenerateRequest) *ai.GenerateResponse {
	return b.generate(ctx, req, nil)
}

// GenerateStream как Generate, но с доставкой фрагментов по мере генерации.
// Фрагменты приходят в порядке эмиссии, ровно один раз, строго до
// финального ответа.
func (b *LLMBridge) GenerateStream(ctx context.Context, req ai.GenerateRequest, onChunk func(string)) *ai.GenerateResponse {
	return b.generate(ctx, req, onChunk)
}

func (b *LLMBridge) generate(ctx context.Context, req ai.GenerateRequest, onChunk func(string)) *ai.GenerateResponse {
	b.mu.Lock()
	loaded := b.loaded
	tier := b.tier
	rctx := b.runtimeCtx
	b.mu.Unlock()

	if loaded && tier == TierWorker && b.wm != nil {
		if !b.wm.Ready() {
			// Воркер завершился: поднимаем процесс заново и повторно
			// отправляем ему конфигурацию текущей модели.
			b.mu.Lock()
			cfg := b.cfg
			b.mu.Unlock()
			if err := b.initWorker(ctx, cfg); err != nil {
				log.Printf("LLMBridge: worker restart failed: %v", err)
			}
		}
		if b.wm.Ready() {
			resp, err := b.workerGenerate(ctx, req, onChunk)
			if err == nil {
				return resp
			}
			log.Printf("LLMBridge: worker generate failed: %v", err)
			// Транспортный сбой воркера: пробуем in-process, если он уже
			// загружен, иначе честно отвечаем заготовкой.
			b.mu.Lock()
			rctx = b.runtimeCtx
			b.mu.Unlock()
		}
	}

	if loaded && rctx != nil {
		return b.inProcessGenerate(ctx, rctx, req, onChunk)
	}

	text := cannedAnswer(req.Prompt, req.Context)
	if onChunk != nil {
		onChunk(text)
	}
	return &ai.GenerateResponse{
		Text:         text,
		TokensUsed:   ai.EstimateTokens(text),
		FinishReason: ai.FinishStop,
	}
}

func (b *LLMBridge) workerGenerate(ctx context.Context, req ai.GenerateRequest, onChunk func(string)) (*ai.GenerateResponse, error) {
	op := "generate"
	if onChunk != nil {
		op = "generate_stream"
	}
	raw, err := b.wm.Send(ctx, op, req, onChunk)
	if err != nil {
		return nil, err
	}
	var resp ai.GenerateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode worker response: %w", err)
	}
	if resp.TokensUsed == 0 && resp.Text != "" {
		resp.TokensUsed = ai.EstimateTokens(resp.Text)
	}
	return &resp, nil
}

func (b *LLMBridge) inProcessGenerate(ctx context.Context, rctx ai.TextContext, req ai.GenerateRequest, onChunk func(string)) *ai.GenerateResponse {
	var resp *ai.GenerateResponse
	var err error
	if onChunk != nil {
		resp, err = rctx.PromptStream(ctx, req, onChunk)
	} else {
		resp, err = rctx.Prompt(ctx, req)
	}
	if err != nil {
		// Инференс упал, но это штатный ответ, а не ошибка канала.
		log.Printf("LLMBridge: in-process generate failed: %v", err)
		return &ai.GenerateResponse{FinishReason: ai.FinishError, Error: err.Error()}
	}
	return resp
}

// SetModel переключает мост на другую модель каталога. Старая модель
// выгружается до смены конфигурации; отсутствующий файл оставляет
// конфигурацию нетронутой.
func (b *LLMBridge) SetModel(modelID string) error {
	info := models.GetModelByID(modelID)
	if info == nil || info.Family != models.FamilyTextGen {
		return fmt.Errorf("unknown text-generation model: %s", modelID)
	}
	path := b.modelMgr.GetModelPath(modelID)
	if err := checkModelFile(path, models.MinTextGenModelBytes); err != nil {
		return err
	}

	b.Unload()

	b.mu.Lock()
	b.cfg.ModelPath = path
	b.cfg.ModelName = info.Name
	b.cfg.ContextLength = info.ContextLength
	b.mu.Unlock()

	return b.Initialize(context.Background())
}

// Unload выгружает модель из всех слоёв. Идемпотентен, ошибки освобождения
// ресурсов проглатываются: хуже уже не станет.
func (b *LLMBridge) Unload() {
	b.mu.Lock()
	rt := b.runtime
	rctx := b.runtimeCtx
	wasWorker := b.tier == TierWorker
	b.runtime = nil
	b.runtimeCtx = nil
	b.loaded = false
	b.tier = TierCanned
	b.mu.Unlock()

	if wasWorker && b.wm != nil && b.wm.Ready() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := b.wm.Send(ctx, "unload", nil, nil); err != nil {
			log.Printf("LLMBridge: worker unload: %v", err)
		}
		cancel()
	}
	if rctx != nil {
		if err := rctx.Close(); err != nil {
			log.Printf("LLMBridge: context close: %v", err)
		}
	}
	if rt != nil {
		if err := rt.Dispose(); err != nil {
			log.Printf("LLMBridge: runtime dispose: %v", err)
		}
	}
}

// IsLoaded true, если модель загружена в воркере или in-process.
func (b *LLMBridge) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// GetInfo сведения о мосте для UI.
func (b *LLMBridge) GetInfo() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		ModelName: b.cfg.ModelName,
		ModelPath: b.cfg.ModelPath,
		Loaded:    b.loaded,
		Tier:      b.tier,
	}
}
