package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"lectern/ai"
	"lectern/models"
	"lectern/session"
	"lectern/worker"
)

// Заготовка транскрипции: модель не загружена, но пайплайн не ломаем.
const cannedTranscript = "[Распознавание речи недоступно: скачайте модель в настройках]"

// transcribePayload запрос транскрипции воркеру. Передаём путь к WAV, а не
// сэмплы: чанк уже лежит на диске, гонять мегабайты через IPC незачем.
type transcribePayload struct {
	WavPath string `json:"wavPath"`
}

// WhisperBridge мост распознавания речи с теми же тремя слоями, что и у
// текстового моста.
type WhisperBridge struct {
	mu  sync.Mutex
	cfg ai.STTConfig

	wm         workerClient
	newRuntime func() ai.SpeechRuntime
	runtime    ai.SpeechRuntime

	loaded bool
	tier   Tier

	modelMgr *models.Manager
}

// NewWhisperBridge создаёт мост распознавания.
func NewWhisperBridge(cfg ai.STTConfig, wm *worker.Manager, modelMgr *models.Manager) *WhisperBridge {
	b := &WhisperBridge{
		cfg:      cfg,
		modelMgr: modelMgr,
		tier:     TierCanned,
		newRuntime: func() ai.SpeechRuntime {
			return ai.NewWhisperRuntime()
		},
	}
	if wm != nil {
		b.wm = wm
	}
	return b
}

// Initialize загружает модель: воркер, затем in-process.
func (b *WhisperBridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	if err := checkModelFile(cfg.ModelPath, models.MinSpeechModelBytes); err != nil {
		return err
	}

	if b.wm != nil {
		if err := b.initWorker(ctx, cfg); err == nil {
			return nil
		} else {
			log.Printf("WhisperBridge: worker init failed, falling back to in-process: %v", err)
		}
	}
	return b.initInProcess(cfg)
}

func (b *WhisperBridge) initWorker(ctx context.Context, cfg ai.STTConfig) error {
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
	log.Printf("WhisperBridge: model %s loaded in worker", cfg.ModelName)
	return nil
}

func (b *WhisperBridge) initInProcess(cfg ai.STTConfig) error {
	rt := b.newRuntime()
	if err := rt.Load(cfg); err != nil {
		return fmt.Errorf("in-process load: %w", err)
	}
	b.mu.Lock()
	b.runtime = rt
	b.loaded = true
	b.tier = TierInProcess
	b.mu.Unlock()
	log.Printf("WhisperBridge: model %s loaded in-process", cfg.ModelName)
	return nil
}

// TranscribeFile распознаёт WAV-файл (моно 16 кГц). Без загруженной модели
// возвращает заготовку, чтобы очередь транскрипции не останавливалась.
func (b *WhisperBridge) TranscribeFile(ctx context.Context, wavPath string) (string, error) {
	b.mu.Lock()
	loaded := b.loaded
	tier := b.tier
	rt := b.runtime
	b.mu.Unlock()

	if loaded && tier == TierWorker && b.wm != nil {
		if !b.wm.Ready() {
			// Воркер завершился: перезапуск с повторной отправкой
			// конфигурации модели.
			b.mu.Lock()
			cfg := b.cfg
			b.mu.Unlock()
			if err := b.initWorker(ctx, cfg); err != nil {
				log.Printf("WhisperBridge: worker restart failed: %v", err)
			}
		}
		if b.wm.Ready() {
			raw, err := b.wm.Send(ctx, "transcribe", transcribePayload{WavPath: wavPath}, nil)
			if err == nil {
				var res ai.TranscribeResult
				if err := json.Unmarshal(raw, &res); err != nil {
					return "", fmt.Errorf("decode worker response: %w", err)
				}
				return res.Text, nil
			}
			log.Printf("WhisperBridge: worker transcribe failed: %v", err)
			b.mu.Lock()
			rt = b.runtime
			b.mu.Unlock()
		}
	}

	if loaded && rt != nil {
		samples, rate, err := session.ReadWAVFile(wavPath)
		if err != nil {
			return "", fmt.Errorf("read wav: %w", err)
		}
		if rate != session.SampleRate {
			samples = session.ResampleLinear(samples, rate, session.SampleRate)
		}
		res, err := rt.Transcribe(ctx, samples)
		if err != nil {
			return "", fmt.Errorf("in-process transcribe: %w", err)
		}
		return res.Text, nil
	}

	return cannedTranscript, nil
}

// SetModel переключает мост на другую speech-модель каталога.
func (b *WhisperBridge) SetModel(modelID string) error {
	info := models.GetModelByID(modelID)
	if info == nil || info.Family != models.FamilySpeech {
		return fmt.Errorf("unknown speech model: %s", modelID)
	}
	path := b.modelMgr.GetModelPath(modelID)
	if err := checkModelFile(path, models.MinSpeechModelBytes); err != nil {
		return err
	}

	b.Unload()

	b.mu.Lock()
	b.cfg.ModelPath = path
	b.cfg.DecoderPath = b.modelMgr.GetDecoderPath(modelID)
	b.cfg.TokensPath = b.modelMgr.GetTokensPath(modelID)
	b.cfg.ModelName = info.Name
	b.mu.Unlock()

	return b.Initialize(context.Background())
}

// Unload выгружает модель из всех слоёв. Идемпотентен.
func (b *WhisperBridge) Unload() {
	b.mu.Lock()
	rt := b.runtime
	wasWorker := b.tier == TierWorker
	b.runtime = nil
	b.loaded = false
	b.tier = TierCanned
	b.mu.Unlock()

	if wasWorker && b.wm != nil && b.wm.Ready() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := b.wm.Send(ctx, "unload", nil, nil); err != nil {
			log.Printf("WhisperBridge: worker unload: %v", err)
		}
		cancel()
	}
	if rt != nil {
		if err := rt.Dispose(); err != nil {
			log.Printf("WhisperBridge: runtime dispose: %v", err)
		}
	}
}

// IsLoaded true, если модель загружена в воркере или in-process.
func (b *WhisperBridge) IsLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// GetInfo сведения о мосте для UI.
func (b *WhisperBridge) GetInfo() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		ModelName: b.cfg.ModelName,
		ModelPath: b.cfg.ModelPath,
		Loaded:    b.loaded,
		Tier:      b.tier,
	}
}
