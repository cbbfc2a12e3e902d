package models

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// ProgressCallback отчёт о ходе скачивания модели для UI.
type ProgressCallback func(modelID string, progress float64, status ModelStatus, err error)

// DownloadedCallback вызывается после успешной установки модели, чтобы
// мост мог перенастроиться на неё без перезапуска приложения.
type DownloadedCallback func(info ModelInfo)

// Manager менеджер моделей: расположение на диске, скачивание с отменой,
// удаление и статусы для UI.
type Manager struct {
	modelsDir    string
	activeModels map[ModelFamily]string        // активная модель на семейство
	downloads    map[string]context.CancelFunc // активные загрузки по ID
	mu           sync.RWMutex
	onProgress   ProgressCallback
	onDownloaded DownloadedCallback

	// Подменяется в тестах.
	download func(ctx context.Context, url, destPath, expectedSHA string, onProgress ProgressFunc) error
}

// NewManager создаёт менеджер. Для каждого семейства заводится свой подкаталог.
func NewManager(modelsDir string) (*Manager, error) {
	for _, family := range []ModelFamily{FamilyTextGen, FamilySpeech, FamilyVAD} {
		if err := os.MkdirAll(filepath.Join(modelsDir, string(family)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create models directory: %w", err)
		}
	}
	return &Manager{
		modelsDir:    modelsDir,
		activeModels: make(map[ModelFamily]string),
		downloads:    make(map[string]context.CancelFunc),
		download:     DownloadFile,
	}, nil
}

// SetProgressCallback устанавливает callback прогресса.
func (m *Manager) SetProgressCallback(cb ProgressCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = cb
}

// SetDownloadedCallback устанавливает callback успешной установки.
func (m *Manager) SetDownloadedCallback(cb DownloadedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDownloaded = cb
}

// GetModelsDir возвращает корневую директорию моделей.
func (m *Manager) GetModelsDir() string {
	return m.modelsDir
}

// GetModelPath путь к основному файлу модели (для speech — encoder).
func (m *Manager) GetModelPath(modelID string) string {
	info := GetModelByID(modelID)
	if info == nil {
		return ""
	}
	return filepath.Join(m.modelsDir, string(info.Family), info.Filename)
}

// GetDecoderPath путь к decoder-файлу многофайловой speech-модели.
func (m *Manager) GetDecoderPath(modelID string) string {
	info := GetModelByID(modelID)
	if info == nil || info.DecoderFilename == "" {
		return ""
	}
	return filepath.Join(m.modelsDir, string(info.Family), info.DecoderFilename)
}

// GetTokensPath путь к tokens-файлу многофайловой speech-модели.
func (m *Manager) GetTokensPath(modelID string) string {
	info := GetModelByID(modelID)
	if info == nil || info.TokensFilename == "" {
		return ""
	}
	return filepath.Join(m.modelsDir, string(info.Family), info.TokensFilename)
}

// IsModelDownloaded true, если все файлы модели на месте и основной файл
// не меньше правдоподобного минимума для семейства.
func (m *Manager) IsModelDownloaded(modelID string) bool {
	info := GetModelByID(modelID)
	if info == nil {
		return false
	}

	stat, err := os.Stat(m.GetModelPath(modelID))
	if err != nil {
		return false
	}
	if stat.Size() < MinModelBytes(info.Family) {
		return false
	}

	if info.DecoderFilename != "" {
		if _, err := os.Stat(m.GetDecoderPath(modelID)); err != nil {
			return false
		}
	}
	if info.TokensFilename != "" {
		if _, err := os.Stat(m.GetTokensPath(modelID)); err != nil {
			return false
		}
	}
	return true
}

// GetActiveModel возвращает ID активной модели семейства.
func (m *Manager) GetActiveModel(family ModelFamily) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeModels[family]
}

// SetActiveModel устанавливает активную модель семейства.
func (m *Manager) SetActiveModel(modelID string) error {
	info := GetModelByID(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}
	if !m.IsModelDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	m.mu.Lock()
	m.activeModels[info.Family] = modelID
	m.mu.Unlock()

	log.Printf("Active %s model set to: %s", info.Family, modelID)
	return nil
}

// GetAllModelsState возвращает состояние всех моделей каталога.
func (m *Manager) GetAllModelsState() []ModelState {
	m.mu.RLock()
	active := make(map[ModelFamily]string, len(m.activeModels))
	for f, id := range m.activeModels {
		active[f] = id
	}
	downloading := make(map[string]bool)
	for id := range m.downloads {
		downloading[id] = true
	}
	m.mu.RUnlock()

	states := make([]ModelState, len(Registry))
	for i, info := range Registry {
		state := ModelState{
			ModelInfo: info,
			Path:      m.GetModelPath(info.ID),
		}
		switch {
		case downloading[info.ID]:
			state.Status = ModelStatusDownloading
		case m.IsModelDownloaded(info.ID):
			if active[info.Family] == info.ID {
				state.Status = ModelStatusActive
			} else {
				state.Status = ModelStatusDownloaded
			}
		default:
			state.Status = ModelStatusNotDownloaded
		}
		states[i] = state
	}
	return states
}

// DownloadModel запускает скачивание модели в фоне. Неизвестное имя —
// ошибка без какого-либо I/O. Уже установленная модель — мгновенный успех.
// Повторное скачивание той же модели во время загрузки отклоняется.
func (m *Manager) DownloadModel(modelID string) error {
	info := GetModelByID(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}

	if m.IsModelDownloaded(modelID) {
		log.Printf("Model %s already downloaded, skipping", modelID)
		m.notifyProgress(modelID, 100, ModelStatusDownloaded, nil)
		m.notifyDownloaded(*info)
		return nil
	}

	m.mu.Lock()
	if _, exists := m.downloads[modelID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("model %s is already downloading", modelID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.downloads[modelID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.downloads, modelID)
			m.mu.Unlock()
		}()

		err := m.downloadFiles(ctx, info)
		switch {
		case err == nil:
			log.Printf("Download completed for model: %s", modelID)
			m.notifyProgress(modelID, 100, ModelStatusDownloaded, nil)
			m.notifyDownloaded(*info)
		case errors.Is(err, ErrCancelled) || ctx.Err() == context.Canceled:
			log.Printf("Download cancelled for model: %s", modelID)
			m.cleanupPartialDownload(modelID)
			m.notifyProgress(modelID, 0, ModelStatusCancelled, nil)
		default:
			log.Printf("Download failed for model %s: %v", modelID, err)
			m.cleanupPartialDownload(modelID)
			m.notifyProgress(modelID, 0, ModelStatusError, err)
		}
	}()
	return nil
}

// downloadFiles скачивает все файлы модели. Прогресс агрегируется по байтам
// относительно суммарного размера из каталога.
func (m *Manager) downloadFiles(ctx context.Context, info *ModelInfo) error {
	type part struct {
		url  string
		dest string
		sha  string
	}
	parts := []part{{info.DownloadURL, m.GetModelPath(info.ID), info.SHA256}}
	if info.DecoderURL != "" {
		parts = append(parts, part{info.DecoderURL, m.GetDecoderPath(info.ID), ""})
	}
	if info.TokensURL != "" {
		parts = append(parts, part{info.TokensURL, m.GetTokensPath(info.ID), ""})
	}

	var completed int64
	for i, p := range parts {
		onProgress := func(downloaded, total int64) {
			done := completed + downloaded
			var percent float64
			if info.SizeBytes > 0 {
				percent = float64(done) / float64(info.SizeBytes) * 100
				if percent > 100 {
					percent = 100
				}
			}
			m.notifyProgress(info.ID, percent, ModelStatusDownloading, nil)
		}

		log.Printf("Downloading [%d/%d]: %s", i+1, len(parts), p.url)
		if err := m.download(ctx, p.url, p.dest, p.sha, onProgress); err != nil {
			return err
		}
		if stat, err := os.Stat(p.dest); err == nil {
			completed += stat.Size()
		}
	}

	// Контрольная сумма считается потоково внутри DownloadFile; здесь только
	// докладываем UI фазы завершения.
	if info.SHA256 != "" {
		m.notifyProgress(info.ID, 100, ModelStatusVerifying, nil)
	}
	m.notifyProgress(info.ID, 100, ModelStatusFinalizing, nil)
	return nil
}

// CancelDownload отменяет скачивание модели.
func (m *Manager) CancelDownload(modelID string) error {
	m.mu.Lock()
	cancel, exists := m.downloads[modelID]
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("model %s is not downloading", modelID)
	}
	cancel()
	return nil
}

// DeleteModel удаляет скачанную модель. Активную модель удалить нельзя.
func (m *Manager) DeleteModel(modelID string) error {
	info := GetModelByID(modelID)
	if info == nil {
		return fmt.Errorf("unknown model: %s", modelID)
	}
	if !m.IsModelDownloaded(modelID) {
		return fmt.Errorf("model %s is not downloaded", modelID)
	}

	m.mu.RLock()
	if m.activeModels[info.Family] == modelID {
		m.mu.RUnlock()
		return fmt.Errorf("cannot delete active model")
	}
	m.mu.RUnlock()

	if err := os.Remove(m.GetModelPath(modelID)); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	if p := m.GetDecoderPath(modelID); p != "" {
		os.Remove(p)
	}
	if p := m.GetTokensPath(modelID); p != "" {
		os.Remove(p)
	}

	log.Printf("Model deleted: %s", modelID)
	return nil
}

// GetDownloadingModels возвращает ID моделей в процессе скачивания.
func (m *Manager) GetDownloadingModels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]string, 0, len(m.downloads))
	for id := range m.downloads {
		result = append(result, id)
	}
	return result
}

func (m *Manager) notifyProgress(modelID string, progress float64, status ModelStatus, err error) {
	m.mu.RLock()
	cb := m.onProgress
	m.mu.RUnlock()
	if cb != nil {
		cb(modelID, progress, status, err)
	}
}

func (m *Manager) notifyDownloaded(info ModelInfo) {
	m.mu.RLock()
	cb := m.onDownloaded
	m.mu.RUnlock()
	if cb != nil {
		cb(info)
	}
}

// cleanupPartialDownload удаляет частично скачанные файлы модели.
func (m *Manager) cleanupPartialDownload(modelID string) {
	for _, p := range []string{m.GetModelPath(modelID), m.GetDecoderPath(modelID), m.GetTokensPath(modelID)} {
		if p == "" {
			continue
		}
		os.Remove(p)
		os.Remove(p + ".tmp")
	}
}
