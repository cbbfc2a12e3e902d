package bridge

import (
	"log"

	"lectern/models"
	"lectern/worker"
)

// Bridges пара мостов приложения и их воркеры. Подписан на менеджер
// моделей: скачанная модель активируется без перезапуска.
type Bridges struct {
	LLM     *LLMBridge
	Whisper *WhisperBridge
	Workers []*worker.Manager
}

// ActivateDownloaded переключает соответствующий мост на свежескачанную
// модель: прежняя выгружается, новая становится активной без перезапуска
// приложения. Вызывается менеджером моделей из горутины загрузки, поэтому
// ошибки только логируются: пользователю уже ушёл статус downloaded.
func (b *Bridges) ActivateDownloaded(info models.ModelInfo) {
	switch info.Family {
	case models.FamilyTextGen:
		if err := b.LLM.SetModel(info.ID); err != nil {
			log.Printf("Bridges: activate %s: %v", info.ID, err)
		}
	case models.FamilySpeech:
		if err := b.Whisper.SetModel(info.ID); err != nil {
			log.Printf("Bridges: activate %s: %v", info.ID, err)
		}
	}
}

// Shutdown выгружает обе модели и останавливает воркер-процессы.
func (b *Bridges) Shutdown() {
	b.LLM.Unload()
	b.Whisper.Unload()
	for _, w := range b.Workers {
		w.Stop()
	}
}
