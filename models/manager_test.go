package models

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// installModel раскладывает файлы модели нужного размера, как после скачивания.
func installModel(t *testing.T, m *Manager, modelID string) {
	t.Helper()
	info := GetModelByID(modelID)
	if info == nil {
		t.Fatalf("unknown model in catalog: %s", modelID)
	}
	size := MinModelBytes(info.Family) + 1024
	if err := os.WriteFile(m.GetModelPath(modelID), bytes.Repeat([]byte{0xAB}, int(size)), 0644); err != nil {
		t.Fatal(err)
	}
	if p := m.GetDecoderPath(modelID); p != "" {
		if err := os.WriteFile(p, bytes.Repeat([]byte{0xCD}, int(size)), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if p := m.GetTokensPath(modelID); p != "" {
		if err := os.WriteFile(p, []byte("tokens"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestModelManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestDownloadModelUnknown(t *testing.T) {
	m := newTestModelManager(t)
	if err := m.DownloadModel("no-such-model"); err == nil {
		t.Fatal("expected error for unknown model")
	}

	// Никакого I/O для неизвестного имени: каталоги остаются пустыми.
	for _, family := range []ModelFamily{FamilyTextGen, FamilySpeech, FamilyVAD} {
		entries, err := os.ReadDir(filepath.Join(m.GetModelsDir(), string(family)))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatalf("unexpected files in %s: %v", family, entries)
		}
	}
}

func TestDownloadModelConcurrentRejected(t *testing.T) {
	m := newTestModelManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	m.download = func(ctx context.Context, url, destPath, expectedSHA string, onProgress ProgressFunc) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ErrCancelled
		}
	}

	done := make(chan struct{})
	m.SetProgressCallback(func(modelID string, progress float64, status ModelStatus, err error) {
		if status == ModelStatusCancelled {
			close(done)
		}
	})

	if err := m.DownloadModel("silero-vad"); err != nil {
		t.Fatalf("first download rejected: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("download goroutine did not start")
	}

	// Та же модель второй раз — отказ, пока первая загрузка в полёте.
	if err := m.DownloadModel("silero-vad"); err == nil {
		t.Fatal("second concurrent download accepted")
	}

	if err := m.CancelDownload("silero-vad"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancelled download did not report terminal status")
	}
	close(release)

	// Слот освободился: повторная загрузка снова принимается.
	deadline := time.Now().Add(time.Second)
	for len(m.GetDownloadingModels()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("downloads map not cleared after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDownloadModelAlreadyInstalled(t *testing.T) {
	m := newTestModelManager(t)
	installModel(t, m, "silero-vad")

	var gotProgress float64
	var gotStatus ModelStatus
	m.SetProgressCallback(func(modelID string, progress float64, status ModelStatus, err error) {
		gotProgress, gotStatus = progress, status
	})
	var activated string
	m.SetDownloadedCallback(func(info ModelInfo) { activated = info.ID })

	if err := m.DownloadModel("silero-vad"); err != nil {
		t.Fatalf("DownloadModel for installed model failed: %v", err)
	}
	if gotProgress != 100 || gotStatus != ModelStatusDownloaded {
		t.Fatalf("progress = (%v, %v), want (100, downloaded)", gotProgress, gotStatus)
	}
	if activated != "silero-vad" {
		t.Fatalf("downloaded callback got %q, want silero-vad", activated)
	}
}

func TestIsModelDownloaded(t *testing.T) {
	m := newTestModelManager(t)

	if m.IsModelDownloaded("whisper-tiny") {
		t.Fatal("model reported downloaded before any files exist")
	}

	installModel(t, m, "whisper-tiny")
	if !m.IsModelDownloaded("whisper-tiny") {
		t.Fatal("model with all files not reported downloaded")
	}

	// Недокачанный encoder меньше правдоподобного минимума.
	if err := os.WriteFile(m.GetModelPath("whisper-tiny"), []byte("stub"), 0644); err != nil {
		t.Fatal(err)
	}
	if m.IsModelDownloaded("whisper-tiny") {
		t.Fatal("implausibly small model file accepted as downloaded")
	}

	// Восстановили encoder, но потеряли decoder.
	installModel(t, m, "whisper-tiny")
	os.Remove(m.GetDecoderPath("whisper-tiny"))
	if m.IsModelDownloaded("whisper-tiny") {
		t.Fatal("model without decoder accepted as downloaded")
	}
}

func TestSetActiveModel(t *testing.T) {
	m := newTestModelManager(t)

	if err := m.SetActiveModel("whisper-tiny"); err == nil {
		t.Fatal("expected error activating a model that is not downloaded")
	}

	installModel(t, m, "whisper-tiny")
	if err := m.SetActiveModel("whisper-tiny"); err != nil {
		t.Fatalf("SetActiveModel failed: %v", err)
	}
	if got := m.GetActiveModel(FamilySpeech); got != "whisper-tiny" {
		t.Fatalf("active speech model = %q, want whisper-tiny", got)
	}
}

func TestDeleteModel(t *testing.T) {
	m := newTestModelManager(t)
	installModel(t, m, "whisper-tiny")

	if err := m.SetActiveModel("whisper-tiny"); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteModel("whisper-tiny"); err == nil {
		t.Fatal("active model must not be deletable")
	}

	installModel(t, m, "silero-vad")
	if err := m.DeleteModel("silero-vad"); err != nil {
		t.Fatalf("DeleteModel failed: %v", err)
	}
	if m.IsModelDownloaded("silero-vad") {
		t.Fatal("model still reported downloaded after delete")
	}
	if _, err := os.Stat(m.GetModelPath("silero-vad")); !os.IsNotExist(err) {
		t.Fatal("model file still on disk after delete")
	}
}

func TestGetAllModelsState(t *testing.T) {
	m := newTestModelManager(t)
	installModel(t, m, "whisper-tiny")
	installModel(t, m, "whisper-base")
	if err := m.SetActiveModel("whisper-base"); err != nil {
		t.Fatal(err)
	}

	byID := make(map[string]ModelState)
	for _, s := range m.GetAllModelsState() {
		byID[s.ID] = s
	}
	if byID["whisper-base"].Status != ModelStatusActive {
		t.Fatalf("whisper-base status = %s, want active", byID["whisper-base"].Status)
	}
	if byID["whisper-tiny"].Status != ModelStatusDownloaded {
		t.Fatalf("whisper-tiny status = %s, want downloaded", byID["whisper-tiny"].Status)
	}
	if byID["qwen2.5-3b-instruct-q4"].Status != ModelStatusNotDownloaded {
		t.Fatalf("qwen status = %s, want not_downloaded", byID["qwen2.5-3b-instruct-q4"].Status)
	}
}

func TestCancelDownloadNotDownloading(t *testing.T) {
	m := newTestModelManager(t)
	if err := m.CancelDownload("whisper-tiny"); err == nil {
		t.Fatal("expected error cancelling a download that is not running")
	}
}
