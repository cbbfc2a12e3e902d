package main

import (
	"log"

	"lectern/ai"
	"lectern/audio"
	"lectern/bridge"
	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/service"
	"lectern/models"
	"lectern/session"
	"lectern/worker"
)

func main() {
	cfg := config.Load()

	sessionMgr, err := session.NewManager(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}
	modelMgr, err := models.NewManager(cfg.ModelsDir)
	if err != nil {
		log.Fatalf("Failed to create model manager: %v", err)
	}

	capture, err := audio.NewCapture()
	if err != nil {
		log.Fatalf("Failed to init audio capture: %v", err)
	}
	defer capture.Close()

	// Воркеры по одному на семейство моделей. Процессы стартуют лениво,
	// при первой инициализации моста.
	var llmArgs []string
	if cfg.LlamaBin != "" {
		llmArgs = []string{"-llama", cfg.LlamaBin}
	}
	llmWorker := worker.NewManager(worker.Options{
		Name:      "llm",
		BinPath:   cfg.WorkerBin,
		Addr:      config.WorkerAddr(string(models.FamilyTextGen)),
		Family:    string(models.FamilyTextGen),
		ExtraArgs: llmArgs,
	})
	sttWorker := worker.NewManager(worker.Options{
		Name:    "stt",
		BinPath: cfg.WorkerBin,
		Addr:    config.WorkerAddr(string(models.FamilySpeech)),
		Family:  string(models.FamilySpeech),
	})

	bridges := &bridge.Bridges{
		LLM:     bridge.NewLLMBridge(ai.LLMConfig{Temperature: 0.7, MaxTokens: 1024}, llmWorker, modelMgr, cfg.LlamaBin),
		Whisper: bridge.NewWhisperBridge(ai.STTConfig{Language: cfg.Language}, sttWorker, modelMgr),
		Workers: []*worker.Manager{llmWorker, sttWorker},
	}
	defer bridges.Shutdown()

	// Скачанные ранее модели поднимаем на старте.
	for _, family := range []models.ModelFamily{models.FamilyTextGen, models.FamilySpeech} {
		if rec := models.GetRecommendedModel(family); rec != nil && modelMgr.IsModelDownloaded(rec.ID) {
			bridges.ActivateDownloaded(*rec)
		}
	}

	// VAD необязателен: без модели фильтрует одна спектральная ступень.
	var vad *ai.SileroVAD
	if vadInfo := models.GetModelByID("silero-vad"); vadInfo != nil && modelMgr.IsModelDownloaded(vadInfo.ID) {
		vad, err = ai.NewSileroVAD(ai.SileroVADConfig{ModelPath: modelMgr.GetModelPath(vadInfo.ID)})
		if err != nil {
			log.Printf("Silero VAD unavailable: %v", err)
			vad = nil
		}
	}
	if vad != nil {
		defer vad.Close()
	}

	transcription := service.NewTranscriptionService(sessionMgr, bridges.Whisper, service.NewSpeechGate(vad))
	defer transcription.Close()
	recording := service.NewRecordingService(capture, sessionMgr, transcription)
	assistant := service.NewAssistantService(sessionMgr, bridges.LLM)

	server := api.NewServer(cfg, sessionMgr, modelMgr, bridges, capture, transcription, recording, assistant)
	server.Start()
}
