// Package models предоставляет каталог локальных моделей, их скачивание
// с докачкой-ретраями и проверкой целостности, и менеджер состояния.
package models

// ModelFamily семейство модели: каждое семейство обслуживается своим
// воркером и своим нативным рантаймом.
type ModelFamily string

const (
	FamilyTextGen ModelFamily = "text-generation" // GGUF, llama-server
	FamilySpeech  ModelFamily = "speech-to-text"  // ONNX, sherpa-onnx
	FamilyVAD     ModelFamily = "vad"             // служебная модель детектора речи
)

// Минимальный правдоподобный размер файла модели. Файл меньше считается
// повреждённым или недокачанным и не признаётся установленной моделью.
const (
	MinTextGenModelBytes = 500 * 1024 * 1024
	MinSpeechModelBytes  = 1 * 1024 * 1024
)

// MinModelBytes минимальный правдоподобный размер для семейства.
func MinModelBytes(family ModelFamily) int64 {
	if family == FamilyTextGen {
		return MinTextGenModelBytes
	}
	return MinSpeechModelBytes
}

// ModelInfo информация о модели в каталоге.
type ModelInfo struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Family        ModelFamily `json:"family"`
	Size          string      `json:"size"`
	SizeBytes     int64       `json:"sizeBytes"`
	Description   string      `json:"description"`
	Languages     []string    `json:"languages"`
	Recommended   bool        `json:"recommended,omitempty"`
	ContextLength int         `json:"contextLength,omitempty"` // только text-generation

	DownloadURL string `json:"downloadUrl"`
	Filename    string `json:"filename"`
	SHA256      string `json:"sha256,omitempty"` // пусто — проверка пропускается

	// Многофайловые speech-модели: encoder в DownloadURL/Filename.
	DecoderURL      string `json:"decoderUrl,omitempty"`
	DecoderFilename string `json:"decoderFilename,omitempty"`
	TokensURL       string `json:"tokensUrl,omitempty"`
	TokensFilename  string `json:"tokensFilename,omitempty"`
}

// ModelStatus статус модели на устройстве.
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusVerifying     ModelStatus = "verifying"
	ModelStatusFinalizing    ModelStatus = "finalizing"
	ModelStatusDownloaded    ModelStatus = "downloaded"
	ModelStatusActive        ModelStatus = "active"
	ModelStatusCancelled     ModelStatus = "cancelled"
	ModelStatusError         ModelStatus = "error"
)

// ModelState состояние модели для UI.
type ModelState struct {
	ModelInfo
	Status ModelStatus `json:"status"`
	Path   string      `json:"path,omitempty"`
}

// Registry статический каталог моделей. URL и имена файлов задаются только
// здесь: пользовательский ввод никогда не превращается в путь на диске.
var Registry = []ModelInfo{
	// --- Текстовая генерация (GGUF) ---
	{
		ID:            "qwen2.5-3b-instruct-q4",
		Name:          "Qwen 2.5 3B Instruct",
		Family:        FamilyTextGen,
		Size:          "1.9 GB",
		SizeBytes:     1_929_903_424,
		Description:   "Быстрая универсальная модель, хорошо держит русский язык",
		Languages:     []string{"ru", "en", "multi"},
		Recommended:   true,
		ContextLength: 32768,
		DownloadURL:   "https://huggingface.co/Qwen/Qwen2.5-3B-Instruct-GGUF/resolve/main/qwen2.5-3b-instruct-q4_k_m.gguf",
		Filename:      "qwen2.5-3b-instruct-q4.gguf",
	},
	{
		ID:            "llama-3.2-3b-instruct-q4",
		Name:          "Llama 3.2 3B Instruct",
		Family:        FamilyTextGen,
		Size:          "2.0 GB",
		SizeBytes:     2_019_377_696,
		Description:   "Модель Meta, сильна в объяснениях и структурировании",
		Languages:     []string{"en", "multi"},
		ContextLength: 8192,
		DownloadURL:   "https://huggingface.co/bartowski/Llama-3.2-3B-Instruct-GGUF/resolve/main/Llama-3.2-3B-Instruct-Q4_K_M.gguf",
		Filename:      "llama-3.2-3b-instruct-q4.gguf",
	},
	{
		ID:            "phi-3.5-mini-instruct-q4",
		Name:          "Phi 3.5 Mini Instruct",
		Family:        FamilyTextGen,
		Size:          "2.2 GB",
		SizeBytes:     2_393_232_672,
		Description:   "Компактная модель Microsoft, хороша для конспектов и тестов",
		Languages:     []string{"en"},
		ContextLength: 131072,
		DownloadURL:   "https://huggingface.co/bartowski/Phi-3.5-mini-instruct-GGUF/resolve/main/Phi-3.5-mini-instruct-Q4_K_M.gguf",
		Filename:      "phi-3.5-mini-instruct-q4.gguf",
	},

	// --- Распознавание речи (sherpa-onnx Whisper) ---
	{
		ID:              "whisper-tiny",
		Name:            "Whisper Tiny",
		Family:          FamilySpeech,
		Size:            "114 MB",
		SizeBytes:       119_536_438,
		Description:     "Самая быстрая, подходит для слабых машин",
		Languages:       []string{"multi"},
		DownloadURL:     "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-tiny/resolve/main/tiny-encoder.int8.onnx",
		Filename:        "whisper-tiny-encoder.int8.onnx",
		DecoderURL:      "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-tiny/resolve/main/tiny-decoder.int8.onnx",
		DecoderFilename: "whisper-tiny-decoder.int8.onnx",
		TokensURL:       "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-tiny/resolve/main/tiny-tokens.txt",
		TokensFilename:  "whisper-tiny-tokens.txt",
	},
	{
		ID:              "whisper-base",
		Name:            "Whisper Base",
		Family:          FamilySpeech,
		Size:            "216 MB",
		SizeBytes:       226_492_416,
		Description:     "Баланс скорости и качества",
		Languages:       []string{"multi"},
		Recommended:     true,
		DownloadURL:     "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-base/resolve/main/base-encoder.int8.onnx",
		Filename:        "whisper-base-encoder.int8.onnx",
		DecoderURL:      "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-base/resolve/main/base-decoder.int8.onnx",
		DecoderFilename: "whisper-base-decoder.int8.onnx",
		TokensURL:       "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-base/resolve/main/base-tokens.txt",
		TokensFilename:  "whisper-base-tokens.txt",
	},
	{
		ID:              "whisper-small",
		Name:            "Whisper Small",
		Family:          FamilySpeech,
		Size:            "610 MB",
		SizeBytes:       639_633_408,
		Description:     "Лучшее качество для лекций с терминологией",
		Languages:       []string{"multi"},
		DownloadURL:     "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-small/resolve/main/small-encoder.int8.onnx",
		Filename:        "whisper-small-encoder.int8.onnx",
		DecoderURL:      "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-small/resolve/main/small-decoder.int8.onnx",
		DecoderFilename: "whisper-small-decoder.int8.onnx",
		TokensURL:       "https://huggingface.co/csukuangfj/sherpa-onnx-whisper-small/resolve/main/small-tokens.txt",
		TokensFilename:  "whisper-small-tokens.txt",
	},

	// --- Служебные ---
	{
		ID:          "silero-vad",
		Name:        "Silero VAD",
		Family:      FamilyVAD,
		Size:        "2.2 MB",
		SizeBytes:   2_327_524,
		Description: "Детектор речи, отсекает тишину перед транскрипцией",
		Languages:   []string{"multi"},
		DownloadURL: "https://huggingface.co/csukuangfj/sherpa-onnx-silero-vad/resolve/main/silero_vad.onnx",
		Filename:    "silero-vad.onnx",
	},
}

// GetModelByID возвращает модель из каталога или nil.
func GetModelByID(id string) *ModelInfo {
	for i := range Registry {
		if Registry[i].ID == id {
			return &Registry[i]
		}
	}
	return nil
}

// ModelsForFamily возвращает модели одного семейства.
func ModelsForFamily(family ModelFamily) []ModelInfo {
	var out []ModelInfo
	for _, info := range Registry {
		if info.Family == family {
			out = append(out, info)
		}
	}
	return out
}

// GetRecommendedModel возвращает рекомендованную модель семейства.
func GetRecommendedModel(family ModelFamily) *ModelInfo {
	for i := range Registry {
		if Registry[i].Family == family && Registry[i].Recommended {
			return &Registry[i]
		}
	}
	models := ModelsForFamily(family)
	if len(models) == 0 {
		return nil
	}
	return &models[0]
}
