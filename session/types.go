// Package session хранит лекционные сессии: метаданные, транскрипт по
// чанкам, конспект, ссылку на презентацию и аудиофайлы на диске.
package session

import (
	"sync"
	"time"
)

// SessionStatus состояние сессии.
type SessionStatus string

const (
	SessionStatusRecording SessionStatus = "recording"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// ChunkStatus состояние чанка.
type ChunkStatus string

const (
	ChunkStatusPending      ChunkStatus = "pending"
	ChunkStatusTranscribing ChunkStatus = "transcribing"
	ChunkStatusCompleted    ChunkStatus = "completed"
	ChunkStatusSkipped      ChunkStatus = "skipped" // в чанке не нашлось речи
	ChunkStatusFailed       ChunkStatus = "failed"
)

// SlideDeck ссылка на импортированную презентацию. Сам PDF не парсится,
// хранится только путь и метаданные.
type SlideDeck struct {
	Path       string    `json:"path"`
	Title      string    `json:"title,omitempty"`
	PageCount  int       `json:"pageCount,omitempty"`
	ImportedAt time.Time `json:"importedAt"`
}

// Session лекционная сессия.
type Session struct {
	ID            string        `json:"id"`
	Title         string        `json:"title,omitempty"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       *time.Time    `json:"endTime,omitempty"`
	Status        SessionStatus `json:"status"`
	Language      string        `json:"language"`
	Model         string        `json:"model"`
	DataDir       string        `json:"dataDir"`
	TotalDuration time.Duration `json:"totalDuration"`
	SampleCount   int64         `json:"sampleCount"`
	Summary       string        `json:"summary,omitempty"` // AI-конспект
	Slides        *SlideDeck    `json:"slides,omitempty"`

	Chunks []*Chunk `json:"chunks"`

	mu sync.RWMutex `json:"-"`
}

// Chunk фрагмент аудио для распознавания.
type Chunk struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Index     int         `json:"index"`
	Status    ChunkStatus `json:"status"`

	// Таймстемпы в миллисекундах относительно начала записи.
	StartMs  int64         `json:"startMs"`
	EndMs    int64         `json:"endMs"`
	Duration time.Duration `json:"duration"`

	FilePath      string     `json:"filePath,omitempty"` // WAV чанка
	Transcription string     `json:"transcription,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	TranscribedAt *time.Time `json:"transcribedAt,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// SessionConfig параметры новой сессии.
type SessionConfig struct {
	Title    string
	Language string
	Model    string
	Device   string
}

// SampleRate частота записи и распознавания. Whisper-модели sherpa-onnx
// обучены на 16 кГц, пишем сразу в ней и обходимся без ресемплинга.
const SampleRate = 16000
