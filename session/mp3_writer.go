package session

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// MP3Writer стриминговый писатель MP3 полной записи лекции через shine-mp3
// (чистый Go, без внешних кодеков).
type MP3Writer struct {
	file       *os.File
	encoder    *mp3.Encoder
	filePath   string
	sampleRate int
	channels   int

	// shine кодирует блоками по 1152 сэмпла на канал, копим до кратного.
	buffer []int16

	samplesWritten int64
	mu             sync.Mutex
	closed         bool
}

// NewMP3Writer создаёт MP3 writer.
func NewMP3Writer(filePath string, sampleRate, channels int) (*MP3Writer, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return &MP3Writer{
		file:       file,
		encoder:    mp3.NewEncoder(sampleRate, channels),
		filePath:   filePath,
		sampleRate: sampleRate,
		channels:   channels,
		buffer:     make([]int16, 0, 8192),
	}, nil
}

// Write записывает float32 сэмплы.
func (w *MP3Writer) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	for _, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		w.buffer = append(w.buffer, int16(s*32767))
	}
	w.samplesWritten += int64(len(samples))

	minBufferSize := 1152 * w.channels * 4
	if len(w.buffer) >= minBufferSize {
		w.encoder.Write(w.file, w.buffer)
		w.buffer = w.buffer[:0]
	}
	return nil
}

// SamplesWritten количество записанных сэмплов.
func (w *MP3Writer) SamplesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samplesWritten
}

// Duration длительность записанного аудио.
func (w *MP3Writer) Duration() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := w.samplesWritten / int64(w.channels)
	return time.Duration(frames) * time.Second / time.Duration(w.sampleRate)
}

// Close дописывает хвост буфера и закрывает файл. Идемпотентен.
func (w *MP3Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if len(w.buffer) > 0 {
		blockSize := 1152 * w.channels
		for len(w.buffer)%blockSize != 0 {
			w.buffer = append(w.buffer, 0)
		}
		w.encoder.Write(w.file, w.buffer)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	log.Printf("MP3Writer closed: %s", w.filePath)
	return nil
}

// FilePath путь к файлу.
func (w *MP3Writer) FilePath() string {
	return w.filePath
}
