// Package service содержит прикладные сервисы: очередь транскрипции,
// запись лекций и генерацию конспектов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"lectern/session"
)

var errQueueFull = errors.New("transcription queue is full")

// transcriber часть WhisperBridge, нужная очереди.
type transcriber interface {
	TranscribeFile(ctx context.Context, wavPath string) (string, error)
}

// SpeechGate быстрая проверка наличия речи перед тяжёлой транскрипцией.
type SpeechGate interface {
	HasSpeech(samples []float32) (bool, error)
}

type job struct {
	sessionID string
	chunkID   string
	wavPath   string
}

// TranscriptionService ограниченная очередь транскрипции: чанки обрабатывает
// один потребитель в порядке постановки, что гарантирует порядок сегментов
// внутри сессии и не даёт инференсу конкурировать за CPU с записью.
type TranscriptionService struct {
	sessions *session.Manager
	bridge   transcriber
	gate     SpeechGate // nil — пропускаем проверку

	queue chan job
	wg    sync.WaitGroup
	once  sync.Once

	// OnChunkUpdated уведомляет UI об изменении чанка.
	OnChunkUpdated func(sessionID, chunkID string)
}

const queueCapacity = 64

// NewTranscriptionService создаёт сервис и запускает потребителя.
func NewTranscriptionService(sessions *session.Manager, bridge transcriber, gate SpeechGate) *TranscriptionService {
	s := &TranscriptionService{
		sessions: sessions,
		bridge:   bridge,
		gate:     gate,
		queue:    make(chan job, queueCapacity),
	}
	s.wg.Add(1)
	go s.consume()
	return s
}

// Enqueue ставит чанк в очередь. Переполненная очередь — отказ с логом:
// лучше потерять чанк из хвоста, чем заблокировать запись.
func (s *TranscriptionService) Enqueue(sessionID, chunkID, wavPath string) bool {
	select {
	case s.queue <- job{sessionID: sessionID, chunkID: chunkID, wavPath: wavPath}:
		return true
	default:
		log.Printf("TranscriptionService: queue full, dropping chunk %s", chunkID)
		s.sessions.UpdateChunk(sessionID, chunkID, session.ChunkStatusFailed, "", errQueueFull)
		return false
	}
}

func (s *TranscriptionService) consume() {
	defer s.wg.Done()
	for j := range s.queue {
		s.process(j)
	}
}

func (s *TranscriptionService) process(j job) {
	s.sessions.UpdateChunk(j.sessionID, j.chunkID, session.ChunkStatusTranscribing, "", nil)
	s.notify(j)

	if s.gate != nil {
		samples, _, err := session.ReadWAVFile(j.wavPath)
		if err == nil {
			if hasSpeech, gerr := s.gate.HasSpeech(samples); gerr == nil && !hasSpeech {
				log.Printf("TranscriptionService: no speech in chunk %s, skipping", j.chunkID)
				s.sessions.UpdateChunk(j.sessionID, j.chunkID, session.ChunkStatusSkipped, "", nil)
				s.notify(j)
				return
			}
		}
	}

	text, err := s.bridge.TranscribeFile(context.Background(), j.wavPath)
	if err != nil {
		log.Printf("TranscriptionService: chunk %s failed: %v", j.chunkID, err)
		s.sessions.UpdateChunk(j.sessionID, j.chunkID, session.ChunkStatusFailed, "", err)
		s.notify(j)
		return
	}

	s.sessions.UpdateChunk(j.sessionID, j.chunkID, session.ChunkStatusCompleted, text, nil)
	s.notify(j)
}

func (s *TranscriptionService) notify(j job) {
	if s.OnChunkUpdated != nil {
		s.OnChunkUpdated(j.sessionID, j.chunkID)
	}
}

// RetranscribeSession прогоняет сессию через распознавание заново: чанки
// нарезаются из полной MP3-записи, так что работает и после удаления
// WAV-файлов, и после смены модели распознавания.
func (s *TranscriptionService) RetranscribeSession(sessionID string) error {
	sess := s.sessions.GetSession(sessionID)
	if sess == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if sess.Status == session.SessionStatusRecording {
		return fmt.Errorf("session is still recording")
	}

	r, err := session.NewMP3Reader(filepath.Join(sess.DataDir, "recording.mp3"))
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer r.Close()
	samples, err := r.ReadAllMono16k()
	if err != nil {
		return fmt.Errorf("decode recording: %w", err)
	}

	for _, c := range sess.Chunks {
		start := c.StartMs * session.SampleRate / 1000
		end := c.EndMs * session.SampleRate / 1000
		if start < 0 || start >= int64(len(samples)) {
			continue
		}
		if end > int64(len(samples)) {
			end = int64(len(samples))
		}
		wavPath := c.FilePath
		if wavPath == "" {
			wavPath = filepath.Join(sess.DataDir, fmt.Sprintf("chunk_%06d.wav", c.StartMs/1000))
		}
		if err := session.WriteWAVFile(wavPath, samples[start:end], session.SampleRate); err != nil {
			log.Printf("TranscriptionService: rewrite chunk %s: %v", c.ID, err)
			continue
		}
		s.sessions.UpdateChunk(sessionID, c.ID, session.ChunkStatusPending, "", nil)
		s.Enqueue(sessionID, c.ID, wavPath)
	}
	return nil
}

// Close дорабатывает очередь и останавливает потребителя.
func (s *TranscriptionService) Close() {
	s.once.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}
